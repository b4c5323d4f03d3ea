// Copyright 2026 The Butler Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUpsertPreservesEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Registry.Upsert(ctx, &RegistryEntry{
		Name:               "messenger",
		EndpointURL:        "http://localhost:40210",
		Modules:            []string{"telegram", "email"},
		LivenessTTLSeconds: 300,
	}))

	entry, err := s.Registry.Get(ctx, "messenger")
	require.NoError(t, err)
	assert.Equal(t, EligibilityActive, entry.EligibilityState)
	registeredAt := entry.RegisteredAt

	require.NoError(t, s.Registry.Transition(ctx, "messenger",
		EligibilityActive, EligibilityQuarantined, "liveness_ttl_expired_2x"))

	// Re-registering refreshes the endpoint but does not clear quarantine
	// or reset registered_at.
	require.NoError(t, s.Registry.Upsert(ctx, &RegistryEntry{
		Name:               "messenger",
		EndpointURL:        "http://localhost:40211",
		LivenessTTLSeconds: 600,
	}))

	entry, err = s.Registry.Get(ctx, "messenger")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:40211", entry.EndpointURL)
	assert.Equal(t, 600, entry.LivenessTTLSeconds)
	assert.Equal(t, EligibilityQuarantined, entry.EligibilityState)
	assert.True(t, entry.RegisteredAt.Equal(registeredAt))
}

func TestRegistryTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Registry.Upsert(ctx, &RegistryEntry{
		Name: "valet", EndpointURL: "http://localhost:40220", LivenessTTLSeconds: 300,
	}))

	seen := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Registry.Touch(ctx, "valet", seen))

	entry, err := s.Registry.Get(ctx, "valet")
	require.NoError(t, err)
	require.NotNil(t, entry.LastSeenAt)
	assert.True(t, entry.LastSeenAt.Equal(seen))

	assert.ErrorIs(t, s.Registry.Touch(ctx, "stranger", seen), ErrNotFound)
}

func TestRegistryTransitionGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Registry.Upsert(ctx, &RegistryEntry{
		Name: "valet", EndpointURL: "http://localhost:40220", LivenessTTLSeconds: 300,
	}))

	require.NoError(t, s.Registry.Transition(ctx, "valet",
		EligibilityActive, EligibilityStale, "liveness_ttl_expired"))

	// The from-state guard makes a repeated sweep a no-op error rather
	// than a duplicate transition.
	err := s.Registry.Transition(ctx, "valet",
		EligibilityActive, EligibilityStale, "liveness_ttl_expired")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Registry.Transition(ctx, "valet",
		EligibilityStale, EligibilityQuarantined, "liveness_ttl_expired_2x"))

	entry, err := s.Registry.Get(ctx, "valet")
	require.NoError(t, err)
	assert.Equal(t, EligibilityQuarantined, entry.EligibilityState)
	require.NotNil(t, entry.QuarantinedAt)
	assert.Equal(t, "liveness_ttl_expired_2x", entry.QuarantineReason)

	log, err := s.Registry.EligibilityLog(ctx, "valet", 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, EligibilityQuarantined, log[0].ToState)
	assert.Equal(t, EligibilityStale, log[1].ToState)
}

func TestRoutingLogIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &RoutingLogEntry{
		RequestID:      "req-1",
		IdempotencyKey: "telegram:42",
		SourceChannel:  "telegram",
		TargetButler:   "valet",
		Outcome:        "accepted",
		LatencyMS:      12,
	}
	require.NoError(t, s.Registry.AppendRoutingLog(ctx, first))

	dup := &RoutingLogEntry{
		RequestID:      "req-2",
		IdempotencyKey: "telegram:42",
		TargetButler:   "valet",
		Outcome:        "accepted",
	}
	assert.ErrorIs(t, s.Registry.AppendRoutingLog(ctx, dup), ErrDuplicateRoute)

	prior, err := s.Registry.FindRoutingLogByIdempotencyKey(ctx, "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "req-1", prior.RequestID)

	// Entries without a key never collide.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.Registry.AppendRoutingLog(ctx, &RoutingLogEntry{
			RequestID:    "req-x",
			TargetButler: "valet",
			Outcome:      "accepted",
		}))
	}
}
