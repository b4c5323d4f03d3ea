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

package switchboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stafford/butler/internal/store"
)

// Sweep reasons recorded in the eligibility log.
const (
	ReasonTTLExpired   = "liveness_ttl_expired"
	ReasonTTLExpired2x = "liveness_ttl_expired_2x"
)

// SweepResult summarises one eligibility sweep.
type SweepResult struct {
	Checked     int `json:"checked"`
	Staled      int `json:"staled"`
	Quarantined int `json:"quarantined"`
}

// Sweep applies the time-based eligibility transitions: active butlers
// silent past their TTL go stale; stale butlers silent past twice the TTL
// are quarantined. Butlers that never reported are skipped.
func (s *Switchboard) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	entries, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	for _, entry := range entries {
		if entry.LastSeenAt == nil {
			continue
		}
		result.Checked++

		ttl := entry.LivenessTTL()
		silentSince := now.Sub(*entry.LastSeenAt)

		switch entry.EligibilityState {
		case store.EligibilityActive:
			if silentSince > ttl {
				if err := s.registry.Transition(ctx, entry.Name,
					store.EligibilityActive, store.EligibilityStale, ReasonTTLExpired); err != nil {
					s.logger.Error("stale transition failed", "butler", entry.Name, "error", err)
					continue
				}
				result.Staled++
				s.logger.Warn("butler went stale", "butler", entry.Name,
					"silent_for", silentSince.String())
			}
		case store.EligibilityStale:
			if silentSince > 2*ttl {
				if err := s.registry.Transition(ctx, entry.Name,
					store.EligibilityStale, store.EligibilityQuarantined, ReasonTTLExpired2x); err != nil {
					s.logger.Error("quarantine transition failed", "butler", entry.Name, "error", err)
					continue
				}
				result.Quarantined++
				s.logger.Warn("butler quarantined", "butler", entry.Name,
					"silent_for", silentSince.String())
			}
		}
	}
	return result, nil
}

// SweepJob adapts Sweep into a job-mode schedule handler so the sweep
// runs as a regular scheduled task on the switchboard.
func (s *Switchboard) SweepJob(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	result, err := s.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}
