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

// Package router implements the switchboard's accept-phase dispatch:
// classify an ingress record, call route.execute on the target butler,
// and record the outcome in the routing log.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/stafford/butler/internal/store"
)

var (
	// ErrNoTarget is returned when classification yields no routable
	// butler.
	ErrNoTarget = errors.New("router: no target butler")

	// ErrTargetQuarantined is returned when the classified target is
	// quarantined and therefore ineligible.
	ErrTargetQuarantined = errors.New("router: target butler quarantined")
)

// Ingress is the canonical record a connector submits for routing.
type Ingress struct {
	IdempotencyKey         string          `json:"idempotency_key,omitempty"`
	SourceChannel          string          `json:"source_channel"`
	SourceEndpointIdentity string          `json:"source_endpoint_identity,omitempty"`
	SenderIdentity         string          `json:"sender_identity,omitempty"`
	Content                string          `json:"content"`
	TraceContext           json.RawMessage `json:"trace_context,omitempty"`
}

// RouteRequest is the accept-phase payload delivered to the target.
type RouteRequest struct {
	RequestID              string          `json:"request_id"`
	SourceChannel          string          `json:"source_channel"`
	SourceEndpointIdentity string          `json:"source_endpoint_identity,omitempty"`
	SenderIdentity         string          `json:"sender_identity,omitempty"`
	Prompt                 string          `json:"prompt"`
	Classification         string          `json:"classification,omitempty"`
	TraceContext           json.RawMessage `json:"trace_context,omitempty"`
}

// Classifier picks the target butler for an ingress record. The
// switchboard backs this with its own spawner.
type Classifier interface {
	Classify(ctx context.Context, ingress Ingress) (target, classification string, err error)
}

// Caller delivers route.execute to a target butler's endpoint.
type Caller interface {
	RouteExecute(ctx context.Context, endpointURL string, req RouteRequest) error
}

// Router is the switchboard's dispatch engine.
type Router struct {
	logger     *slog.Logger
	registry   *store.RegistryStore
	classifier Classifier
	caller     Caller

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New constructs a router.
func New(registry *store.RegistryStore, classifier Classifier, caller Caller, logger *slog.Logger) *Router {
	return &Router{
		logger:     logger.With("component", "router"),
		registry:   registry,
		classifier: classifier,
		caller:     caller,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Result is what the connector receives for an accepted (or replayed)
// route.
type Result struct {
	RequestID    string `json:"request_id"`
	TargetButler string `json:"target_butler"`
	Outcome      string `json:"outcome"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// Route runs the accept phase for one ingress record. Duplicates by
// idempotency key short-circuit to the prior outcome. The routing log
// records every dispatch attempt, including failures.
func (r *Router) Route(ctx context.Context, ingress Ingress) (*Result, error) {
	if ingress.IdempotencyKey != "" {
		prior, err := r.registry.FindRoutingLogByIdempotencyKey(ctx, ingress.IdempotencyKey)
		if err == nil {
			r.logger.Info("duplicate ingress short-circuited",
				"idempotency_key", ingress.IdempotencyKey, "request_id", prior.RequestID)
			return &Result{
				RequestID:    prior.RequestID,
				TargetButler: prior.TargetButler,
				Outcome:      prior.Outcome,
				Duplicate:    true,
			}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	requestID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("router: request id: %w", err)
	}

	started := time.Now()
	target, classification, dispatchErr := r.dispatch(ctx, requestID.String(), ingress)
	latency := time.Since(started).Milliseconds()

	entry := &store.RoutingLogEntry{
		RequestID:      requestID.String(),
		IdempotencyKey: ingress.IdempotencyKey,
		SourceChannel:  ingress.SourceChannel,
		SenderIdentity: ingress.SenderIdentity,
		TargetButler:   target,
		Outcome:        "accepted",
		LatencyMS:      latency,
	}
	if dispatchErr != nil {
		entry.Outcome = "failed"
		entry.Error = dispatchErr.Error()
	}

	if err := r.registry.AppendRoutingLog(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateRoute) {
			// Lost a race with a concurrent duplicate; defer to it.
			prior, findErr := r.registry.FindRoutingLogByIdempotencyKey(ctx, ingress.IdempotencyKey)
			if findErr == nil {
				return &Result{
					RequestID:    prior.RequestID,
					TargetButler: prior.TargetButler,
					Outcome:      prior.Outcome,
					Duplicate:    true,
				}, nil
			}
		}
		r.logger.Error("routing log write failed", "request_id", requestID, "error", err)
	}

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	r.logger.Info("route accepted", "request_id", requestID, "target", target,
		"classification", classification, "latency_ms", latency)
	return &Result{RequestID: requestID.String(), TargetButler: target, Outcome: entry.Outcome}, nil
}

// dispatch classifies and calls the target through its circuit breaker.
func (r *Router) dispatch(ctx context.Context, requestID string, ingress Ingress) (string, string, error) {
	target, classification, err := r.classifier.Classify(ctx, ingress)
	if err != nil {
		return "", "", fmt.Errorf("router: classify: %w", err)
	}
	if target == "" {
		return "", "", ErrNoTarget
	}

	entry, err := r.registry.Get(ctx, target)
	if err != nil {
		return target, classification, fmt.Errorf("%w: %q", ErrNoTarget, target)
	}
	if entry.EligibilityState == store.EligibilityQuarantined {
		return target, classification, fmt.Errorf("%w: %q", ErrTargetQuarantined, target)
	}

	req := RouteRequest{
		RequestID:              requestID,
		SourceChannel:          ingress.SourceChannel,
		SourceEndpointIdentity: ingress.SourceEndpointIdentity,
		SenderIdentity:         ingress.SenderIdentity,
		Prompt:                 ingress.Content,
		Classification:         classification,
		TraceContext:           ingress.TraceContext,
	}

	_, err = r.breaker(target).Execute(func() (any, error) {
		return nil, r.caller.RouteExecute(ctx, entry.EndpointURL, req)
	})
	if err != nil {
		return target, classification, fmt.Errorf("router: route.execute on %q: %w", target, err)
	}
	return target, classification, nil
}

// breaker returns the per-target circuit breaker, creating it on first
// use. A tripped breaker fails dispatches to that target fast while it
// recovers.
func (r *Router) breaker(target string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "route:" + target,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change", "breaker", name,
				"from", from.String(), "to", to.String())
		},
	})
	r.breakers[target] = cb
	return cb
}
