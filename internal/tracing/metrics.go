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

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the butler's operational instruments, exported via the
// Prometheus registry.
type Metrics struct {
	sessionsTotal     metric.Int64Counter
	sessionsInFlight  metric.Int64UpDownCounter
	queueDepth        metric.Int64UpDownCounter
	tokensTotal       metric.Int64Counter
	tickDuration      metric.Float64Histogram
	heartbeatFailures metric.Int64Counter
	routeLatency      metric.Float64Histogram
}

// NewMetrics registers the instruments on the given meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("butler")
	m := &Metrics{}

	var err error
	if m.sessionsTotal, err = meter.Int64Counter(
		"butler_sessions_total",
		metric.WithDescription("Completed sessions by trigger source and outcome"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.sessionsInFlight, err = meter.Int64UpDownCounter(
		"butler_sessions_in_flight",
		metric.WithDescription("Sessions currently holding a concurrency permit"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64UpDownCounter(
		"butler_session_queue_depth",
		metric.WithDescription("Admitted invocations waiting for a permit"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if m.tokensTotal, err = meter.Int64Counter(
		"butler_tokens_total",
		metric.WithDescription("Tokens consumed by sessions, by direction"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if m.tickDuration, err = meter.Float64Histogram(
		"butler_tick_duration_seconds",
		metric.WithDescription("Scheduler tick duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.heartbeatFailures, err = meter.Int64Counter(
		"butler_heartbeat_failures_total",
		metric.WithDescription("Heartbeats that did not reach the switchboard"),
		metric.WithUnit("{beat}"),
	); err != nil {
		return nil, err
	}
	if m.routeLatency, err = meter.Float64Histogram(
		"butler_route_accept_latency_seconds",
		metric.WithDescription("Accept-phase latency per dispatch"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionStarted marks a session entering flight.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.sessionsInFlight.Add(ctx, 1)
}

// SessionFinished records a completed session.
func (m *Metrics) SessionFinished(ctx context.Context, triggerSource string, success bool, inputTokens, outputTokens int64) {
	m.sessionsInFlight.Add(ctx, -1)
	m.sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger_source", triggerSource),
		attribute.Bool("success", success),
	))
	m.tokensTotal.Add(ctx, inputTokens, metric.WithAttributes(attribute.String("direction", "input")))
	m.tokensTotal.Add(ctx, outputTokens, metric.WithAttributes(attribute.String("direction", "output")))
}

// QueueDelta adjusts the admitted-but-waiting gauge.
func (m *Metrics) QueueDelta(ctx context.Context, delta int64) {
	m.queueDepth.Add(ctx, delta)
}

// TickCompleted records one scheduler tick.
func (m *Metrics) TickCompleted(ctx context.Context, elapsed time.Duration) {
	m.tickDuration.Record(ctx, elapsed.Seconds())
}

// HeartbeatFailed counts one missed beat.
func (m *Metrics) HeartbeatFailed(ctx context.Context) {
	m.heartbeatFailures.Add(ctx, 1)
}

// RouteAccepted records one accept-phase dispatch.
func (m *Metrics) RouteAccepted(ctx context.Context, target string, elapsed time.Duration) {
	m.routeLatency.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("target", target)))
}
