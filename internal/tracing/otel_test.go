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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafford/butler/internal/config"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), "valet", "0.1.0", config.ObservabilityConfig{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.Metrics())
	assert.NotNil(t, p.MetricsHandler())
}

func TestNewProviderUnknownExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), "valet", "0.1.0", config.ObservabilityConfig{
		Enabled:  true,
		Exporter: "jaeger-thrift",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown exporter")
}

func TestNewProviderStdout(t *testing.T) {
	p, err := NewProvider(context.Background(), "valet", "0.1.0", config.ObservabilityConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	require.NoError(t, err)
	require.NoError(t, p.ForceFlush(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMetricsInstrumentsRecord(t *testing.T) {
	p, err := NewProvider(context.Background(), "valet", "0.1.0", config.ObservabilityConfig{})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	m := p.Metrics()

	// Instruments must accept records without panicking; exposition is
	// Prometheus's job.
	m.SessionStarted(ctx)
	m.SessionFinished(ctx, "tick", true, 100, 50)
	m.QueueDelta(ctx, 1)
	m.QueueDelta(ctx, -1)
	m.TickCompleted(ctx, 40*time.Millisecond)
	m.HeartbeatFailed(ctx)
	m.RouteAccepted(ctx, "valet", 12*time.Millisecond)
}
