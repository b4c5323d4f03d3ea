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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("BUTLER_DEBUG", "")
	t.Setenv("BUTLER_LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv()
	assert.Equal(t, "error", cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
}

func TestFromEnvDebugPrecedence(t *testing.T) {
	t.Setenv("BUTLER_DEBUG", "1")
	t.Setenv("BUTLER_LOG_LEVEL", "error")

	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRequestID(WithButler(logger, "valet"), "req-1").Info("routed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "valet", entry[ButlerKey])
	assert.Equal(t, "req-1", entry[RequestIDKey])
}

func TestErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Error("boom", Error(errors.New("disk full")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "disk full", entry["error"])
}

func TestSanitizeAPIKey(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeAPIKey("abc"))
	assert.Equal(t, "...6789", SanitizeAPIKey("sk-123456789"))
}
