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

// Package config loads and validates the per-butler TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	// Any load or validation failure is startup-fatal; there is no partial startup.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// DefaultSwitchboardURL is used when neither config nor environment name one.
const DefaultSwitchboardURL = "http://localhost:40200"

// Config is the complete parsed configuration for one butler daemon.
// It is immutable after Load returns.
type Config struct {
	Butler ButlerConfig `toml:"butler" validate:"required"`

	// Modules maps module name to its opaque config payload. Each module
	// decodes its own section via DecodeModule during startup validation.
	Modules map[string]toml.Primitive `toml:"modules"`

	meta toml.MetaData
	path string
}

// ButlerConfig holds the butler-level settings.
type ButlerConfig struct {
	// Name is the butler's identity, unique fleet-wide.
	Name string `toml:"name" validate:"required"`

	// Port is the tool endpoint listen port.
	Port int `toml:"port" validate:"required,gt=0,lte=65535"`

	Description string `toml:"description"`

	// Switchboard designates this butler as the fleet switchboard. The
	// switchboard owns the registry, router and eligibility sweeper, and
	// does not run a heartbeat client against itself.
	Switchboard bool `toml:"switchboard"`

	// SwitchboardURL is where the heartbeat client reports. Defaults to
	// BUTLERS_SWITCHBOARD_URL, then DefaultSwitchboardURL.
	SwitchboardURL string `toml:"switchboard_url" validate:"omitempty,url"`

	// Runtime selects the LLM CLI adapter. Validated against the adapter
	// factory at load time.
	Runtime string `toml:"runtime"`

	// Model is passed through to the runtime adapter.
	Model string `toml:"model"`

	// SystemPromptPath names a prompt file parsed by the runtime adapter
	// (frontmatter stripped) and prepended to every session.
	SystemPromptPath string `toml:"system_prompt_path"`

	Database DatabaseConfig `toml:"database"`

	// RequiredEnv and OptionalEnv declare the credential names handed to
	// spawned sessions. Required names must resolve at startup.
	RequiredEnv []string `toml:"required_env"`
	OptionalEnv []string `toml:"optional_env"`

	TickIntervalSeconds      int `toml:"tick_interval_seconds" validate:"omitempty,gt=0"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds" validate:"omitempty,gt=0"`
	LivenessTTLSeconds       int `toml:"liveness_ttl_seconds" validate:"omitempty,gt=0"`
	ShutdownTimeoutSeconds   int `toml:"shutdown_timeout_seconds" validate:"omitempty,gt=0"`

	MaxConcurrentSessions int `toml:"max_concurrent_sessions" validate:"omitempty,gt=0"`
	MaxQueuedSessions     int `toml:"max_queued_sessions" validate:"omitempty,gt=0"`

	DataDir string `toml:"data_dir"`
	PIDFile string `toml:"pid_file"`

	// AttachmentsDir and AttachmentPatterns bound what get_attachment may
	// serve. Patterns are doublestar globs relative to AttachmentsDir.
	AttachmentsDir     string   `toml:"attachments_dir"`
	AttachmentPatterns []string `toml:"attachment_patterns"`

	Schedule []ScheduleEntry `toml:"schedule" validate:"dive"`

	Observability ObservabilityConfig `toml:"observability"`
}

// DatabaseConfig holds the storage coordinates.
type DatabaseConfig struct {
	// Path is the sqlite database file. Defaults to <data_dir>/<name>.db,
	// giving each butler its own database and therefore its own schema.
	Path string `toml:"path"`

	// Shared marks the database as shared between butlers. Shared databases
	// require an explicit Schema so cross-butler isolation stays enforced.
	Shared bool   `toml:"shared"`
	Schema string `toml:"schema"`
}

// ScheduleEntry is one declarative schedule row, reconciled into the
// scheduled_tasks table at startup with source='toml'.
type ScheduleEntry struct {
	Name         string         `toml:"name" validate:"required"`
	Cron         string         `toml:"cron" validate:"required"`
	DispatchMode string         `toml:"dispatch_mode"`
	Prompt       string         `toml:"prompt"`
	JobName      string         `toml:"job_name"`
	JobArgs      map[string]any `toml:"job_args"`
	StaggerKey   string         `toml:"stagger_key"`
	Until        string         `toml:"until"`

	// Calendar projection fields, display-only.
	Timezone     string `toml:"timezone"`
	StartAt      string `toml:"start_at"`
	EndAt        string `toml:"end_at"`
	DisplayTitle string `toml:"display_title"`
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	Enabled bool `toml:"enabled"`

	// Exporter selects the trace exporter: otlp-http, otlp-grpc, stdout
	// or none. Metrics always export through the Prometheus registry.
	Exporter string `toml:"exporter" validate:"omitempty,oneof=otlp-http otlp-grpc stdout none"`

	Endpoint string `toml:"endpoint"`
}

// Durations and defaults derived from the raw second counts.

func (b *ButlerConfig) TickInterval() time.Duration {
	return time.Duration(b.TickIntervalSeconds) * time.Second
}

func (b *ButlerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalSeconds) * time.Second
}

func (b *ButlerConfig) LivenessTTL() time.Duration {
	return time.Duration(b.LivenessTTLSeconds) * time.Second
}

func (b *ButlerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(b.ShutdownTimeoutSeconds) * time.Second
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// DecodeModule decodes the named module's opaque payload into v.
// Returns false when the config carries no section for the module.
func (c *Config) DecodeModule(name string, v any) (bool, error) {
	prim, ok := c.Modules[name]
	if !ok {
		return false, nil
	}
	if err := c.meta.PrimitiveDecode(prim, v); err != nil {
		return true, fmt.Errorf("module %q config: %w", name, err)
	}
	return true, nil
}

// applyDefaults fills unset fields after decoding.
func (c *Config) applyDefaults() {
	b := &c.Butler

	if b.SwitchboardURL == "" {
		if url := os.Getenv("BUTLERS_SWITCHBOARD_URL"); url != "" {
			b.SwitchboardURL = url
		} else {
			b.SwitchboardURL = DefaultSwitchboardURL
		}
	}
	if b.Runtime == "" {
		b.Runtime = "claude"
	}
	if b.TickIntervalSeconds == 0 {
		b.TickIntervalSeconds = 60
	}
	if b.HeartbeatIntervalSeconds == 0 {
		b.HeartbeatIntervalSeconds = 120
	}
	if b.LivenessTTLSeconds == 0 {
		b.LivenessTTLSeconds = 300
	}
	if b.ShutdownTimeoutSeconds == 0 {
		b.ShutdownTimeoutSeconds = 30
	}
	if b.MaxConcurrentSessions == 0 {
		b.MaxConcurrentSessions = 1
	}
	if b.MaxQueuedSessions == 0 {
		b.MaxQueuedSessions = 100
	}
	if b.DataDir == "" {
		b.DataDir = filepath.Join(".", "data")
	}
	if b.Database.Path == "" && !b.Database.Shared {
		b.Database.Path = filepath.Join(b.DataDir, b.Name+".db")
	}
}

// validate enforces the configuration schema. All violations are fatal.
func (c *Config) validate(knownRuntimes []string) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	b := &c.Butler

	found := false
	for _, name := range knownRuntimes {
		if name == b.Runtime {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: unknown runtime adapter %q (known: %v)", ErrInvalidConfig, b.Runtime, knownRuntimes)
	}

	if b.Database.Shared && b.Database.Schema == "" {
		return fmt.Errorf("%w: shared database requires an explicit schema for butler isolation", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(b.Schedule))
	for _, entry := range b.Schedule {
		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("%w: duplicate schedule entry %q", ErrInvalidConfig, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}

	return nil
}
