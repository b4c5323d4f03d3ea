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

// Package module defines the butler module contract and the registry that
// loads modules in dependency order with per-module failure isolation.
package module

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/stafford/butler/internal/store"
)

// DecodeConfig decodes the module's declarative config section into v.
// The bool reports whether a section was present at all.
type DecodeConfig func(v any) (bool, error)

// JobFunc handles one job-mode scheduled dispatch.
type JobFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// JobRegistrar accepts job handlers during module startup.
type JobRegistrar interface {
	RegisterJob(name string, fn JobFunc) error
}

// CredentialResolver resolves a declared credential by name, consulting the
// credential store before the process environment.
type CredentialResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Tool is the metadata a module publishes for one of its tools. Sensitive
// arguments are redacted from logs and gated by the approvals layer.
type Tool struct {
	Name          string
	Description   string
	SensitiveArgs []string
}

// Deps are the collaborators handed to a module during its lifecycle
// hooks. Modules borrow these; they must not be retained past shutdown.
type Deps struct {
	Logger      *slog.Logger
	Store       *store.Store
	Config      DecodeConfig
	Credentials CredentialResolver
	Jobs        JobRegistrar
}

// Module is one loadable capability unit of a butler.
type Module interface {
	// Name is unique within a butler. Duplicate registrations are fatal.
	Name() string

	// Dependencies names the modules that must start before this one.
	Dependencies() []string

	// ValidateConfig decodes and checks the module's config section.
	// Called before any migration or startup work.
	ValidateConfig(decode DecodeConfig) error

	// Credentials names the environment credentials this module declares.
	// They are resolved into the spawner's child environment.
	Credentials() []string

	// Migrations returns DDL statements applied after core migrations.
	Migrations() []string

	// Tools is the module's tool metadata, used for the egress ownership
	// check and the approvals layer before any tool is served.
	Tools() []Tool

	// OnStartup runs in topological order. An error isolates this module
	// and cascades to its dependents only.
	OnStartup(ctx context.Context, deps *Deps) error

	// OnShutdown runs in reverse topological order.
	OnShutdown(ctx context.Context) error
}
