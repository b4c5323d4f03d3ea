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

// Package secrets resolves declared credentials for the spawner's child
// environment. The credential store is consulted first, the process
// environment second; nothing else is a source.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSecretNotFound is returned when no backend holds the credential.
	ErrSecretNotFound = errors.New("secrets: not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in
	// the current environment.
	ErrBackendUnavailable = errors.New("secrets: backend unavailable")
)

// Backend is one credential source.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Get retrieves a credential. Returns ErrSecretNotFound if absent.
	Get(ctx context.Context, key string) (string, error)

	// Available reports whether the backend is usable here.
	Available() bool
}

// MissingCredentialsError aggregates every unresolvable required
// credential into one startup error.
type MissingCredentialsError struct {
	Names []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("secrets: missing required credentials: %s", strings.Join(e.Names, ", "))
}

// Resolver queries backends in priority order.
type Resolver struct {
	backends []Backend
}

// NewResolver builds the standard chain: credential store first, process
// environment as fallback. Unavailable backends are skipped.
func NewResolver(service string) *Resolver {
	return NewResolverWith(newKeyringBackend(service), newEnvBackend())
}

// NewResolverWith builds a resolver over explicit backends, in order.
func NewResolverWith(backends ...Backend) *Resolver {
	r := &Resolver{}
	for _, b := range backends {
		if b.Available() {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// Resolve returns the first backend's value for name.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	for _, b := range r.backends {
		value, err := b.Get(ctx, name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", fmt.Errorf("secrets: %s backend: %w", b.Name(), err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// ValidateRequired checks that every named credential resolves, collecting
// all misses into one error.
func (r *Resolver) ValidateRequired(ctx context.Context, names []string) error {
	var missing []string
	for _, name := range names {
		if _, err := r.Resolve(ctx, name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &MissingCredentialsError{Names: missing}
	}
	return nil
}
