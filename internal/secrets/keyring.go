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

package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringBackend reads credentials from the system keychain: Keychain
// Access on macOS, Secret Service on Linux, Credential Manager on Windows.
type keyringBackend struct {
	service   string
	available bool
}

func newKeyringBackend(service string) *keyringBackend {
	b := &keyringBackend{service: service, available: true}

	// Probe with a key that cannot exist; anything other than NotFound
	// means the keyring service is locked or absent.
	_, err := keyring.Get(service, "__butler_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		b.available = false
	}
	return b
}

func (b *keyringBackend) Name() string    { return "keyring" }
func (b *keyringBackend) Available() bool { return b.available }

func (b *keyringBackend) Get(ctx context.Context, key string) (string, error) {
	value, err := keyring.Get(b.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return value, nil
}

// Set stores a credential in the keychain. Used by operator tooling, not
// by the daemon's read path.
func Set(service, key, value string) error {
	return keyring.Set(service, key, value)
}

// Delete removes a credential from the keychain.
func Delete(service, key string) error {
	err := keyring.Delete(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return err
}
