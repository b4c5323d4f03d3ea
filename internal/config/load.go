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

package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// envRefPattern matches ${NAME} references in the raw document.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// MissingEnvError reports every unresolved ${NAME} reference in one error,
// so operators fix the whole set in a single pass.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("config: unresolved environment references: %s", strings.Join(e.Vars, ", "))
}

// Load reads, expands and validates the TOML configuration at path.
// knownRuntimes is the set of runtime adapter names accepted for
// butler.runtime; an unknown selector is fatal here, not at first use.
func Load(path string, knownRuntimes []string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	md, err := toml.Decode(string(expanded), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	cfg.meta = md
	cfg.path = path

	cfg.applyDefaults()
	if err := cfg.validate(knownRuntimes); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandEnv resolves every ${NAME} reference against the process environment.
// All missing names are collected and reported together.
func expandEnv(raw []byte) ([]byte, error) {
	missing := make(map[string]struct{})

	expanded := envRefPattern.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := envRefPattern.FindSubmatch(ref)[1]
		value, ok := os.LookupEnv(string(name))
		if !ok {
			missing[string(name)] = struct{}{}
			return ref
		}
		return []byte(value)
	})

	if len(missing) > 0 {
		vars := make([]string, 0, len(missing))
		for name := range missing {
			vars = append(vars, name)
		}
		sort.Strings(vars)
		return nil, &MissingEnvError{Vars: vars}
	}

	return expanded, nil
}
