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

package spawner

import (
	"context"
	"fmt"
	"os"
	"sort"
)

// coreAPIKeyVars are always forwarded to the child when set, whichever
// runtime is configured.
var coreAPIKeyVars = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
}

// buildChildEnv assembles the explicit child environment: PATH, the core
// API key variables, and the butler's and modules' declared credentials.
// Nothing else from the parent process leaks through. Required credentials
// that fail to resolve abort the invocation; optional ones are skipped.
func (s *Spawner) buildChildEnv(ctx context.Context) ([]string, error) {
	vars := map[string]string{
		"PATH": os.Getenv("PATH"),
	}

	for _, name := range coreAPIKeyVars {
		if value, ok := os.LookupEnv(name); ok {
			vars[name] = value
		}
	}

	for _, name := range s.cfg.RequiredEnv {
		value, err := s.resolver.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("spawner: required credential %s: %w", name, err)
		}
		vars[name] = value
	}

	optional := make([]string, 0, len(s.cfg.OptionalEnv)+len(s.cfg.ModuleCredentials))
	optional = append(optional, s.cfg.OptionalEnv...)
	optional = append(optional, s.cfg.ModuleCredentials...)
	for _, name := range optional {
		if _, ok := vars[name]; ok {
			continue
		}
		value, err := s.resolver.Resolve(ctx, name)
		if err != nil {
			continue
		}
		vars[name] = value
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, name := range names {
		env = append(env, name+"="+vars[name])
	}
	return env, nil
}
