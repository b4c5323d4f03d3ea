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

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stafford/butler/internal/module"
)

var (
	// ErrDuplicateJob is returned when two handlers claim one job name.
	ErrDuplicateJob = errors.New("scheduler: duplicate job handler")

	// ErrUnknownJob is returned when a job-mode task names no registered
	// handler.
	ErrUnknownJob = errors.New("scheduler: unknown job")
)

// Jobs is the handler table for job-mode dispatch. Modules register into
// it during on-startup; the scheduler reads from it on every tick.
type Jobs struct {
	mu       sync.RWMutex
	handlers map[string]module.JobFunc
}

// NewJobs returns an empty handler table.
func NewJobs() *Jobs {
	return &Jobs{handlers: make(map[string]module.JobFunc)}
}

// RegisterJob implements module.JobRegistrar.
func (j *Jobs) RegisterJob(name string, fn module.JobFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.handlers[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}
	j.handlers[name] = fn
	return nil
}

// Run invokes the named handler.
func (j *Jobs) Run(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	j.mu.RLock()
	fn, ok := j.handlers[name]
	j.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return fn(ctx, args)
}

// Known reports whether a handler is registered for name.
func (j *Jobs) Known(name string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.handlers[name]
	return ok
}
