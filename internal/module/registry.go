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

package module

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"log/slog"
)

// Module lifecycle states as reported by the module_states tool.
const (
	StatePending       = "pending"
	StateStarted       = "started"
	StateFailed        = "failed"
	StateCascadeFailed = "cascade_failed"
	StateDisabled      = "disabled"
	StateStopped       = "stopped"
)

var (
	// ErrDuplicateModule is returned when two modules share a name.
	ErrDuplicateModule = errors.New("module: duplicate module name")

	// ErrMissingDependency is returned when a module names a dependency
	// absent from the loaded set.
	ErrMissingDependency = errors.New("module: missing dependency")

	// ErrUnknownModule is returned for operations on an unregistered name.
	ErrUnknownModule = errors.New("module: unknown module")
)

// CycleError reports a dependency cycle with a concrete witness path.
type CycleError struct {
	Witness []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("module: dependency cycle: %s", strings.Join(e.Witness, " -> "))
}

// ChannelEgressError reports a forbidden channel-egress tool registered
// outside the messenger butler.
type ChannelEgressError struct {
	Module string
	Tool   string
}

func (e *ChannelEgressError) Error() string {
	return fmt.Sprintf("module %s: tool %q sends on a channel this butler does not own", e.Module, e.Tool)
}

// channelEgressPattern matches tool names that emit into an external
// channel. Only the messenger butler may own such tools.
var channelEgressPattern = regexp.MustCompile(`^[A-Za-z0-9]+_(send_message|reply_to_message|send_email|reply_to_thread)$`)

// Registry holds the loaded module set, its resolved load order, and the
// per-module lifecycle state.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string]Module
	order   []string
	states  map[string]string
	reasons map[string]string
	started []string
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "modules"),
		modules: make(map[string]Module),
		states:  make(map[string]string),
		reasons: make(map[string]string),
	}
}

// Register adds one module. Duplicate names are fatal to startup.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := m.Name()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, name)
	}
	r.modules[name] = m
	r.states[name] = StatePending
	return nil
}

// Resolve computes the deterministic load order: Kahn's algorithm with
// lexicographic tie-breaking inside each stratum. Missing dependencies and
// cycles are fatal.
func (r *Registry) Resolve() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inDegree := make(map[string]int, len(r.modules))
	dependents := make(map[string][]string, len(r.modules))
	for name, m := range r.modules {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range m.Dependencies() {
			if _, ok := r.modules[dep]; !ok {
				return fmt.Errorf("%w: %q required by %q", ErrMissingDependency, dep, name)
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(r.modules))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var freed []string
		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				freed = append(freed, dependent)
			}
		}
		sort.Strings(freed)
		ready = mergeSorted(ready, freed)
	}

	if len(order) != len(r.modules) {
		return &CycleError{Witness: r.cycleWitness(inDegree)}
	}

	r.order = order
	return nil
}

// mergeSorted merges two sorted slices, preserving order.
func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// cycleWitness walks the unresolved remainder of the graph until a node
// repeats, producing a concrete cycle path for the error message.
func (r *Registry) cycleWitness(inDegree map[string]int) []string {
	remaining := make(map[string]bool)
	for name, degree := range inDegree {
		if degree > 0 {
			remaining[name] = true
		}
	}

	var start string
	for name := range remaining {
		if start == "" || name < start {
			start = name
		}
	}

	seen := make(map[string]int)
	path := []string{}
	current := start
	for {
		if at, ok := seen[current]; ok {
			return append(path[at:], current)
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range r.modules[current].Dependencies() {
			if remaining[dep] && (next == "" || dep < next) {
				next = dep
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}

// Order returns the resolved load order.
func (r *Registry) Order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a registered module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return m, ok
}

// ValidateTools enforces channel-egress ownership across the loaded set.
// Fatal at startup for any butler that is not the messenger.
func (r *Registry) ValidateTools(messengerButler bool) error {
	if messengerButler {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		for _, tool := range r.modules[name].Tools() {
			if channelEgressPattern.MatchString(tool.Name) {
				return &ChannelEgressError{Module: name, Tool: tool.Name}
			}
		}
	}
	return nil
}

// ValidateConfigs runs each module's config validation. A failure isolates
// that module (and its dependents) without touching the rest.
func (r *Registry) ValidateConfigs(decodeFor func(module string) DecodeConfig) {
	for _, name := range r.Order() {
		if r.state(name) != StatePending {
			continue
		}
		if err := r.modules[name].ValidateConfig(decodeFor(name)); err != nil {
			r.logger.Error("module config invalid", "module", name, "error", err)
			r.MarkFailed(name, fmt.Sprintf("config: %v", err))
		}
	}
}

// Startup invokes on-startup hooks in topological order. Each module's
// failure is contained: the module goes to failed, its transitive
// dependents to cascade_failed, and the walk continues.
func (r *Registry) Startup(ctx context.Context, deps func(module string) *Deps) {
	for _, name := range r.Order() {
		if r.state(name) != StatePending {
			continue
		}
		m := r.modules[name]
		if err := m.OnStartup(ctx, deps(name)); err != nil {
			r.logger.Error("module startup failed", "module", name, "error", err)
			r.MarkFailed(name, err.Error())
			continue
		}
		r.setState(name, StateStarted, "")
		r.mu.Lock()
		r.started = append(r.started, name)
		r.mu.Unlock()
		r.logger.Info("module started", "module", name)
	}
}

// Shutdown invokes on-shutdown hooks for started modules in reverse
// topological order. Errors are logged, never propagated.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	started := make([]string, len(r.started))
	copy(started, r.started)
	r.started = nil
	r.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		if err := r.modules[name].OnShutdown(ctx); err != nil {
			r.logger.Error("module shutdown failed", "module", name, "error", err)
		}
		r.setState(name, StateStopped, "")
	}
}

// MarkFailed marks one module failed and cascades to every module that
// transitively depends on it.
func (r *Registry) MarkFailed(name, reason string) {
	r.setState(name, StateFailed, reason)
	for _, dependent := range r.transitiveDependents(name) {
		if r.state(dependent) == StatePending {
			r.setState(dependent, StateCascadeFailed, fmt.Sprintf("dependency %s failed", name))
			r.logger.Warn("module cascade-failed", "module", dependent, "dependency", name)
		}
	}
}

// SetEnabled toggles a module for dispatch. Disabling a pending module
// keeps it from starting; a started module stays running until restart.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	switch {
	case !enabled && r.states[name] == StatePending:
		r.states[name] = StateDisabled
	case enabled && r.states[name] == StateDisabled:
		r.states[name] = StatePending
	}
	return nil
}

// ModuleState is one row of the module_states tool output.
type ModuleState struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// States reports every module's lifecycle state in load order.
func (r *Registry) States() []ModuleState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ModuleState, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, ModuleState{Name: name, State: r.states[name], Reason: r.reasons[name]})
	}
	return out
}

// StartedModules returns the modules that completed startup, in load order.
func (r *Registry) StartedModules() []Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Module
	for _, name := range r.order {
		if r.states[name] == StateStarted {
			out = append(out, r.modules[name])
		}
	}
	return out
}

// DeclaredCredentials is the union of credential names declared by started
// modules, sorted for a stable child environment.
func (r *Registry) DeclaredCredentials() []string {
	set := make(map[string]struct{})
	for _, m := range r.StartedModules() {
		for _, name := range m.Credentials() {
			set[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) state(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

func (r *Registry) setState(name, state, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[name] = state
	r.reasons[name] = reason
}

// transitiveDependents returns every module that depends, directly or
// through intermediaries, on name.
func (r *Registry) transitiveDependents(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	direct := make(map[string][]string)
	for moduleName, m := range r.modules {
		for _, dep := range m.Dependencies() {
			direct[dep] = append(direct[dep], moduleName)
		}
	}

	var out []string
	seen := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range direct[current] {
			if !seen[dependent] {
				seen[dependent] = true
				out = append(out, dependent)
				queue = append(queue, dependent)
			}
		}
	}
	sort.Strings(out)
	return out
}
