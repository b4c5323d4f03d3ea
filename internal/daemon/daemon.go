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

// Package daemon orchestrates one butler process: phased startup, the
// background loops, and bounded graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/stafford/butler/internal/config"
	"github.com/stafford/butler/internal/heartbeat"
	"github.com/stafford/butler/internal/inbox"
	"github.com/stafford/butler/internal/module"
	"github.com/stafford/butler/internal/router"
	"github.com/stafford/butler/internal/runtime"
	"github.com/stafford/butler/internal/scheduler"
	"github.com/stafford/butler/internal/secrets"
	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
	"github.com/stafford/butler/internal/switchboard"
	"github.com/stafford/butler/internal/toolserver"
	"github.com/stafford/butler/internal/tracing"
)

// keyringService namespaces this fleet's entries in the OS keyring.
const keyringService = "butlers"

// Options configure one daemon instance.
type Options struct {
	ConfigPath string
	Version    string

	// Modules is the discovered module set. Registration order does not
	// matter; startup order comes from the dependency sort.
	Modules []module.Module

	// Messenger marks this butler as the owner of channel egress. Only a
	// messenger butler may load modules exposing send/reply tools.
	Messenger bool

	Logger *slog.Logger
}

// Daemon is one running butler.
type Daemon struct {
	opts   Options
	logger *slog.Logger

	cfg      *config.Config
	provider *tracing.Provider
	registry *module.Registry
	db       *store.Store
	resolver *secrets.Resolver
	adapter  runtime.Adapter
	spawner  *spawner.Spawner
	sched    *scheduler.Scheduler
	jobs     *scheduler.Jobs
	worker   *inbox.Worker
	tools    *toolserver.Server
	reporter *heartbeat.Reporter
	sb       *switchboard.Switchboard
	opsHTTP  *http.Server

	// cleanups unwind partial startup, last-registered first.
	cleanups []func()

	cancelLoops context.CancelFunc
	loopsDone   chan struct{}
}

// New constructs an unstarted daemon.
func New(opts Options) *Daemon {
	return &Daemon{
		opts:      opts,
		logger:    opts.Logger,
		loopsDone: make(chan struct{}),
	}
}

// Run starts the daemon, blocks until ctx is cancelled, then shuts down
// within the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		d.unwind()
		return err
	}

	<-ctx.Done()
	d.shutdown()
	return nil
}

// start walks the startup phases in order. Any failure returns with the
// already-initialised pieces recorded for unwinding.
func (d *Daemon) start(ctx context.Context) error {
	// Phase 1: configuration. Fatal on any violation; no partial startup.
	cfg, err := config.Load(d.opts.ConfigPath, runtime.Known())
	if err != nil {
		return err
	}
	d.cfg = cfg
	b := &cfg.Butler
	d.logger = d.logger.With("butler", b.Name)

	if b.PIDFile != "" {
		if err := writePIDFile(b.PIDFile); err != nil {
			return err
		}
		d.cleanups = append(d.cleanups, func() { removePIDFile(b.PIDFile) })
	}

	// Phase 2: telemetry. Failures here are fatal; a butler without its
	// instruments is misconfigured, not degraded.
	d.provider, err = tracing.NewProvider(ctx, b.Name, d.opts.Version, b.Observability)
	if err != nil {
		return err
	}
	d.cleanups = append(d.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.provider.Shutdown(shutdownCtx)
	})

	// Phase 3: module discovery and dependency sort.
	d.registry = module.NewRegistry(d.logger)
	for _, m := range d.opts.Modules {
		if err := d.registry.Register(m); err != nil {
			return err
		}
	}
	if err := d.registry.Resolve(); err != nil {
		return err
	}
	if err := d.registry.ValidateTools(d.opts.Messenger); err != nil {
		return err
	}

	// Phase 4: per-module config validation. Failures isolate the module.
	d.registry.ValidateConfigs(func(name string) module.DecodeConfig {
		return func(v any) (bool, error) { return cfg.DecodeModule(name, v) }
	})

	// Phase 5: butler-level credential declarations.
	if err := validateDeclarations(b.RequiredEnv, b.OptionalEnv); err != nil {
		return err
	}

	// Phases 6-7: database and core migrations.
	d.db, err = store.Open(store.Config{Path: b.Database.Path, WAL: true})
	if err != nil {
		return err
	}
	d.cleanups = append(d.cleanups, func() { d.db.Close() })

	// Phase 8: module migrations, isolated per module. Modules already
	// failed by config validation are skipped.
	for _, name := range d.pendingModules() {
		m, _ := d.registry.Get(name)
		if err := d.db.RunModuleMigrations(ctx, name, m.Migrations()); err != nil {
			d.registry.MarkFailed(name, "migrations: "+err.Error())
		}
	}

	// Phase 9: credential store. Module misses isolate the module; core
	// misses are fatal.
	d.resolver = secrets.NewResolver(keyringService)
	for _, name := range d.pendingModules() {
		m, _ := d.registry.Get(name)
		if err := d.resolver.ValidateRequired(ctx, m.Credentials()); err != nil {
			d.registry.MarkFailed(name, "credentials: "+err.Error())
		}
	}
	if err := d.resolver.ValidateRequired(ctx, b.RequiredEnv); err != nil {
		return fmt.Errorf("daemon: butler credentials: %w", err)
	}

	// Phase 10: module startup in topological order.
	d.jobs = scheduler.NewJobs()
	d.registry.Startup(ctx, func(name string) *module.Deps {
		return &module.Deps{
			Logger:      d.logger.With("module", name),
			Store:       d.db,
			Config:      func(v any) (bool, error) { return cfg.DecodeModule(name, v) },
			Credentials: d.resolver,
			Jobs:        d.jobs,
		}
	})
	d.cleanups = append(d.cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.registry.Shutdown(shutdownCtx)
	})

	// Phase 11: runtime adapter and spawner. A missing CLI binary is
	// advisory; sessions will fail loudly when first spawned.
	d.adapter, err = runtime.New(b.Runtime)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(d.adapter.BinaryName()); err != nil {
		d.logger.Warn("runtime binary not on PATH", "binary", d.adapter.BinaryName())
	}
	systemPrompt, err := loadSystemPrompt(d.adapter, b.SystemPromptPath)
	if err != nil {
		return err
	}
	d.spawner = spawner.New(spawner.Config{
		ButlerName:        b.Name,
		Model:             b.Model,
		SystemPrompt:      systemPrompt,
		ToolEndpointURL:   fmt.Sprintf("http://localhost:%d/mcp", b.Port),
		DataDir:           b.DataDir,
		MaxConcurrent:     int64(b.MaxConcurrentSessions),
		MaxQueued:         int64(b.MaxQueuedSessions),
		RequiredEnv:       b.RequiredEnv,
		OptionalEnv:       b.OptionalEnv,
		ModuleCredentials: d.registry.DeclaredCredentials(),
	}, d.db.Sessions, d.adapter, d.resolver, nil, d.logger)

	// Phase 12: schedule reconciliation.
	d.sched = scheduler.New(d.db.Schedule, d.spawner, d.jobs, b.TickInterval(), d.logger)
	if b.Switchboard {
		if err := d.setupSwitchboard(ctx); err != nil {
			return err
		}
	}
	if err := d.sched.Reconcile(ctx, b.Schedule); err != nil {
		return err
	}

	// Phase 13: tool registration, core set first, then module tools.
	d.worker = inbox.New(d.db.Inbox, d.spawner, d.logger)
	d.tools, err = toolserver.NewServer(toolserver.Config{
		ButlerName:      b.Name,
		Version:         d.opts.Version,
		Addr:            fmt.Sprintf(":%d", b.Port),
		AdapterBinary:   d.adapter.BinaryName(),
		AttachmentRoot:  b.AttachmentsDir,
		AttachmentGlobs: b.AttachmentPatterns,
	}, toolserver.Deps{
		Logger:    d.logger,
		Store:     d.db,
		Runner:    d.spawner,
		Scheduler: d.sched,
		Modules:   d.registry,
		Inbox:     d.worker,
	})
	if err != nil {
		return err
	}
	for _, m := range d.registry.StartedModules() {
		provider, ok := m.(toolserver.ToolProvider)
		if !ok {
			continue
		}
		if err := provider.RegisterTools(d.tools); err != nil {
			return err
		}
	}

	// Phases 14-17: the background loops.
	d.startLoops(ctx)
	return nil
}

// startLoops launches the servers and loops that run for the daemon's
// whole life. They share one cancellable context, but shutdown stops
// them individually in the bounded order.
func (d *Daemon) startLoops(ctx context.Context) {
	loopsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancelLoops = cancel
	b := &d.cfg.Butler

	// Phase 14: tool endpoint.
	go func() {
		if err := d.tools.Start(); err != nil {
			d.logger.Error("tool endpoint failed", "error", err)
		}
	}()

	// Switchboard API and metrics, or the per-butler ops listener.
	if d.opsHTTP != nil {
		go func() {
			if err := d.opsHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	// Inbox processing, with crash recovery first.
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		d.worker.Run(loopsCtx)
	}()

	// Phase 15: registration with the switchboard.
	if !b.Switchboard {
		go d.registerWithSwitchboard(loopsCtx)
	}

	// Phase 16: scheduler loop.
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		d.sched.Run(loopsCtx)
	}()

	// Phase 17: liveness reporter.
	reporterDone := make(chan struct{})
	if !b.Switchboard {
		d.reporter = heartbeat.New(b.SwitchboardURL, b.Name, b.HeartbeatInterval(), d.logger)
		go func() {
			defer close(reporterDone)
			d.reporter.Run(loopsCtx)
		}()
	} else {
		close(reporterDone)
	}

	// Config watcher: restart hints only, never live reload.
	go func() {
		if err := config.Watch(loopsCtx, d.cfg.Path(), d.logger); err != nil &&
			!errors.Is(err, context.Canceled) {
			d.logger.Warn("config watcher stopped", "error", err)
		}
	}()

	go func() {
		<-loopsCtx.Done()
		<-workerDone
		<-schedDone
		<-reporterDone
		close(d.loopsDone)
	}()
}

// shutdown runs the bounded stop sequence.
func (d *Daemon) shutdown() {
	b := &d.cfg.Butler
	timeout := b.ShutdownTimeout()
	d.logger.Info("shutting down", "timeout", timeout.String())

	deadline, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop the tool endpoint, then refuse new sessions, then drain.
	if err := d.tools.Shutdown(deadline); err != nil {
		d.logger.Warn("tool endpoint shutdown", "error", err)
	}
	d.spawner.StopAccepting()
	d.spawner.Drain(timeout)

	// Heartbeat, scheduler and the other loops stop before any module
	// shutdown hook runs. No final beat is sent.
	d.cancelLoops()
	select {
	case <-d.loopsDone:
	case <-deadline.Done():
		d.logger.Warn("background loops did not stop inside the timeout")
	}

	if d.opsHTTP != nil {
		if err := d.opsHTTP.Shutdown(deadline); err != nil {
			d.logger.Warn("ops endpoint shutdown", "error", err)
		}
	}

	d.registry.Shutdown(deadline)
	if err := d.provider.Shutdown(deadline); err != nil {
		d.logger.Warn("telemetry shutdown", "error", err)
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn("database close", "error", err)
	}
	if b.PIDFile != "" {
		removePIDFile(b.PIDFile)
	}
	d.logger.Info("shutdown complete")
}

// unwind reverses partial startup after a failed phase.
func (d *Daemon) unwind() {
	for i := len(d.cleanups) - 1; i >= 0; i-- {
		d.cleanups[i]()
	}
	d.cleanups = nil
}

// setupSwitchboard wires the registry API, router and eligibility sweep
// on the fleet's switchboard butler.
func (d *Daemon) setupSwitchboard(ctx context.Context) error {
	b := &d.cfg.Butler
	d.sb = switchboard.New(d.db.Registry, b.LivenessTTL(), d.logger)

	if err := d.jobs.RegisterJob("eligibility_sweep", d.sb.SweepJob); err != nil {
		return err
	}
	if err := d.ensureSweepTask(ctx); err != nil {
		return err
	}

	classifier := router.NewLLMClassifier(d.spawner, d.db.Registry, d.logger)
	dispatch := router.New(d.db.Registry, classifier, router.NewMCPCaller(0), d.logger)

	addr, err := listenAddr(b.SwitchboardURL)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/", d.sb.Routes())
	mux.Handle("POST /api/ingress", d.ingressHandler(dispatch))
	mux.Handle("GET /metrics", d.provider.MetricsHandler())
	d.opsHTTP = &http.Server{Addr: addr, Handler: mux}
	return nil
}

// ensureSweepTask seeds the eligibility sweep schedule once; operators
// may retune its cadence afterwards.
func (d *Daemon) ensureSweepTask(ctx context.Context) error {
	task := &store.ScheduledTask{
		Name:         "eligibility-sweep",
		Cron:         "*/5 * * * *",
		DispatchMode: store.DispatchJob,
		JobName:      "eligibility_sweep",
		Enabled:      true,
	}
	err := d.sched.CreateTask(ctx, task)
	if errors.Is(err, store.ErrDuplicateTask) {
		return nil
	}
	return err
}

// loadSystemPrompt parses the configured system prompt through the
// runtime adapter. An empty path means no system prompt.
func loadSystemPrompt(adapter runtime.Adapter, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	prompt, err := adapter.ParseSystemPromptFile(path)
	if err != nil {
		return "", fmt.Errorf("daemon: system prompt: %w", err)
	}
	return prompt, nil
}

// pendingModules lists modules still eligible for the next phase, in
// load order.
func (d *Daemon) pendingModules() []string {
	var out []string
	for _, st := range d.registry.States() {
		if st.State == module.StatePending {
			out = append(out, st.Name)
		}
	}
	return out
}

// validateDeclarations rejects blank or duplicated credential names at
// the declaration level, before any resolution is attempted.
func validateDeclarations(required, optional []string) error {
	seen := make(map[string]struct{}, len(required)+len(optional))
	for _, name := range append(append([]string{}, required...), optional...) {
		if name == "" {
			return fmt.Errorf("daemon: blank credential declaration")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("daemon: credential %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
