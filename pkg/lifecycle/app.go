package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/gate"
	"github.com/emuhost/emuhost/pkg/providers"
	"github.com/emuhost/emuhost/pkg/telemetry"
	"github.com/emuhost/emuhost/pkg/workers"
)

// OpAllocateCore is the gate name of AllocateCoreStuffs.
const OpAllocateCore = "allocate-core"

// DefaultWorkerCancelTimeout bounds worker cancellation when a worker spec
// does not set its own timeout.
const DefaultWorkerCancelTimeout = 5 * time.Minute

// ErrTerminated is returned by AllocateCoreStuffs after final shutdown.
var ErrTerminated = errors.New("application already terminated")

// ErrShuttingDown is returned by AllocateCoreStuffs while a shutdown sequence
// is running.
var ErrShuttingDown = errors.New("shutdown sequence in progress")

// WorkerFunc is the body of an execution worker. It runs until ctx is done.
type WorkerFunc func(ctx context.Context, pack *providers.Pack, cfg engine.ExecutionConfig) error

// WorkerSpec describes an execution worker started by AllocateCoreStuffs.
type WorkerSpec struct {
	Name string

	// Timeout bounds the cancellation wait. Zero uses
	// Options.WorkerCancelTimeout.
	Timeout time.Duration

	// Unbounded waits for the worker indefinitely, ignoring Timeout.
	Unbounded bool

	// LockOSThread pins the worker to one OS thread.
	LockOSThread bool

	Run WorkerFunc
}

// AsyncLoader is background work started once per provider pack and drained
// on exit.
type AsyncLoader interface {
	engine.AsyncTask
	Start(ctx context.Context)
}

// Closer is a process-level dependency released by Close after the pack.
type Closer interface {
	Close(ctx context.Context) error
}

// Options wires an App. Settings, Memory and Factory are required.
type Options struct {
	Settings engine.SettingsStore
	Memory   engine.MemoryReserver
	Factory  engine.ProviderFactory

	// Resources is cleared on exit.
	Resources engine.ResourceSet

	// Loader fills Resources in the background.
	Loader AsyncLoader

	Workers []WorkerSpec

	// WorkerCancelTimeout is the default worker cancellation bound.
	// Defaults to DefaultWorkerCancelTimeout.
	WorkerCancelTimeout time.Duration

	// DrainTimeout bounds the wait for Loader on exit. Zero waits until it
	// finishes.
	DrainTimeout time.Duration

	// Closers are released by Close, in order, after the pack.
	Closers []Closer

	// Probe detects host CPU features. Defaults to cpufeatures.Probe.
	Probe func() cpufeatures.Features

	SessionID string
	Telemetry *telemetry.Telemetry
}

// App owns the execution environment of one process: the owner gate, the
// provider pack, the execution workers and the shutdown sequencer.
//
// Init order: DetectCPUAndUserMode, then AllocateCoreStuffs. Teardown order:
// CleanupRestartable (optional, repeatable), CleanupOnExit, then Close as the
// last call of the process.
type App struct {
	opts      Options
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	sessionID string

	gate    *gate.Gate
	seq     *Sequencer
	threads []*workers.Thread
	specs   []WorkerSpec

	mu       sync.Mutex
	features cpufeatures.Features
	pack     *providers.Pack
	downs    []engine.Role
	lastErr  error
	closed   bool
}

// NewApp creates the application context and starts its owner gate.
func NewApp(opts Options) (*App, error) {
	if opts.Settings == nil || opts.Memory == nil || opts.Factory == nil {
		return nil, engine.NewConfigError("settings, memory and factory are required", nil)
	}
	if opts.WorkerCancelTimeout <= 0 {
		opts.WorkerCancelTimeout = DefaultWorkerCancelTimeout
	}
	if opts.Probe == nil {
		opts.Probe = cpufeatures.Probe
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.New().String()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop(nil)
	}
	tel.Events.SetSessionID(opts.SessionID)

	a := &App{
		opts:      opts,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("lifecycle").WithSessionID(opts.SessionID),
		sessionID: opts.SessionID,
		specs:     opts.Workers,
	}

	a.gate = gate.New(gate.Options{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
		OnResult: func(name string, err error) {
			if name == OpAllocateCore {
				a.mu.Lock()
				a.lastErr = err
				a.mu.Unlock()
			}
		},
	})

	bounded := make([]BoundedWorker, 0, len(opts.Workers))
	for _, spec := range opts.Workers {
		thread := workers.New(spec.Name, workers.Options{
			LockOSThread: spec.LockOSThread,
			Logger:       tel.Logger,
		})
		a.threads = append(a.threads, thread)

		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = opts.WorkerCancelTimeout
		}
		if spec.Unbounded {
			timeout = 0
		}
		bounded = append(bounded, BoundedWorker{Worker: thread, Timeout: timeout})
	}

	var async []engine.AsyncTask
	if opts.Loader != nil {
		async = append(async, opts.Loader)
	}

	a.seq = NewSequencer(SequencerOptions{
		Workers:      bounded,
		Async:        async,
		DrainTimeout: opts.DrainTimeout,
		Resources:    opts.Resources,
		Telemetry:    tel,
	})

	a.gate.Start(tel.WithContext(context.Background()))
	return a, nil
}

// SessionID identifies this process run.
func (a *App) SessionID() string {
	return a.sessionID
}

// DetectCPUAndUserMode probes the host CPU once and notifies the settings
// store of the settings folder. It reports false if the settings folder
// could not be loaded.
func (a *App) DetectCPUAndUserMode(ctx context.Context) bool {
	features := a.opts.Probe()

	a.mu.Lock()
	a.features = features
	a.mu.Unlock()

	flags := features.List()
	a.logger.WithFields(map[string]interface{}{
		"arch":  features.Arch,
		"flags": flags,
	}).Info("host CPU detected")
	_ = a.tel.Events.PublishCPUDetected(features.Arch, flags)

	if err := a.opts.Settings.OnChangedSettingsFolder(ctx); err != nil {
		a.logger.WithError(err).Error("failed to load settings folder")
		return false
	}
	return true
}

// Features returns the result of the last CPU probe.
func (a *App) Features() cpufeatures.Features {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.features
}

// AllocateCoreStuffs brings the execution environment up. Off the owner
// goroutine it is queued and returns StatusScheduled; a second call while one
// is pending returns StatusSuppressed. On the owner it runs inline: pending
// settings are applied, memory is reserved, the provider pack is built once
// and failed roles are disabled in the live settings. Workers stopped by
// CleanupRestartable are started again.
func (a *App) AllocateCoreStuffs(ctx context.Context) (gate.Status, error) {
	return a.gate.Run(ctx, OpAllocateCore, a.allocate)
}

// Boot runs AllocateCoreStuffs on the owner and waits for its result.
func (a *App) Boot(ctx context.Context) error {
	return a.gate.Do(ctx, func(ctx context.Context) error {
		_, err := a.AllocateCoreStuffs(ctx)
		return err
	})
}

// OnOwner runs fn on the owner goroutine and waits for it.
func (a *App) OnOwner(ctx context.Context, fn func(ctx context.Context) error) error {
	return a.gate.Do(ctx, fn)
}

// Flush waits until every queued owner operation has run.
func (a *App) Flush(ctx context.Context) error {
	return a.gate.Flush(ctx)
}

// LastAllocateErr returns the result of the last scheduled
// AllocateCoreStuffs run.
func (a *App) LastAllocateErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *App) allocate(ctx context.Context) (err error) {
	ctx, span := a.tel.Tracer.StartAllocateSpan(ctx, a.sessionID)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	if a.seq.State() == StateTerminated {
		return ErrTerminated
	}
	if a.seq.Running() {
		return ErrShuttingDown
	}

	if err := a.opts.Settings.ApplySettings(ctx); err != nil {
		return fmt.Errorf("failed to apply settings: %w", err)
	}

	if err := a.opts.Memory.ReserveAll(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	havePack := a.pack != nil
	a.mu.Unlock()

	if !havePack {
		if err := a.buildPack(ctx); err != nil {
			return err
		}
		if a.opts.Loader != nil {
			a.opts.Loader.Start(context.WithoutCancel(ctx))
		}
	}

	a.seq.Resume()
	return a.startWorkers(ctx)
}

func (a *App) buildPack(ctx context.Context) error {
	cfg := a.opts.Settings.ExecutionConfig()
	a.logger.WithField("execution", cfg.String()).Info("bringing up execution providers")

	pack, err := providers.NewPack(ctx, cfg, a.opts.Factory, providers.Options{Telemetry: a.tel})
	if err != nil {
		return err
	}

	live := cfg
	var downs []engine.Role
	if pack.HadSomeFailures(cfg) {
		live = providers.ApplyFallback(pack.Outcomes(), cfg)
		downs = providers.Downgraded(cfg, live)

		names := make([]string, 0, len(downs))
		for _, role := range downs {
			names = append(names, string(role))
			a.tel.Metrics.RecordFallback(string(role))
			a.logger.WithRole(string(role)).WithError(pack.Failure(role)).
				Warn("preferred provider failed, role disabled")
		}
		_ = a.tel.Events.PublishFallbackApplied(names)

		if err := a.opts.Settings.SetExecutionConfig(ctx, live); err != nil {
			if engine.IsAbort(err) {
				_ = pack.Close(context.WithoutCancel(ctx))
				return err
			}
			a.logger.WithError(err).Error("failed to persist downgraded execution config")
		}
	}

	for _, role := range engine.AllRoles() {
		a.tel.Metrics.SetRoleEnabled(string(role), live.Enabled(role))
	}

	a.mu.Lock()
	a.pack = pack
	a.downs = downs
	a.mu.Unlock()
	return nil
}

func (a *App) startWorkers(ctx context.Context) error {
	a.mu.Lock()
	pack := a.pack
	a.mu.Unlock()

	cfg := a.opts.Settings.ExecutionConfig()
	base := context.WithoutCancel(ctx)

	var errs []error
	for i, thread := range a.threads {
		if thread.Running() {
			continue
		}
		run := a.specs[i].Run
		if run == nil {
			continue
		}
		err := thread.Start(base, func(ctx context.Context) error {
			return run(ctx, pack, cfg)
		})
		if err != nil && !errors.Is(err, workers.ErrRunning) {
			errs = append(errs, fmt.Errorf("failed to start worker %s: %w", thread.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Pack returns the provider pack, or nil before the first allocation.
func (a *App) Pack() *providers.Pack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pack
}

// Downgraded returns the roles disabled by the fallback policy.
func (a *App) Downgraded() []engine.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]engine.Role, len(a.downs))
	copy(out, a.downs)
	return out
}

// State returns the shutdown sequence state.
func (a *App) State() State {
	return a.seq.State()
}

// CleanupRestartable stops the execution workers and keeps everything else,
// so AllocateCoreStuffs can start them again. Only an abort is returned.
func (a *App) CleanupRestartable(ctx context.Context) (*ShutdownResult, error) {
	return a.seq.Run(ctx, ModeRestartable)
}

// CleanupOnExit runs the full shutdown sequence: workers are cancelled,
// background loading is drained and the shared resources are cleared.
// Repeated calls return immediately once Terminated. Providers stay loaded
// until Close. Only an abort is returned.
func (a *App) CleanupOnExit(ctx context.Context) (*ShutdownResult, error) {
	return a.seq.Run(ctx, ModeExit)
}

// Close is the last call of the process. It finishes the shutdown sequence
// if needed, unloads the providers, releases the closers and the memory
// reservation, then stops the owner gate.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var errs []error
	if _, err := a.CleanupOnExit(ctx); err != nil {
		errs = append(errs, err)
	}

	a.mu.Lock()
	pack := a.pack
	a.pack = nil
	a.mu.Unlock()

	if pack != nil {
		if err := pack.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.opts.Closers {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.opts.Memory.ReleaseAll(); err != nil {
		errs = append(errs, err)
	}

	a.gate.Stop()

	if len(errs) > 0 {
		a.logger.WithError(errors.Join(errs...)).Error("errors while closing application")
	}
	return errors.Join(errs...)
}
