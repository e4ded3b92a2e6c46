package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/gate"
	"github.com/emuhost/emuhost/pkg/providers"
)

type testEnv struct {
	app      *App
	settings *mockSettings
	memory   *mockMemory
	factory  *mockFactory
}

func newTestApp(t *testing.T, cfg engine.ExecutionConfig, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		settings: newMockSettings(cfg),
		memory:   &mockMemory{},
		factory:  newMockFactory(),
	}
	opts := Options{
		Settings: env.settings,
		Memory:   env.memory,
		Factory:  env.factory,
		Probe:    func() cpufeatures.Features { return cpufeatures.New("amd64", "sse4.1", "avx2") },
	}
	if mutate != nil {
		mutate(&opts)
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	env.app = app
	return env
}

func onlyEnabled(roles ...engine.Role) engine.ExecutionConfig {
	cfg := make(engine.ExecutionConfig)
	for _, r := range engine.AllRoles() {
		cfg[r] = engine.UnitDisabled
	}
	for _, r := range roles {
		cfg[r] = engine.UnitEnabled
	}
	return cfg
}

func TestNewApp_RequiresDependencies(t *testing.T) {
	_, err := NewApp(Options{})
	if engine.ClassOf(err) != engine.ErrorClassConfig {
		t.Errorf("NewApp() error = %v, want config class", err)
	}
}

func TestDetectCPUAndUserMode(t *testing.T) {
	t.Run("loads settings folder", func(t *testing.T) {
		env := newTestApp(t, engine.DefaultExecutionConfig(), nil)

		if !env.app.DetectCPUAndUserMode(context.Background()) {
			t.Fatal("DetectCPUAndUserMode() = false")
		}
		if _, folder, _ := env.settings.counts(); folder != 1 {
			t.Errorf("OnChangedSettingsFolder called %d times, want 1", folder)
		}
		if !env.app.Features().Has("avx2") {
			t.Error("probe result not kept")
		}
	})

	t.Run("settings folder fails", func(t *testing.T) {
		env := newTestApp(t, engine.DefaultExecutionConfig(), nil)
		env.settings.folderErr = engine.NewConfigError("unreadable", nil)

		if env.app.DetectCPUAndUserMode(context.Background()) {
			t.Error("DetectCPUAndUserMode() = true with a broken settings folder")
		}
	})
}

func TestAllocate_PrimaryFailsCoprocASucceeds(t *testing.T) {
	env := newTestApp(t, onlyEnabled(engine.RolePrimary, engine.RoleCoprocA), nil)
	env.factory.initErr[engine.RolePrimary] = errors.New("recompiler needs sse4.1")

	if err := env.app.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}

	want := onlyEnabled(engine.RoleCoprocA)
	if got := env.settings.ExecutionConfig(); !got.Equal(want) {
		t.Errorf("live config = %v, want %v", got, want)
	}
	if got := env.app.Downgraded(); !reflect.DeepEqual(got, []engine.Role{engine.RolePrimary}) {
		t.Errorf("Downgraded() = %v, want [primary]", got)
	}
	if _, _, set := env.settings.counts(); set != 1 {
		t.Errorf("SetExecutionConfig called %d times, want 1", set)
	}

	pack := env.app.Pack()
	if pack == nil {
		t.Fatal("Pack() = nil after Boot")
	}
	if pack.Failure(engine.RolePrimary) == nil {
		t.Error("primary failure not captured")
	}
	if got := pack.Active(engine.RolePrimary, env.settings.ExecutionConfig()).Name(); got != "interp-primary" {
		t.Errorf("primary runs on %s, want interp-primary", got)
	}
	if got := pack.Active(engine.RoleCoprocA, env.settings.ExecutionConfig()).Name(); got != "rec-coproc-a" {
		t.Errorf("coproc-a runs on %s, want rec-coproc-a", got)
	}
}

func TestAllocate_NoFailuresKeepsConfig(t *testing.T) {
	env := newTestApp(t, engine.DefaultExecutionConfig(), nil)

	if err := env.app.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if _, _, set := env.settings.counts(); set != 0 {
		t.Errorf("SetExecutionConfig called %d times, want 0", set)
	}
	if len(env.app.Downgraded()) != 0 {
		t.Errorf("Downgraded() = %v, want none", env.app.Downgraded())
	}
}

func TestAllocate_DisabledRolesNeverRequested(t *testing.T) {
	env := newTestApp(t, onlyEnabled(engine.RoleVector1), nil)

	if err := env.app.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if got := env.factory.requests(); got != 1 {
		t.Errorf("factory asked for %d providers, want 1", got)
	}
	if out := env.app.Pack().Outcome(engine.RolePrimary); out.Status != engine.OutcomeNotAttempted {
		t.Errorf("primary outcome = %s, want not_attempted", out.Status)
	}
}

func TestAllocate_SecondCallReappliesSettingsOnly(t *testing.T) {
	env := newTestApp(t, engine.DefaultExecutionConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := env.app.Boot(ctx); err != nil {
			t.Fatalf("Boot() #%d error = %v", i, err)
		}
	}

	if apply, _, _ := env.settings.counts(); apply != 3 {
		t.Errorf("ApplySettings called %d times, want 3", apply)
	}
	if got := env.factory.requests(); got != len(engine.AllRoles()) {
		t.Errorf("factory asked for %d providers, want %d", got, len(engine.AllRoles()))
	}
}

func TestAllocate_OffOwnerIsScheduled(t *testing.T) {
	env := newTestApp(t, engine.DefaultExecutionConfig(), nil)
	ctx := context.Background()

	status, err := env.app.AllocateCoreStuffs(ctx)
	if err != nil {
		t.Fatalf("AllocateCoreStuffs() error = %v", err)
	}
	if status != gate.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", status)
	}

	if err := env.app.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if env.app.Pack() == nil {
		t.Error("scheduled allocation did not build the pack")
	}
	if err := env.app.LastAllocateErr(); err != nil {
		t.Errorf("LastAllocateErr() = %v", err)
	}
}

func TestAllocate_ConcurrentCallsCollapse(t *testing.T) {
	env := newTestApp(t, engine.DefaultExecutionConfig(), nil)
	release := make(chan struct{})
	env.settings.applyGate = release
	ctx := context.Background()

	const callers = 16
	var (
		wg         sync.WaitGroup
		scheduled  atomic.Int32
		suppressed atomic.Int32
	)
	first, err := env.app.AllocateCoreStuffs(ctx)
	if err != nil || first != gate.StatusScheduled {
		t.Fatalf("first call = %s, %v; want scheduled", first, err)
	}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := env.app.AllocateCoreStuffs(ctx)
			switch status {
			case gate.StatusScheduled:
				scheduled.Add(1)
			case gate.StatusSuppressed:
				suppressed.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if err := env.app.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if scheduled.Load() != 0 || suppressed.Load() != callers {
		t.Errorf("scheduled=%d suppressed=%d, want 0 and %d", scheduled.Load(), suppressed.Load(), callers)
	}
	if apply, _, _ := env.settings.counts(); apply != 1 {
		t.Errorf("allocation ran %d times, want 1", apply)
	}
}

func TestAllocate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(env *testEnv)
		wantClass engine.ErrorClass
		wantPack  bool
		reserves  int32
	}{
		{
			name: "settings rejected",
			setup: func(env *testEnv) {
				env.settings.applyErr = engine.NewConfigError("bad settings", nil)
			},
			wantClass: engine.ErrorClassConfig,
			reserves:  0,
		},
		{
			name: "reservation failed",
			setup: func(env *testEnv) {
				env.memory.reserveErr = engine.NewReservationError("mmap failed", nil)
			},
			wantClass: engine.ErrorClassReservation,
			reserves:  1,
		},
		{
			name: "provider abort escapes",
			setup: func(env *testEnv) {
				env.factory.initErr[engine.RoleCoprocB] = engine.NewAbortError("user cancelled", nil)
			},
			wantClass: engine.ErrorClassAbort,
			reserves:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestApp(t, engine.DefaultExecutionConfig(), nil)
			tt.setup(env)

			err := env.app.Boot(context.Background())
			if engine.ClassOf(err) != tt.wantClass {
				t.Fatalf("Boot() error = %v, want class %s", err, tt.wantClass)
			}
			if (env.app.Pack() != nil) != tt.wantPack {
				t.Errorf("Pack() present = %v, want %v", env.app.Pack() != nil, tt.wantPack)
			}
			if got := env.memory.reserveCalls.Load(); got != tt.reserves {
				t.Errorf("ReserveAll called %d times, want %d", got, tt.reserves)
			}
		})
	}
}

func TestAllocate_PersistFailureKeepsRunning(t *testing.T) {
	tel, buf := captureTelemetry()
	env := newTestApp(t, engine.DefaultExecutionConfig(), func(o *Options) { o.Telemetry = tel })
	env.factory.initErr[engine.RoleVector0] = errors.New("no simd")
	env.settings.setErr = engine.NewConfigError("read-only folder", nil)

	if err := env.app.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if env.app.Pack() == nil {
		t.Fatal("pack should be kept when the downgrade cannot be persisted")
	}
	if !strings.Contains(buf.String(), "failed to persist downgraded execution config") {
		t.Errorf("persist failure not logged:\n%s", buf.String())
	}
}

func TestCleanupRestartable_RestartsWorkers(t *testing.T) {
	var starts atomic.Int32
	var sawPack atomic.Bool
	env := newTestApp(t, engine.DefaultExecutionConfig(), func(o *Options) {
		o.Workers = []WorkerSpec{{
			Name: "core",
			Run: func(ctx context.Context, pack *providers.Pack, cfg engine.ExecutionConfig) error {
				starts.Add(1)
				if pack != nil {
					sawPack.Store(true)
				}
				<-ctx.Done()
				return nil
			},
		}}
	})
	ctx := context.Background()

	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	waitFor(t, func() bool { return starts.Load() == 1 })

	if _, err := env.app.CleanupRestartable(ctx); err != nil {
		t.Fatalf("CleanupRestartable() error = %v", err)
	}
	if env.app.State() != StateCancelRequested {
		t.Errorf("State() = %s, want cancel_requested", env.app.State())
	}

	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("second Boot() error = %v", err)
	}
	waitFor(t, func() bool { return starts.Load() == 2 })
	if env.app.State() != StateRunning {
		t.Errorf("State() = %s after restart, want running", env.app.State())
	}
	if !sawPack.Load() {
		t.Error("worker did not receive the provider pack")
	}
	if got := env.factory.requests(); got != len(engine.AllRoles()) {
		t.Errorf("restart rebuilt providers: %d requests", got)
	}
}

func TestCleanupOnExit_UnresponsiveWorker(t *testing.T) {
	tel, buf := captureTelemetry()
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	env := newTestApp(t, engine.DefaultExecutionConfig(), func(o *Options) {
		o.Telemetry = tel
		o.Workers = []WorkerSpec{{
			Name:    "vu1",
			Timeout: 30 * time.Millisecond,
			Run: func(ctx context.Context, _ *providers.Pack, _ engine.ExecutionConfig) error {
				<-stuck
				return nil
			},
		}}
	})
	ctx := context.Background()

	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}

	result, err := env.app.CleanupOnExit(ctx)
	if err != nil {
		t.Fatalf("CleanupOnExit() error = %v", err)
	}
	if result.FinalState != StateTerminated {
		t.Errorf("FinalState = %s, want terminated", result.FinalState)
	}
	if got := result.TimedOut(); !reflect.DeepEqual(got, []string{"vu1"}) {
		t.Errorf("TimedOut() = %v, want [vu1]", got)
	}
	if !strings.Contains(buf.String(), "did not stop within") {
		t.Errorf("timeout not logged:\n%s", buf.String())
	}
}

func TestCleanupOnExit_DrainsLoaderAndClearsResources(t *testing.T) {
	log := &callLog{}
	loader := &mockLoader{mockTask: mockTask{record: log}}
	res := &mockResources{record: log}
	env := newTestApp(t, engine.DefaultExecutionConfig(), func(o *Options) {
		o.Loader = loader
		o.Resources = res
	})
	ctx := context.Background()

	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if loader.starts.Load() != 1 {
		t.Errorf("loader started %d times, want 1", loader.starts.Load())
	}

	for i := 0; i < 2; i++ {
		if _, err := env.app.CleanupOnExit(ctx); err != nil {
			t.Fatalf("CleanupOnExit() error = %v", err)
		}
	}
	if got, want := log.list(), []string{"wait", "clear"}; !reflect.DeepEqual(got, want) {
		t.Errorf("shutdown steps = %v, want %v", got, want)
	}

	if err := env.app.Boot(ctx); !errors.Is(err, ErrTerminated) {
		t.Errorf("Boot() after exit = %v, want ErrTerminated", err)
	}
}

type recordingCloser struct {
	name string
	log  *callLog
}

func (c *recordingCloser) Close(ctx context.Context) error {
	c.log.add("close:" + c.name)
	return nil
}

func TestClose_UnloadsProvidersLast(t *testing.T) {
	log := &callLog{}
	res := &mockResources{record: log}
	env := newTestApp(t, onlyEnabled(engine.RolePrimary), func(o *Options) {
		o.Resources = res
		o.Closers = []Closer{&recordingCloser{name: "registry", log: log}}
	})
	ctx := context.Background()

	if err := env.app.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if _, err := env.app.CleanupOnExit(ctx); err != nil {
		t.Fatalf("CleanupOnExit() error = %v", err)
	}

	provider := env.factory.built[engine.RolePrimary]
	if provider.closed.Load() {
		t.Fatal("providers must stay loaded until Close")
	}

	if err := env.app.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !provider.closed.Load() {
		t.Error("Close did not unload the provider")
	}
	if got := env.memory.releaseCalls.Load(); got != 1 {
		t.Errorf("ReleaseAll called %d times, want 1", got)
	}
	if got, want := log.list(), []string{"clear", "close:registry"}; !reflect.DeepEqual(got, want) {
		t.Errorf("teardown order = %v, want %v", got, want)
	}
	if err := env.app.Close(ctx); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
