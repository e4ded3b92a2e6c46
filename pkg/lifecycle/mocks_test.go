package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// mockSettings is an in-memory engine.SettingsStore.
type mockSettings struct {
	mu          sync.Mutex
	cfg         engine.ExecutionConfig
	applyErr    error
	folderErr   error
	setErr      error
	applyGate   chan struct{}
	applyCalls  int
	folderCalls int
	setCalls    int
}

func newMockSettings(cfg engine.ExecutionConfig) *mockSettings {
	return &mockSettings{cfg: cfg.Clone()}
}

func (m *mockSettings) ApplySettings(ctx context.Context) error {
	if m.applyGate != nil {
		<-m.applyGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCalls++
	return m.applyErr
}

func (m *mockSettings) OnChangedSettingsFolder(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folderCalls++
	return m.folderErr
}

func (m *mockSettings) ExecutionConfig() engine.ExecutionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clone()
}

func (m *mockSettings) SetExecutionConfig(ctx context.Context, cfg engine.ExecutionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	m.cfg = cfg.Clone()
	return nil
}

func (m *mockSettings) counts() (apply, folder, set int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCalls, m.folderCalls, m.setCalls
}

// mockMemory counts reservations.
type mockMemory struct {
	reserveCalls atomic.Int32
	releaseCalls atomic.Int32
	reserveErr   error
}

func (m *mockMemory) ReserveAll(ctx context.Context) error {
	m.reserveCalls.Add(1)
	return m.reserveErr
}

func (m *mockMemory) ReleaseAll() error {
	m.releaseCalls.Add(1)
	return nil
}

// mockProvider is a preferred provider whose Init result is configurable.
type mockProvider struct {
	role    engine.Role
	initErr error
	closed  atomic.Bool
}

func (p *mockProvider) Name() string                    { return "rec-" + string(p.role) }
func (p *mockProvider) Role() engine.Role               { return p.role }
func (p *mockProvider) Init(ctx context.Context) error  { return p.initErr }
func (p *mockProvider) Close(ctx context.Context) error { p.closed.Store(true); return nil }

// mockFactory builds mockProviders and counts requests.
type mockFactory struct {
	mu        sync.Mutex
	initErr   map[engine.Role]error
	built     map[engine.Role]*mockProvider
	requested int
}

func newMockFactory() *mockFactory {
	return &mockFactory{
		initErr: make(map[engine.Role]error),
		built:   make(map[engine.Role]*mockProvider),
	}
}

func (f *mockFactory) NewProvider(ctx context.Context, role engine.Role) (engine.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	p := &mockProvider{role: role, initErr: f.initErr[role]}
	f.built[role] = p
	return p, nil
}

func (f *mockFactory) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

// mockWorker is an engine.Worker with a scripted Cancel result.
type mockWorker struct {
	name      string
	cancelErr error
	panicMsg  string
	calls     atomic.Int32
	timeouts  []time.Duration
	record    *callLog
}

func (w *mockWorker) Name() string { return w.name }

func (w *mockWorker) Cancel(timeout time.Duration) error {
	w.calls.Add(1)
	w.timeouts = append(w.timeouts, timeout)
	w.record.add("cancel:" + w.name)
	if w.panicMsg != "" {
		panic(w.panicMsg)
	}
	return w.cancelErr
}

// mockTask is an engine.AsyncTask.
type mockTask struct {
	err      error
	block    bool
	calls    atomic.Int32
	cancels  atomic.Int32
	record   *callLog
	finished chan struct{}
}

func (m *mockTask) Cancel() {
	m.cancels.Add(1)
	m.record.add("cancel-task")
}

func (m *mockTask) Wait(ctx context.Context) error {
	m.calls.Add(1)
	m.record.add("wait")
	if m.block {
		select {
		case <-m.finished:
		case <-ctx.Done():
			return engine.NewTimeoutError("load still running", ctx.Err())
		}
	}
	return m.err
}

// mockLoader is an AsyncLoader.
type mockLoader struct {
	mockTask
	starts atomic.Int32
}

func (m *mockLoader) Start(ctx context.Context) {
	m.starts.Add(1)
}

// mockResources is an engine.ResourceSet.
type mockResources struct {
	err      error
	panicMsg string
	clears   atomic.Int32
	record   *callLog
}

func (m *mockResources) Clear() error {
	m.clears.Add(1)
	m.record.add("clear")
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return m.err
}

// callLog records step order across mocks.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureTelemetry() (*telemetry.Telemetry, *syncBuffer) {
	buf := &syncBuffer{}
	return telemetry.NewNop(telemetry.NewWriterLogger(buf, "debug")), buf
}

var errBoom = errors.New("boom")
