package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/emuhost/emuhost/pkg/telemetry"
)

// Status reports how a Run call was handled.
type Status string

const (
	// StatusCompleted means the operation ran synchronously on the owner.
	StatusCompleted Status = "completed"

	// StatusScheduled means the operation was queued for the owner.
	StatusScheduled Status = "scheduled"

	// StatusSuppressed means an operation with the same name was already
	// pending or running, so this call did nothing.
	StatusSuppressed Status = "suppressed"
)

// ErrClosed is returned when work is submitted to a gate that is not running.
var ErrClosed = errors.New("gate is not running")

// Op is an operation executed by the gate.
type Op func(ctx context.Context) error

// ownerKey marks contexts that execute on the owner goroutine.
type ownerKey struct{}

type task struct {
	name string
	ctx  context.Context
	op   Op
	done chan error
}

// Options configures a Gate.
type Options struct {
	// Logger receives gate diagnostics. Nil discards them.
	Logger *telemetry.Logger

	// Metrics records run results. Nil disables recording.
	Metrics *telemetry.Metrics

	// OnResult, if set, is called on the owner with the result of every
	// scheduled operation.
	OnResult func(name string, err error)
}

// Gate serializes named operations onto one owner goroutine.
type Gate struct {
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	onResult func(name string, err error)

	mu       sync.Mutex
	tasks    *queue.Queue
	inflight map[string]*atomic.Bool
	running  bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates a gate. Call Start before submitting work from other goroutines.
func New(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Gate{
		logger:   logger.NewComponentLogger("gate"),
		metrics:  opts.Metrics,
		onResult: opts.OnResult,
		tasks:    queue.New(),
		inflight: make(map[string]*atomic.Bool),
		notify:   make(chan struct{}, 1),
	}
}

// Start launches the owner goroutine. Values from ctx are visible to queued
// operations; cancelling ctx does not stop the gate, Stop does.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	g.mu.Unlock()

	ready := make(chan struct{})
	go g.loop(context.WithoutCancel(ctx), ready)
	<-ready
}

// Stop runs every operation still queued, then terminates the owner
// goroutine. It blocks until the owner has exited.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stop)
	done := g.done
	g.mu.Unlock()

	<-done
}

// OnOwner reports whether ctx is executing on this gate's owner goroutine.
func (g *Gate) OnOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Gate)
	return owner == g
}

// Pending reports whether an operation named name is queued or running.
func (g *Gate) Pending(name string) bool {
	return g.flag(name).Load()
}

// Run executes op under name. See the package documentation for the three
// possible outcomes. The returned error is op's result for StatusCompleted,
// ErrClosed when the gate is not running, and nil otherwise.
func (g *Gate) Run(ctx context.Context, name string, op Op) (Status, error) {
	flag := g.flag(name)
	if !flag.CompareAndSwap(false, true) {
		g.logger.WithField("operation", name).Debug("operation already in flight, suppressed")
		g.metrics.RecordGateRun(name, string(StatusSuppressed))
		return StatusSuppressed, nil
	}

	if g.OnOwner(ctx) {
		err := g.execute(ctx, name, op)
		flag.Store(false)
		g.metrics.RecordGateRun(name, string(StatusCompleted))
		return StatusCompleted, err
	}

	if err := g.enqueue(&task{name: name, ctx: context.WithoutCancel(ctx), op: op}); err != nil {
		flag.Store(false)
		return StatusSuppressed, err
	}

	g.logger.WithField("operation", name).Debug("operation scheduled on owner thread")
	g.metrics.RecordGateRun(name, string(StatusScheduled))
	return StatusScheduled, nil
}

// Do runs op on the owner and waits for its result. Called from the owner it
// runs inline. Do is not subject to duplicate suppression.
func (g *Gate) Do(ctx context.Context, op Op) error {
	if g.OnOwner(ctx) {
		return g.execute(ctx, "", op)
	}

	t := &task{ctx: ctx, op: op, done: make(chan error, 1)}
	if err := g.enqueue(t); err != nil {
		return err
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every operation queued before the call has run.
func (g *Gate) Flush(ctx context.Context) error {
	return g.Do(ctx, func(context.Context) error { return nil })
}

func (g *Gate) flag(name string) *atomic.Bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.inflight[name]
	if !ok {
		f = &atomic.Bool{}
		g.inflight[name] = f
	}
	return f
}

func (g *Gate) enqueue(t *task) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return ErrClosed
	}
	g.tasks.Add(t)
	g.mu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}
	return nil
}

func (g *Gate) next() (*task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tasks.Length() == 0 {
		return nil, false
	}
	return g.tasks.Remove().(*task), true
}

func (g *Gate) loop(base context.Context, ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(g.done)

	close(ready)

	for {
		if t, ok := g.next(); ok {
			g.dispatch(base, t)
			continue
		}

		select {
		case <-g.notify:
		case <-g.stop:
			for {
				t, ok := g.next()
				if !ok {
					return
				}
				g.dispatch(base, t)
			}
		}
	}
}

func (g *Gate) dispatch(base context.Context, t *task) {
	ctx := t.ctx
	if ctx == nil {
		ctx = base
	}
	ctx = context.WithValue(ctx, ownerKey{}, g)

	err := g.execute(ctx, t.name, t.op)

	if t.done != nil {
		t.done <- err
		return
	}

	g.flag(t.name).Store(false)
	if err != nil {
		g.logger.WithField("operation", t.name).WithError(err).Error("scheduled operation failed")
	}
	if g.onResult != nil {
		g.onResult(t.name, err)
	}
}

func (g *Gate) execute(ctx context.Context, name string, op Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %q panicked: %v", name, r)
		}
	}()
	return op(ctx)
}
