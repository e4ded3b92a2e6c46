// Package workers provides background execution threads with cooperative
// cancellation and a bounded wait for exit.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// ErrRunning is returned by Start when the thread is already running.
var ErrRunning = errors.New("worker already running")

// Func is the body of a worker. It must return once ctx is done.
type Func func(ctx context.Context) error

// Options configures a Thread.
type Options struct {
	// LockOSThread pins the worker goroutine to one OS thread for its lifetime.
	LockOSThread bool

	// Logger receives worker diagnostics. Nil discards them.
	Logger *telemetry.Logger
}

// Thread is a restartable background worker. It implements engine.Worker.
type Thread struct {
	name   string
	opts   Options
	logger *telemetry.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New creates a stopped worker.
func New(name string, opts Options) *Thread {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Thread{
		name:   name,
		opts:   opts,
		logger: logger.NewComponentLogger("workers").WithWorker(name),
	}
}

// Name implements engine.Worker.
func (t *Thread) Name() string {
	return t.name
}

// Start runs fn on a new goroutine. A thread whose previous run has exited may
// be started again.
func (t *Thread) Start(ctx context.Context, fn Func) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runningLocked() {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.err = nil

	go t.run(ctx, cancel, done, fn)

	t.logger.Debug("worker started")
	return nil
}

func (t *Thread) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, fn Func) {
	if t.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer close(done)
	defer cancel()

	err := t.call(ctx, fn)

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.WithError(err).Error("worker exited with error")
		return
	}
	t.logger.Debug("worker exited")
}

func (t *Thread) call(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", t.name, r)
		}
	}()
	return fn(ctx)
}

// Cancel implements engine.Worker. It signals the worker to stop and waits up
// to timeout for it to exit; zero waits indefinitely. A worker that does not
// exit in time yields a timeout-class error and is left running.
func (t *Thread) Cancel(timeout time.Duration) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	if timeout <= 0 {
		<-done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return engine.NewTimeoutError(
			fmt.Sprintf("worker %s did not stop within %s", t.name, timeout), context.DeadlineExceeded)
	}
}

// Running reports whether the worker goroutine has not exited yet.
func (t *Thread) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

func (t *Thread) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Err returns the result of the last completed run.
func (t *Thread) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
