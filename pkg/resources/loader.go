package resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/stores"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// TitleSource streams catalog titles.
type TitleSource interface {
	ForEachTitle(ctx context.Context, fn func(*stores.Title) error) error
}

// Loader fills a Set from a TitleSource on a background goroutine.
type Loader struct {
	source  TitleSource
	set     *Set
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	done   chan struct{}
	cancel context.CancelFunc
	err    error

	// adding is held shared around each Set.Add and exclusively by Cancel.
	adding sync.RWMutex
}

// NewLoader creates a loader. Nil telemetry discards output.
func NewLoader(source TitleSource, set *Set, tel *telemetry.Telemetry) *Loader {
	if tel == nil {
		tel = telemetry.NewNop(nil)
	}
	return &Loader{
		source:  source,
		set:     set,
		logger:  tel.Logger.NewComponentLogger("resources"),
		metrics: tel.Metrics,
	}
}

// Start begins loading. Calling Start while a load is running does nothing.
func (l *Loader) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		select {
		case <-l.done:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.done = done
	l.cancel = cancel
	l.err = nil

	go func() {
		defer close(done)
		defer cancel()

		err := l.load(ctx)

		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
	}()
}

func (l *Loader) load(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("catalog load panicked: %v", r)
		}
	}()

	timer := telemetry.NewTimer()
	count := 0
	err = l.source.ForEachTitle(ctx, func(title *stores.Title) error {
		if err := l.add(ctx, title); err != nil {
			return err
		}
		count++
		return nil
	})

	l.metrics.SetResourcesLoaded(float64(l.set.Len()))
	logger := l.logger.WithFields(map[string]interface{}{
		"titles":   count,
		"duration": timer.Duration().String(),
	})
	if err != nil {
		logger.WithError(err).Warn("catalog load did not complete")
		return err
	}
	logger.Info("catalog loaded")
	return nil
}

// add inserts title unless the load was cancelled.
func (l *Loader) add(ctx context.Context, title *stores.Title) error {
	l.adding.RLock()
	defer l.adding.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.set.Add(title)
}

// Cancel stops a running load. It returns once no Add is in flight, so the
// set is not modified by this load afterwards. It implements
// engine.AsyncTask.
func (l *Loader) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.adding.Lock()
	l.adding.Unlock()
}

// Wait blocks until the load completes or ctx is done and returns the load
// result. It implements engine.AsyncTask. A loader that was never started has
// nothing to wait for.
func (l *Loader) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return engine.NewTimeoutError("catalog load still running", ctx.Err())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done reports whether the last started load has finished.
func (l *Loader) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
