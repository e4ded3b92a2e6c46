package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	SessionID string                 `json:"session_id,omitempty"`
	Role      string                 `json:"role,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeCPUDetected         = "cpu.detected"
	EventTypeProviderInitialized = "provider.initialized"
	EventTypeProviderFailed      = "provider.failed"
	EventTypeFallbackApplied     = "config.fallback_applied"
	EventTypePhaseCompleted      = "shutdown.phase_completed"
	EventTypeWorkerTimeout       = "shutdown.worker_timeout"
	EventTypeTeardownError       = "shutdown.teardown_error"
	EventTypeTerminated          = "shutdown.terminated"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrEventsStopped is returned by Publish after Shutdown.
var ErrEventsStopped = errors.New("event publisher stopped")

// ErrEventDropped is returned when the async queue is full.
var ErrEventDropped = errors.New("event queue full, event dropped")

// EventSubscriber receives events in publish order.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	accept EventFilter
}

// EventPublisher fans lifecycle events out to subscribers. With Async set,
// Publish only enqueues and a dispatcher goroutine delivers in batches.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	session string
	subs    []subscription

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards every event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.Async {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size %d", cfg.BufferSize)
	}
	if ep.cfg.BatchSize <= 0 {
		ep.cfg.BatchSize = 1
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.dispatch()
	return ep, nil
}

// SetSessionID stamps every later event with id.
func (ep *EventPublisher) SetSessionID(id string) {
	ep.mu.Lock()
	ep.session = id
	ep.mu.Unlock()
}

// Subscribe registers fn. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, accept: filter})
	ep.mu.Unlock()
}

// Publish assigns the event an ID, timestamp and session, then delivers or
// enqueues it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	ep.mu.RLock()
	if event.SessionID == "" {
		event.SessionID = ep.session
	}
	ep.mu.RUnlock()

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return ErrEventsStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventDropped
	}
}

func (ep *EventPublisher) emit(typ, source, level, msg string, fill func(*Event)) error {
	e := Event{Type: typ, Source: source, Level: level, Message: msg, Data: map[string]interface{}{}}
	if fill != nil {
		fill(&e)
	}
	return ep.Publish(e)
}

// PublishCPUDetected reports the host CPU probe.
func (ep *EventPublisher) PublishCPUDetected(arch string, flags []string) error {
	return ep.emit(EventTypeCPUDetected, "cpufeatures", EventLevelInfo,
		fmt.Sprintf("host cpu %s, %d feature flags", arch, len(flags)),
		func(e *Event) { e.Data["arch"], e.Data["flags"] = arch, flags })
}

// PublishProviderInitialized reports a provider that came up.
func (ep *EventPublisher) PublishProviderInitialized(role, provider string, took time.Duration) error {
	return ep.emit(EventTypeProviderInitialized, "providers", EventLevelInfo,
		fmt.Sprintf("%s ready on %s", provider, role),
		func(e *Event) {
			e.Role = role
			e.Data["provider"], e.Data["duration"] = provider, took.Seconds()
		})
}

// PublishProviderFailed reports a provider whose Init failed.
func (ep *EventPublisher) PublishProviderFailed(role, provider, reason string) error {
	return ep.emit(EventTypeProviderFailed, "providers", EventLevelError,
		fmt.Sprintf("%s failed on %s: %s", provider, role, reason),
		func(e *Event) {
			e.Role = role
			e.Data["provider"], e.Data["reason"] = provider, reason
		})
}

// PublishFallbackApplied reports the roles moved to the interpreter.
func (ep *EventPublisher) PublishFallbackApplied(disabled []string) error {
	return ep.emit(EventTypeFallbackApplied, "lifecycle", EventLevelWarning,
		fmt.Sprintf("%d role(s) fell back to the interpreter", len(disabled)),
		func(e *Event) { e.Data["disabled"] = disabled })
}

// PublishPhaseCompleted reports a finished shutdown phase.
func (ep *EventPublisher) PublishPhaseCompleted(phase string, took time.Duration) error {
	return ep.emit(EventTypePhaseCompleted, "lifecycle", EventLevelInfo,
		"phase "+phase+" completed",
		func(e *Event) {
			e.Phase = phase
			e.Data["duration"] = took.Seconds()
		})
}

// PublishWorkerTimeout reports a worker that missed its cancel bound.
func (ep *EventPublisher) PublishWorkerTimeout(worker string, bound time.Duration) error {
	return ep.emit(EventTypeWorkerTimeout, "lifecycle", EventLevelWarning,
		fmt.Sprintf("worker %s still running after %s", worker, bound),
		func(e *Event) {
			e.Phase = "cancel_requested"
			e.Data["worker"], e.Data["timeout"] = worker, bound.Seconds()
		})
}

// PublishTeardownError reports an error swallowed by the sequencer.
func (ep *EventPublisher) PublishTeardownError(phase, reason string) error {
	return ep.emit(EventTypeTeardownError, "lifecycle", EventLevelError,
		phase+": "+reason,
		func(e *Event) {
			e.Phase = phase
			e.Data["reason"] = reason
		})
}

// PublishTerminated reports the end of the exit sequence.
func (ep *EventPublisher) PublishTerminated(handled int, took time.Duration) error {
	return ep.emit(EventTypeTerminated, "lifecycle", EventLevelInfo,
		fmt.Sprintf("terminated, %d handled error(s)", handled),
		func(e *Event) {
			e.Phase = "terminated"
			e.Data["errors"], e.Data["duration"] = handled, took.Seconds()
		})
}

func (ep *EventPublisher) dispatch() {
	defer close(ep.done)

	var tick <-chan time.Time
	if ep.cfg.FlushInterval > 0 {
		t := time.NewTicker(ep.cfg.FlushInterval)
		defer t.Stop()
		tick = t.C
	}

	batch := make([]Event, 0, ep.cfg.BatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if batch = append(batch, e); len(batch) >= ep.cfg.BatchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(e Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.accept == nil || s.accept(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops the dispatcher after delivering everything queued.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the listed types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByRole accepts events about role.
func FilterByRole(role string) EventFilter {
	return func(e Event) bool { return e.Role == role }
}

// LogEvents returns a subscriber that writes each event to logger.
func LogEvents(logger *Logger) EventSubscriber {
	return func(e Event) {
		l := logger.WithFields(map[string]interface{}{"event": e.Type, "event_id": e.ID})
		if e.Role != "" {
			l = l.WithRole(e.Role)
		}
		if e.Phase != "" {
			l = l.WithPhase(e.Phase)
		}
		switch e.Level {
		case EventLevelError:
			l.Error(e.Message)
		case EventLevelWarning:
			l.Warn(e.Message)
		default:
			l.Debug(e.Message)
		}
	}
}
