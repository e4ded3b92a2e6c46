package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// State is a shutdown sequence state.
type State string

const (
	StateRunning            State = "running"
	StateCancelRequested    State = "cancel_requested"
	StateDrainingAsyncWork  State = "draining_async_work"
	StateReleasingResources State = "releasing_resources"
	StateTerminated         State = "terminated"
)

// Mode selects how much of the sequence runs.
type Mode string

const (
	// ModeRestartable stops workers only. The process keeps its resources
	// and can allocate again.
	ModeRestartable Mode = "restartable"

	// ModeExit runs the whole sequence up to Terminated.
	ModeExit Mode = "exit"
)

// phaseOrder is the fixed order of the shutdown phases.
var phaseOrder = []State{StateCancelRequested, StateDrainingAsyncWork, StateReleasingResources}

// BoundedWorker is a worker together with its cancellation bound. A zero
// Timeout waits indefinitely.
type BoundedWorker struct {
	Worker  engine.Worker
	Timeout time.Duration
}

// PhaseResult is the record of one executed phase.
type PhaseResult struct {
	Phase    State
	Duration time.Duration

	// Errors are the recoverable errors handled in this phase.
	Errors []error

	// TimedOut names the workers that did not confirm cancellation in time.
	TimedOut []string
}

// ShutdownResult describes one sequencer invocation.
type ShutdownResult struct {
	Mode       Mode
	Phases     []PhaseResult
	FinalState State
	Duration   time.Duration

	// AlreadyTerminated is set when the call found the sequence finished
	// and did nothing.
	AlreadyTerminated bool
}

// Errors returns every recoverable error handled during the call.
func (r *ShutdownResult) Errors() []error {
	var out []error
	for _, p := range r.Phases {
		out = append(out, p.Errors...)
	}
	return out
}

// TimedOut returns every worker that did not confirm cancellation in time.
func (r *ShutdownResult) TimedOut() []string {
	var out []string
	for _, p := range r.Phases {
		out = append(out, p.TimedOut...)
	}
	return out
}

// SequencerOptions configures a Sequencer.
type SequencerOptions struct {
	// Workers are cancelled in order during CancelRequested.
	Workers []BoundedWorker

	// Async is outstanding background work drained before resources are
	// released.
	Async []engine.AsyncTask

	// DrainTimeout bounds each async wait. Zero waits until the work
	// finishes.
	DrainTimeout time.Duration

	// Resources is cleared during ReleasingResources.
	Resources engine.ResourceSet

	// Telemetry receives logs, metrics, spans and events. Nil disables them.
	Telemetry *telemetry.Telemetry
}

// Sequencer runs the shutdown phases in a fixed order on the calling
// goroutine. Completed phases are remembered, so a sequence interrupted by an
// abort resumes where it stopped. Once Terminated, further calls return
// immediately. Concurrent Run calls are serialized; the state accessors never
// wait for a running phase.
type Sequencer struct {
	opts   SequencerOptions
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	// runMu is held for a whole Run. mu guards the fields below it and is
	// never held across a phase.
	runMu sync.Mutex

	mu        sync.Mutex
	running   bool
	state     State
	completed map[State]bool
	last      *ShutdownResult
}

// NewSequencer creates a sequencer in the Running state.
func NewSequencer(opts SequencerOptions) *Sequencer {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop(nil)
	}
	return &Sequencer{
		opts:      opts,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("shutdown"),
		state:     StateRunning,
		completed: make(map[State]bool),
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a Run call is in progress.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Completed reports whether phase finished in the current sequence.
func (s *Sequencer) Completed(phase State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[phase]
}

// LastResult returns the result of the most recent call, or nil.
func (s *Sequencer) LastResult() *ShutdownResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Resume starts a new sequence after a restartable stop. It has no effect
// once the sequence is Terminated.
func (s *Sequencer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.state == StateTerminated || s.state == StateRunning {
		return
	}
	s.state = StateRunning
	s.completed = make(map[State]bool)
	s.logger.Debug("shutdown sequence reset, workers may restart")
}

// Run executes the sequence in mode. Only an abort is returned; every other
// error is recorded in the result and swallowed.
func (s *Sequencer) Run(ctx context.Context, mode Mode) (*ShutdownResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	result := &ShutdownResult{Mode: mode}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		result.AlreadyTerminated = true
		result.FinalState = StateTerminated
		s.logger.Debug("shutdown already terminated")
		return result, nil
	}
	s.running = true
	if mode == ModeRestartable {
		// A restartable stop always re-signals workers.
		delete(s.completed, StateCancelRequested)
	}
	s.mu.Unlock()

	timer := telemetry.NewTimer()
	s.tel.Metrics.RecordShutdown(string(mode))
	s.logger.WithField("mode", string(mode)).Info("shutdown sequence started")

	phases := phaseOrder
	if mode == ModeRestartable {
		phases = phaseOrder[:1]
	}

	for _, phase := range phases {
		if s.Completed(phase) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.finish(result, timer), engine.NewAbortError("shutdown interrupted", err).WithPhase(string(phase))
		}

		s.setState(phase)
		pr, err := s.runPhase(ctx, mode, phase)
		result.Phases = append(result.Phases, pr)
		if err != nil {
			s.logger.WithPhase(string(phase)).WithError(err).Warn("shutdown aborted")
			return s.finish(result, timer), err
		}
		s.mu.Lock()
		s.completed[phase] = true
		s.mu.Unlock()
	}

	if mode == ModeExit {
		s.setState(StateTerminated)
		_ = s.tel.Events.PublishTerminated(len(result.Errors()), timer.Duration())
		s.logger.WithField("errors", len(result.Errors())).Info("shutdown sequence terminated")
	}

	return s.finish(result, timer), nil
}

func (s *Sequencer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Sequencer) finish(result *ShutdownResult, timer *telemetry.Timer) *ShutdownResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	result.FinalState = s.state
	result.Duration = timer.Duration()
	s.last = result
	return result
}

func (s *Sequencer) runPhase(ctx context.Context, mode Mode, phase State) (PhaseResult, error) {
	spanCtx, span := s.tel.Tracer.StartPhaseSpan(ctx, string(mode), string(phase))
	defer span.End()

	pr := PhaseResult{Phase: phase}
	timer := telemetry.NewTimer()

	var err error
	switch phase {
	case StateCancelRequested:
		err = s.cancelWorkers(spanCtx, &pr)
	case StateDrainingAsyncWork:
		err = s.drain(spanCtx, &pr)
	case StateReleasingResources:
		err = s.release(&pr)
	}

	pr.Duration = timer.Duration()
	s.tel.Metrics.RecordPhase(string(phase), pr.Duration)
	if err != nil {
		telemetry.RecordError(span, err)
		return pr, err
	}
	telemetry.RecordSuccess(span)
	_ = s.tel.Events.PublishPhaseCompleted(string(phase), pr.Duration)
	return pr, nil
}

func (s *Sequencer) cancelWorkers(ctx context.Context, pr *PhaseResult) error {
	for _, bw := range s.opts.Workers {
		if err := ctx.Err(); err != nil {
			return engine.NewAbortError("worker cancellation interrupted", err).WithPhase(string(pr.Phase))
		}

		name := bw.Worker.Name()
		err := step(func() error { return bw.Worker.Cancel(bw.Timeout) })
		if engine.IsTimeout(err) {
			pr.TimedOut = append(pr.TimedOut, name)
			s.tel.Metrics.RecordWorkerTimeout(name)
			_ = s.tel.Events.PublishWorkerTimeout(name, bw.Timeout)
		}
		if err := s.handle(pr, err, s.logger.WithWorker(name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) drain(ctx context.Context, pr *PhaseResult) error {
	for _, task := range s.opts.Async {
		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.opts.DrainTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, s.opts.DrainTimeout)
		}
		err := step(func() error { return task.Wait(waitCtx) })
		cancel()

		if err != nil && ctx.Err() != nil {
			err = engine.NewAbortError("async drain interrupted", ctx.Err())
		}
		if engine.IsTimeout(err) {
			// Resources are released next; the task must not refill them.
			if cerr := step(func() error { task.Cancel(); return nil }); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		if err := s.handle(pr, err, s.logger); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sequencer) release(pr *PhaseResult) error {
	if s.opts.Resources == nil {
		return nil
	}
	err := step(s.opts.Resources.Clear)
	return s.handle(pr, err, s.logger)
}

// handle dispatches err by class. Abort is returned unchanged; every other
// class is recorded and swallowed.
func (s *Sequencer) handle(pr *PhaseResult, err error, logger *telemetry.Logger) error {
	if err == nil {
		return nil
	}
	phase := string(pr.Phase)
	logger = logger.WithPhase(phase).WithError(err)

	switch class := engine.ClassOf(err); class {
	case engine.ErrorClassAbort:
		return err
	case engine.ErrorClassTimeout:
		logger.Warn("bounded wait timed out, continuing shutdown")
		s.tel.Metrics.RecordTeardownError(phase, string(class))
	default:
		if class == "" {
			class = engine.ErrorClassTeardown
		}
		logger.Error("error handled during shutdown")
		s.tel.Metrics.RecordTeardownError(phase, string(class))
		_ = s.tel.Events.PublishTeardownError(phase, err.Error())
	}
	pr.Errors = append(pr.Errors, err)
	return nil
}

// step runs fn, turning a panic into a teardown error.
func step(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewTeardownError(fmt.Sprintf("shutdown step panicked: %v", r), nil).
				WithCode(engine.ErrCodeStepPanic)
		}
	}()
	return fn()
}
