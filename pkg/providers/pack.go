package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/providers/interp"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// Options configures pack construction.
type Options struct {
	// Telemetry receives logs, metrics, spans and events. Nil disables them.
	Telemetry *telemetry.Telemetry
}

// Pack holds the providers brought up for one application lifetime together
// with the immutable per-role outcomes of that attempt.
type Pack struct {
	outcomes     engine.Outcomes
	preferred    map[engine.Role]engine.Provider
	interpreters map[engine.Role]*interp.Provider
	logger       *telemetry.Logger
}

// NewPack attempts the preferred provider of every role enabled in cfg.
// Disabled roles are skipped and reported as not attempted. A failing role is
// recorded and the next role is attempted. Only an abort escapes; the
// providers already brought up are closed before it is returned.
func NewPack(ctx context.Context, cfg engine.ExecutionConfig, factory engine.ProviderFactory, opts Options) (*Pack, error) {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop(nil)
	}

	p := &Pack{
		outcomes:     make(engine.Outcomes, len(engine.AllRoles())),
		preferred:    make(map[engine.Role]engine.Provider),
		interpreters: make(map[engine.Role]*interp.Provider),
		logger:       tel.Logger.NewComponentLogger("providers"),
	}

	for _, role := range engine.AllRoles() {
		ip := interp.New(role)
		_ = ip.Init(ctx)
		p.interpreters[role] = ip

		if !cfg.Enabled(role) {
			p.outcomes[role] = engine.Outcome{Role: role, Status: engine.OutcomeNotAttempted}
			continue
		}

		outcome, err := p.attempt(ctx, tel, factory, role)
		if err != nil {
			p.logger.WithRole(string(role)).WithError(err).Warn("provider initialization aborted")
			if closeErr := p.Close(context.WithoutCancel(ctx)); closeErr != nil {
				p.logger.WithError(closeErr).Error("failed to close providers after abort")
			}
			return nil, err
		}
		p.outcomes[role] = outcome
	}

	return p, nil
}

// attempt builds and initializes the preferred provider for role. The returned
// error is non-nil only for an abort.
func (p *Pack) attempt(ctx context.Context, tel *telemetry.Telemetry, factory engine.ProviderFactory, role engine.Role) (engine.Outcome, error) {
	timer := telemetry.NewTimer()
	spanCtx, span := tel.Tracer.StartProviderSpan(ctx, string(role), "")
	defer span.End()

	provider, err := newProvider(spanCtx, factory, role)
	name := ""
	if provider != nil {
		name = provider.Name()
		// Keep the provider even if Init fails; it is unloaded with the pack.
		p.preferred[role] = provider
		if err == nil {
			err = initProvider(spanCtx, provider)
		}
	}

	duration := timer.Duration()
	tel.Metrics.RecordProviderInit(string(role), name, duration, err)
	logger := p.logger.WithProvider(name, string(role))

	if err == nil {
		telemetry.RecordSuccess(span)
		logger.WithField("duration", duration.String()).Info("provider initialized")
		_ = tel.Events.PublishProviderInitialized(string(role), name, duration)
		return engine.Outcome{Role: role, Status: engine.OutcomeSucceeded, Provider: name}, nil
	}

	telemetry.RecordError(span, err)
	if engine.IsAbort(err) {
		return engine.Outcome{}, err
	}

	if engine.ClassOf(err) != engine.ErrorClassProviderInit {
		err = engine.NewProviderInitError(role, err)
	}
	logger.WithError(err).Error("provider failed to initialize")
	_ = tel.Events.PublishProviderFailed(string(role), name, err.Error())

	return engine.Outcome{Role: role, Status: engine.OutcomeFailed, Provider: name, Err: err}, nil
}

func newProvider(ctx context.Context, factory engine.ProviderFactory, role engine.Role) (provider engine.Provider, err error) {
	defer func() {
		if r := recover(); r != nil {
			provider = nil
			err = engine.NewProviderInitError(role, fmt.Errorf("factory panicked: %v", r)).
				WithCode(engine.ErrCodeProviderPanic)
		}
	}()
	if factory == nil {
		return nil, engine.NewProviderInitError(role, errors.New("no provider factory"))
	}
	provider, err = factory.NewProvider(ctx, role)
	if provider == nil && err == nil {
		err = engine.NewProviderInitError(role, errors.New("factory returned no provider")).
			WithCode(engine.ErrCodeNoProvider)
	}
	return provider, err
}

func initProvider(ctx context.Context, provider engine.Provider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewProviderInitError(provider.Role(), fmt.Errorf("init panicked: %v", r)).
				WithCode(engine.ErrCodeProviderPanic)
		}
	}()
	return provider.Init(ctx)
}

// HadSomeFailures reports whether any role enabled in cfg failed. Failures of
// roles cfg disables are ignored.
func (p *Pack) HadSomeFailures(cfg engine.ExecutionConfig) bool {
	for _, role := range engine.AllRoles() {
		if cfg.Enabled(role) && p.outcomes[role].Failed() {
			return true
		}
	}
	return false
}

// Failure returns the captured failure cause of role, or nil.
func (p *Pack) Failure(role engine.Role) error {
	return p.outcomes.Failure(role)
}

// Outcome returns the outcome recorded for role.
func (p *Pack) Outcome(role engine.Role) engine.Outcome {
	if o, ok := p.outcomes[role]; ok {
		return o
	}
	return engine.Outcome{Role: role, Status: engine.OutcomeNotAttempted}
}

// Outcomes returns a copy of every recorded outcome.
func (p *Pack) Outcomes() engine.Outcomes {
	out := make(engine.Outcomes, len(p.outcomes))
	for r, o := range p.outcomes {
		out[r] = o
	}
	return out
}

// Active returns the provider that executes role under cfg: the preferred
// provider when the role is enabled and it came up, the interpreter otherwise.
func (p *Pack) Active(role engine.Role, cfg engine.ExecutionConfig) engine.Provider {
	if cfg.Enabled(role) && p.outcomes[role].Succeeded() {
		if pp, ok := p.preferred[role]; ok && pp != nil {
			return pp
		}
	}
	if ip, ok := p.interpreters[role]; ok {
		return ip
	}
	return nil
}

// Close unloads every provider held by the pack, preferred providers first,
// in reverse attempt order. It returns the joined close errors.
func (p *Pack) Close(ctx context.Context) error {
	roles := engine.AllRoles()
	var errs []error

	for i := len(roles) - 1; i >= 0; i-- {
		if provider, ok := p.preferred[roles[i]]; ok {
			if err := closeProvider(ctx, provider); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", provider.Name(), err))
			}
			delete(p.preferred, roles[i])
		}
	}
	for i := len(roles) - 1; i >= 0; i-- {
		if ip, ok := p.interpreters[roles[i]]; ok {
			_ = ip.Close(ctx)
			delete(p.interpreters, roles[i])
		}
	}

	return errors.Join(errs...)
}

func closeProvider(ctx context.Context, provider engine.Provider) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close panicked: %v", r)
		}
	}()
	return provider.Close(ctx)
}
