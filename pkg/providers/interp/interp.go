// Package interp provides the baseline interpreter providers. Interpreters
// have no host requirements and are available for every role.
package interp

import (
	"context"
	"sync/atomic"

	"github.com/emuhost/emuhost/pkg/engine"
)

// Provider is the interpreter for one role.
type Provider struct {
	role        engine.Role
	initialized atomic.Bool
}

// New returns the interpreter for role.
func New(role engine.Role) *Provider {
	return &Provider{role: role}
}

// Name implements engine.Provider.
func (p *Provider) Name() string {
	return "interp-" + string(p.role)
}

// Role implements engine.Provider.
func (p *Provider) Role() engine.Role {
	return p.role
}

// Init implements engine.Provider. Interpreters cannot fail to initialize.
func (p *Provider) Init(ctx context.Context) error {
	p.initialized.Store(true)
	return nil
}

// Close implements engine.Provider.
func (p *Provider) Close(ctx context.Context) error {
	p.initialized.Store(false)
	return nil
}

// Initialized reports whether Init has run and Close has not.
func (p *Provider) Initialized() bool {
	return p.initialized.Load()
}

// Factory returns a factory producing interpreters.
func Factory() engine.ProviderFactory {
	return engine.ProviderFactoryFunc(func(ctx context.Context, role engine.Role) (engine.Provider, error) {
		return New(role), nil
	})
}
