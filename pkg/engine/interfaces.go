package engine

import (
	"context"
	"time"
)

// Provider is an execution backend for one virtual processing unit, such as a
// recompiler or an interpreter.
type Provider interface {
	// Name returns the provider name used in logs and outcomes.
	Name() string

	// Role returns the role this provider serves.
	Role() Role

	// Init brings the provider up. Any returned error is treated as an
	// initialization failure for the role, except errors wrapping ErrAbort.
	Init(ctx context.Context) error

	// Close releases the provider. It is only called during final process
	// teardown.
	Close(ctx context.Context) error
}

// ProviderFactory builds the preferred provider for a role.
type ProviderFactory interface {
	// NewProvider returns the provider for role. Returning an error counts as
	// an initialization failure for that role.
	NewProvider(ctx context.Context, role Role) (Provider, error)
}

// ProviderFactoryFunc adapts a function to the ProviderFactory interface.
type ProviderFactoryFunc func(ctx context.Context, role Role) (Provider, error)

// NewProvider implements ProviderFactory.
func (f ProviderFactoryFunc) NewProvider(ctx context.Context, role Role) (Provider, error) {
	return f(ctx, role)
}

// MemoryReserver reserves the address-space regions the execution units need.
type MemoryReserver interface {
	// ReserveAll reserves every region. Calling it again is a no-op.
	ReserveAll(ctx context.Context) error

	// ReleaseAll releases every region.
	ReleaseAll() error
}

// SettingsStore owns process-wide settings.
type SettingsStore interface {
	// ApplySettings commits pending configuration changes to the live settings.
	ApplySettings(ctx context.Context) error

	// OnChangedSettingsFolder re-resolves and reloads the settings folder.
	OnChangedSettingsFolder(ctx context.Context) error

	// ExecutionConfig returns a copy of the live execution config.
	ExecutionConfig() ExecutionConfig

	// SetExecutionConfig replaces the live execution config and persists it.
	SetExecutionConfig(ctx context.Context, cfg ExecutionConfig) error
}

// Worker is a background execution thread that can be cancelled cooperatively.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string

	// Cancel signals the worker to stop and waits up to timeout for it to
	// exit. A zero timeout waits indefinitely. Returns a timeout-class error
	// if the worker did not confirm in time.
	Cancel(timeout time.Duration) error
}

// AsyncTask is outstanding background work that shutdown must drain.
type AsyncTask interface {
	// Wait blocks until the task completes or ctx is done.
	Wait(ctx context.Context) error

	// Cancel stops the task. Once Cancel returns the task makes no further
	// changes to shared state, even if its goroutine is still unwinding.
	Cancel()
}

// ResourceSet is the shared resource state cleared during shutdown.
type ResourceSet interface {
	// Clear drops every loaded resource under an exclusive lock.
	Clear() error
}
