// Package host loads recompiler providers packaged as WebAssembly modules and
// runs them under wazero.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// WASMHostConfig contains configuration for hosted provider modules.
type WASMHostConfig struct {
	// Timeout bounds each call into a module.
	Timeout time.Duration

	// MemoryLimitPages is the default memory limit in 64 KiB pages, used when
	// the manifest does not set one.
	MemoryLimitPages uint32
}

// DefaultHostConfig returns the default host configuration.
func DefaultHostConfig() *WASMHostConfig {
	return &WASMHostConfig{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// WASMHostProvider is an engine.Provider backed by a WebAssembly module.
// The module is compiled and instantiated by Init, not by the constructor, so
// every load failure is reported as an initialization failure of the role.
type WASMHostProvider struct {
	manifest *Manifest
	code     []byte
	features cpufeatures.Features
	config   *WASMHostConfig
	logger   *telemetry.Logger

	mu          sync.Mutex
	runtime     wazero.Runtime
	module      api.Module
	abi         *moduleABI
	initialized bool
}

// NewWASMHostProvider creates a provider for manifest and module code.
func NewWASMHostProvider(manifest *Manifest, code []byte, features cpufeatures.Features, config *WASMHostConfig, logger *telemetry.Logger) *WASMHostProvider {
	if config == nil {
		config = DefaultHostConfig()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &WASMHostProvider{
		manifest: manifest,
		code:     code,
		features: features,
		config:   config,
		logger:   logger.WithProvider(manifest.Spec.Name, manifest.Spec.Role),
	}
}

// Name implements engine.Provider.
func (p *WASMHostProvider) Name() string {
	return p.manifest.Spec.Name
}

// Role implements engine.Provider.
func (p *WASMHostProvider) Role() engine.Role {
	return p.manifest.Role()
}

// Manifest returns the provider manifest.
func (p *WASMHostProvider) Manifest() *Manifest {
	return p.manifest
}

// Init implements engine.Provider. It checks host requirements, instantiates
// the module and calls its provider_init export. Cancelling ctx aborts.
func (p *WASMHostProvider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	if err := CheckRequirements(p.manifest, p.features); err != nil {
		return err
	}

	if err := p.instantiate(ctx); err != nil {
		_ = p.closeLocked(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return engine.NewAbortError("provider load interrupted", ctx.Err()).WithRole(p.Role())
		}
		return engine.NewProviderInitError(p.Role(), err)
	}

	p.initialized = true
	p.logger.WithField("memory_limit_pages", p.memoryLimit()).Debug("provider module instantiated")
	return nil
}

func (p *WASMHostProvider) memoryLimit() uint32 {
	if p.manifest.Spec.MemoryLimitPages > 0 {
		return p.manifest.Spec.MemoryLimitPages
	}
	return p.config.MemoryLimitPages
}

func (p *WASMHostProvider) instantiate(ctx context.Context) error {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(p.memoryLimit()).
		WithCloseOnContextDone(true)
	p.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, p.runtime); err != nil {
		return fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := p.runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, p.features, p.logger)
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(p.manifest.Spec.Name).
		WithStartFunctions("_initialize")
	module, err := p.runtime.InstantiateWithConfig(ctx, p.code, moduleConfig)
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}
	p.module = module

	abi, err := bindABI(module, p.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to bind module exports: %w", err)
	}
	p.abi = abi

	return abi.Init(ctx, InitRequest{
		Role:     p.manifest.Spec.Role,
		Arch:     p.features.Arch,
		Features: p.features.List(),
	})
}

// Close implements engine.Provider. It unloads the module.
func (p *WASMHostProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(ctx)
}

func (p *WASMHostProvider) closeLocked(ctx context.Context) error {
	var errs []error

	if p.abi != nil && p.initialized {
		if err := p.abi.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close module: %w", err))
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close runtime: %w", err))
		}
	}

	p.abi = nil
	p.module = nil
	p.runtime = nil
	p.initialized = false

	return errors.Join(errs...)
}

// IsInitialized reports whether the module is loaded.
func (p *WASMHostProvider) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}
