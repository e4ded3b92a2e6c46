package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// CheckRequirements fails with a provider_init error carrying
// MISSING_CPU_FEATURE when the host lacks a feature the manifest requires.
func CheckRequirements(m *Manifest, features cpufeatures.Features) error {
	missing := features.Missing(m.Spec.Requires.CPU)
	if len(missing) == 0 {
		return nil
	}
	return engine.NewProviderInitError(m.Role(),
		fmt.Errorf("%s requires CPU features not present on %s host: %s",
			m.Spec.Name, features.Arch, strings.Join(missing, ", "))).
		WithCode(engine.ErrCodeMissingFeature)
}

// registerHostFunctions exposes the host services a provider module may
// import from the "env" namespace.
func registerHostFunctions(builder wazero.HostModuleBuilder, features cpufeatures.Features, logger *telemetry.Logger) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				logger.Warn("provider log message out of bounds")
				return
			}
			logger.Debug(string(msg))
		}).
		Export("host_log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			name, ok := mod.Memory().Read(ptr, length)
			if !ok || !features.Has(string(name)) {
				return 0
			}
			return 1
		}).
		Export("host_has_feature")
}
