package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// ErrNoProvider is returned when no module is registered for a role.
var ErrNoProvider = errors.New("no recompiler registered for role")

// Registry holds the registered provider modules and acts as the
// engine.ProviderFactory for preferred providers. Providers it hands out are
// tracked and unloaded by Close.
type Registry struct {
	mu sync.RWMutex

	manifests map[string]*Manifest
	modules   map[string][]byte
	loaded    []*WASMHostProvider

	loader     *ManifestLoader
	hostConfig *WASMHostConfig
	features   cpufeatures.Features
	logger     *telemetry.Logger
}

// NewRegistry creates a registry. Modules are checked against features.
func NewRegistry(baseDir string, features cpufeatures.Features, hostConfig *WASMHostConfig, logger *telemetry.Logger) *Registry {
	if hostConfig == nil {
		hostConfig = DefaultHostConfig()
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		manifests:  make(map[string]*Manifest),
		modules:    make(map[string][]byte),
		loader:     NewManifestLoader(baseDir),
		hostConfig: hostConfig,
		features:   features,
		logger:     logger.NewComponentLogger("registry"),
	}
}

// Register adds a provider from manifest bytes and module code.
func (r *Registry) Register(manifestData, code []byte) (*Manifest, error) {
	manifest, err := r.loader.LoadFromBytes(manifestData, code)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return manifest, r.add(manifest, code)
}

// RegisterFromPath adds a provider from a manifest file.
func (r *Registry) RegisterFromPath(manifestPath string) (*Manifest, error) {
	manifest, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	code, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}

	if manifest.Spec.Checksum != "" {
		if err := manifest.VerifyChecksum(code); err != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", err)
		}
	}

	return manifest, r.add(manifest, code)
}

func (r *Registry) add(manifest *Manifest, code []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := manifest.Key()
	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("provider %s already registered", key)
	}

	r.manifests[key] = manifest
	r.modules[key] = code

	r.logger.WithProvider(manifest.Spec.Name, manifest.Spec.Role).
		WithField("version", manifest.Spec.Version).
		Debug("provider registered")
	return nil
}

// ScanDirectory registers every <dir>/<name>/manifest.yaml. Broken entries
// are logged and skipped. A missing directory is not an error.
func (r *Registry) ScanDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read provider directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := r.RegisterFromPath(path); err != nil {
			r.logger.WithField("path", path).WithError(err).Warn("failed to register provider")
		}
	}

	return nil
}

// List returns the registered manifests ordered by role, then name, then
// version.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Spec, out[j].Spec
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return compareVersions(a.Version, b.Version) < 0
	})
	return out
}

// ForRole returns the preferred manifest for role: the highest version whose
// requirements the host meets, or failing that the highest version overall.
func (r *Registry) ForRole(role engine.Role) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best, bestSupported *Manifest
	for _, m := range r.manifests {
		if m.Role() != role {
			continue
		}
		if best == nil || compareVersions(m.Spec.Version, best.Spec.Version) > 0 {
			best = m
		}
		if len(r.features.Missing(m.Spec.Requires.CPU)) == 0 {
			if bestSupported == nil || compareVersions(m.Spec.Version, bestSupported.Spec.Version) > 0 {
				bestSupported = m
			}
		}
	}

	if bestSupported != nil {
		return bestSupported, true
	}
	return best, best != nil
}

// NewProvider implements engine.ProviderFactory.
func (r *Registry) NewProvider(ctx context.Context, role engine.Role) (engine.Provider, error) {
	manifest, ok := r.ForRole(role)
	if !ok {
		return nil, engine.NewProviderInitError(role, ErrNoProvider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	provider := NewWASMHostProvider(manifest, r.modules[manifest.Key()], r.features, r.hostConfig, r.logger)
	r.loaded = append(r.loaded, provider)
	return provider, nil
}

// Close unloads every provider handed out by NewProvider.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, provider := range r.loaded {
		if err := provider.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close provider %s: %w", provider.Name(), err))
		}
	}
	r.loaded = nil

	return errors.Join(errs...)
}

// compareVersions orders dotted numeric versions. Non-numeric parts compare
// as strings.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func buildProviderKey(name, version string) string {
	return name + "@" + version
}
