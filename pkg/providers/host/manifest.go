package host

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/emuhost/emuhost/pkg/engine"
)

// ManifestFile is the file name looked up in each provider directory.
const ManifestFile = "manifest.yaml"

// ManifestSpec is the on-disk description of a recompiler provider module.
type ManifestSpec struct {
	// Name is the provider name reported in outcomes and logs.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Version is the provider version.
	Version string `yaml:"version" validate:"required,semver"`

	// Role is the execution unit role the provider serves.
	Role string `yaml:"role" validate:"required,oneof=primary coproc-a coproc-b vu0 vu1"`

	// Description is a human readable summary.
	Description string `yaml:"description,omitempty"`

	// Entrypoint is the WebAssembly module, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the optional hex SHA-256 of the module.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Requires lists host requirements checked before the module is loaded.
	Requires Requirements `yaml:"requires"`

	// MemoryLimitPages caps the module's linear memory in 64 KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages,omitempty" validate:"omitempty,max=65536"`
}

// Requirements lists what a provider needs from the host.
type Requirements struct {
	// CPU lists required CPU feature flags, for example "sse4.1".
	CPU []string `yaml:"cpu,omitempty" validate:"dive,required"`
}

// Manifest is a validated provider manifest.
type Manifest struct {
	// Spec is the parsed manifest content.
	Spec ManifestSpec

	// Path is the file the manifest was loaded from, if any.
	Path string

	// WasmPath is the resolved module path.
	WasmPath string

	// Verified reports whether the module checksum was verified.
	Verified bool
}

// Role returns the manifest role.
func (m *Manifest) Role() engine.Role {
	return engine.Role(m.Spec.Role)
}

// Key returns the unique registry key name@version.
func (m *Manifest) Key() string {
	return buildProviderKey(m.Spec.Name, m.Spec.Version)
}

// ManifestLoader loads and validates provider manifests.
type ManifestLoader struct {
	// BaseDir resolves entrypoints of manifests loaded from bytes.
	BaseDir string

	validate *validator.Validate
}

// NewManifestLoader creates a new manifest loader.
func NewManifestLoader(baseDir string) *ManifestLoader {
	return &ManifestLoader{
		BaseDir:  baseDir,
		validate: validator.New(),
	}
}

// LoadFromFile loads a manifest from a YAML file and resolves its module path.
func (l *ManifestLoader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	manifest.Path = path

	if err := l.resolveWasmPath(manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve module path: %w", err)
	}

	return manifest, nil
}

// LoadFromBytes parses a manifest and verifies it against module when the
// manifest carries a checksum.
func (l *ManifestLoader) LoadFromBytes(data []byte, module []byte) (*Manifest, error) {
	manifest, err := l.parse(data)
	if err != nil {
		return nil, err
	}

	if manifest.Spec.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func (l *ManifestLoader) parse(data []byte) (*Manifest, error) {
	var spec ManifestSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	return &Manifest{Spec: spec}, nil
}

func (l *ManifestLoader) resolveWasmPath(manifest *Manifest) error {
	switch {
	case filepath.IsAbs(manifest.Spec.Entrypoint):
		manifest.WasmPath = manifest.Spec.Entrypoint
	case manifest.Path != "":
		manifest.WasmPath = filepath.Join(filepath.Dir(manifest.Path), manifest.Spec.Entrypoint)
	default:
		manifest.WasmPath = filepath.Join(l.BaseDir, manifest.Spec.Entrypoint)
	}

	if _, err := os.Stat(manifest.WasmPath); err != nil {
		return fmt.Errorf("module not found at %s: %w", manifest.WasmPath, err)
	}
	return nil
}

// VerifyChecksum checks module against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Spec.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Spec.Checksum {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s", m.Spec.Checksum, computed)
	}

	m.Verified = true
	return nil
}
