package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/engine"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const vu1Manifest = `
name: microvu1
version: 1.4.0
role: vu1
description: vector unit 1 recompiler
entrypoint: microvu1.wasm
requires:
  cpu: [sse4.1, avx2]
`

func manifestFor(name, version, role string, cpu ...string) string {
	var b strings.Builder
	b.WriteString("name: " + name + "\nversion: " + version + "\nrole: " + role + "\nentrypoint: " + name + ".wasm\n")
	if len(cpu) > 0 {
		b.WriteString("requires:\n  cpu: [" + strings.Join(cpu, ", ") + "]\n")
	}
	return b.String()
}

func TestManifestLoader(t *testing.T) {
	t.Run("LoadFromBytes", func(t *testing.T) {
		m, err := NewManifestLoader(t.TempDir()).LoadFromBytes([]byte(vu1Manifest), emptyModule)
		if err != nil {
			t.Fatalf("failed to load manifest: %v", err)
		}
		if m.Role() != engine.RoleVector1 {
			t.Errorf("expected role vu1, got %s", m.Role())
		}
		if m.Key() != "microvu1@1.4.0" {
			t.Errorf("unexpected key %s", m.Key())
		}
		if len(m.Spec.Requires.CPU) != 2 {
			t.Errorf("expected 2 cpu requirements, got %v", m.Spec.Requires.CPU)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name     string
			manifest string
		}{
			{name: "MissingName", manifest: "version: 1.0.0\nrole: vu1\nentrypoint: a.wasm\n"},
			{name: "BadVersion", manifest: "name: a\nversion: one\nrole: vu1\nentrypoint: a.wasm\n"},
			{name: "UnknownRole", manifest: "name: a\nversion: 1.0.0\nrole: gpu\nentrypoint: a.wasm\n"},
			{name: "MissingEntrypoint", manifest: "name: a\nversion: 1.0.0\nrole: vu1\n"},
			{name: "BadChecksum", manifest: "name: a\nversion: 1.0.0\nrole: vu1\nentrypoint: a.wasm\nchecksum: xyz\n"},
			{name: "BadYAML", manifest: "name: [unterminated"},
		}

		loader := NewManifestLoader(t.TempDir())
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := loader.LoadFromBytes([]byte(tt.manifest), emptyModule); err == nil {
					t.Error("expected error, got nil")
				}
			})
		}
	})

	t.Run("Checksum", func(t *testing.T) {
		sum := sha256.Sum256(emptyModule)
		good := vu1Manifest + "checksum: " + hex.EncodeToString(sum[:]) + "\n"

		m, err := NewManifestLoader("").LoadFromBytes([]byte(good), emptyModule)
		if err != nil {
			t.Fatalf("failed to load manifest: %v", err)
		}
		if !m.Verified {
			t.Error("expected verified manifest")
		}

		if _, err := NewManifestLoader("").LoadFromBytes([]byte(good), []byte("tampered")); err == nil {
			t.Error("expected checksum mismatch")
		}
	})

	t.Run("LoadFromFileMissingModule", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, ManifestFile)
		if err := os.WriteFile(path, []byte(vu1Manifest), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewManifestLoader(dir).LoadFromFile(path); err == nil {
			t.Error("expected error for missing module")
		}
	})
}

func TestRegistryForRole(t *testing.T) {
	host := cpufeatures.New("amd64", "sse2", "sse4.1")
	r := NewRegistry(t.TempDir(), host, nil, nil)

	for _, m := range []string{
		manifestFor("microvu1", "1.2.0", "vu1", "sse4.1"),
		manifestFor("microvu1", "1.10.0", "vu1", "sse4.1"),
		manifestFor("microvu1-avx", "2.0.0", "vu1", "avx2"),
		manifestFor("eerec", "1.0.0", "primary"),
	} {
		if _, err := r.Register([]byte(m), emptyModule); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	m, ok := r.ForRole(engine.RoleVector1)
	if !ok || m.Key() != "microvu1@1.10.0" {
		t.Fatalf("expected highest supported version, got %v", m)
	}

	if _, ok := r.ForRole(engine.RoleCoprocA); ok {
		t.Error("expected no provider for coproc-a")
	}

	if _, err := r.Register([]byte(manifestFor("eerec", "1.0.0", "primary")), emptyModule); err == nil {
		t.Error("expected duplicate registration error")
	}

	if got := len(r.List()); got != 4 {
		t.Errorf("expected 4 manifests, got %d", got)
	}
}

func TestRegistryNewProviderUnregisteredRole(t *testing.T) {
	r := NewRegistry("", cpufeatures.New("amd64"), nil, nil)

	_, err := r.NewProvider(context.Background(), engine.RoleCoprocB)
	if !errors.Is(err, ErrNoProvider) || !engine.IsProviderInit(err) {
		t.Fatalf("expected provider init error wrapping ErrNoProvider, got %v", err)
	}
}

func TestProviderInitFailures(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		code     []byte
		host     cpufeatures.Features
		wantCode string
	}{
		{
			name:     "MissingCPUFeature",
			manifest: manifestFor("microvu1", "1.0.0", "vu1", "avx2"),
			code:     emptyModule,
			host:     cpufeatures.New("amd64", "sse2"),
			wantCode: engine.ErrCodeMissingFeature,
		},
		{
			name:     "NoExports",
			manifest: manifestFor("microvu1", "1.0.0", "vu1"),
			code:     emptyModule,
			host:     cpufeatures.New("amd64", "sse2"),
			wantCode: engine.ErrCodeProviderFailed,
		},
		{
			name:     "NotWasm",
			manifest: manifestFor("microvu1", "1.0.0", "vu1"),
			code:     []byte("not a module"),
			host:     cpufeatures.New("amd64", "sse2"),
			wantCode: engine.ErrCodeProviderFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry("", tt.host, nil, nil)
			if _, err := r.Register([]byte(tt.manifest), tt.code); err != nil {
				t.Fatalf("register failed: %v", err)
			}

			p, err := r.NewProvider(context.Background(), engine.RoleVector1)
			if err != nil {
				t.Fatalf("NewProvider failed: %v", err)
			}

			err = p.Init(context.Background())
			var le *engine.LifecycleError
			if !errors.As(err, &le) || le.Class != engine.ErrorClassProviderInit {
				t.Fatalf("expected provider init error, got %v", err)
			}
			if le.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, le.Code)
			}
			if le.Role != engine.RoleVector1 {
				t.Errorf("expected role vu1, got %s", le.Role)
			}
			if p.(*WASMHostProvider).IsInitialized() {
				t.Error("failed provider must not report initialized")
			}

			if err := r.Close(context.Background()); err != nil {
				t.Errorf("close failed: %v", err)
			}
		})
	}
}

func TestProviderInitCancelledAborts(t *testing.T) {
	r := NewRegistry("", cpufeatures.New("amd64"), nil, nil)
	if _, err := r.Register([]byte(manifestFor("eerec", "1.0.0", "primary")), emptyModule); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	p, err := r.NewProvider(context.Background(), engine.RolePrimary)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Init(ctx); !engine.IsAbort(err) {
		t.Fatalf("expected abort, got %v", err)
	}
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "eerec")
	if err := os.MkdirAll(good, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(good, ManifestFile), []byte(manifestFor("eerec", "1.0.0", "primary")), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(good, "eerec.wasm"), emptyModule, 0o644); err != nil {
		t.Fatal(err)
	}

	broken := filepath.Join(dir, "broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, ManifestFile), []byte("name: broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir, cpufeatures.New("amd64"), nil, nil)
	if err := r.ScanDirectory(dir); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("expected 1 registered provider, got %d", got)
	}

	if err := r.ScanDirectory(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("missing directory should not fail: %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.99.99", 1},
		{"v1.0.1", "1.0.0", 1},
		{"1.0", "1.0.0", -1},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
