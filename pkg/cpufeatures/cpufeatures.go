package cpufeatures

import (
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// Features is an immutable snapshot of host CPU capabilities.
type Features struct {
	// Arch is the GOARCH the process runs on.
	Arch string

	flags map[string]bool
}

var (
	probeOnce sync.Once
	probed    Features
)

// Probe returns the host CPU features. The hardware is queried on the first
// call only; later calls return the cached snapshot.
func Probe() Features {
	probeOnce.Do(func() {
		probed = detect()
	})
	return probed
}

// New builds a Features value from explicit flags. It is used to describe a
// hypothetical host, for example when checking manifests in tests.
func New(arch string, flags ...string) Features {
	f := Features{Arch: arch, flags: make(map[string]bool, len(flags))}
	for _, flag := range flags {
		f.flags[normalize(flag)] = true
	}
	return f
}

func detect() Features {
	f := Features{Arch: runtime.GOARCH, flags: make(map[string]bool)}

	switch runtime.GOARCH {
	case "amd64", "386":
		f.set("sse2", cpu.X86.HasSSE2)
		f.set("sse3", cpu.X86.HasSSE3)
		f.set("ssse3", cpu.X86.HasSSSE3)
		f.set("sse4.1", cpu.X86.HasSSE41)
		f.set("sse4.2", cpu.X86.HasSSE42)
		f.set("popcnt", cpu.X86.HasPOPCNT)
		f.set("avx", cpu.X86.HasAVX)
		f.set("avx2", cpu.X86.HasAVX2)
		f.set("fma", cpu.X86.HasFMA)
		f.set("bmi1", cpu.X86.HasBMI1)
		f.set("bmi2", cpu.X86.HasBMI2)
		f.set("avx512f", cpu.X86.HasAVX512F)
		f.set("aes", cpu.X86.HasAES)
	case "arm64":
		f.set("asimd", cpu.ARM64.HasASIMD)
		f.set("fp", cpu.ARM64.HasFP)
		f.set("aes", cpu.ARM64.HasAES)
		f.set("crc32", cpu.ARM64.HasCRC32)
		f.set("atomics", cpu.ARM64.HasATOMICS)
		f.set("sve", cpu.ARM64.HasSVE)
	}

	return f
}

func (f *Features) set(name string, present bool) {
	if present {
		f.flags[name] = true
	}
}

// Has reports whether the named feature is present.
func (f Features) Has(name string) bool {
	return f.flags[normalize(name)]
}

// List returns the present feature flags in sorted order.
func (f Features) List() []string {
	out := make([]string, 0, len(f.flags))
	for name := range f.flags {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Missing returns the subset of required that the host lacks, in input order.
func (f Features) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if !f.Has(name) {
			missing = append(missing, normalize(name))
		}
	}
	return missing
}

// String renders the snapshot as "arch: flag flag ...".
func (f Features) String() string {
	return f.Arch + ": " + strings.Join(f.List(), " ")
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
