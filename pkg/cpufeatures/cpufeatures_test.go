package cpufeatures

import (
	"reflect"
	"runtime"
	"testing"
)

func TestProbeCached(t *testing.T) {
	first := Probe()
	second := Probe()

	if first.Arch != runtime.GOARCH {
		t.Errorf("expected arch %s, got %s", runtime.GOARCH, first.Arch)
	}
	if !reflect.DeepEqual(first.List(), second.List()) {
		t.Errorf("expected identical snapshots, got %v and %v", first.List(), second.List())
	}
}

func TestProbeAMD64Baseline(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("amd64 only")
	}
	// SSE2 is part of the amd64 baseline.
	if !Probe().Has("sse2") {
		t.Error("expected sse2 on amd64")
	}
}

func TestMissing(t *testing.T) {
	f := New("amd64", "SSE2", "sse4.1", " avx ")

	tests := []struct {
		name     string
		required []string
		want     []string
	}{
		{name: "NoneRequired", required: nil, want: nil},
		{name: "AllPresent", required: []string{"sse2", "AVX"}, want: nil},
		{name: "SomeMissing", required: []string{"avx2", "sse4.1", "avx512f"}, want: []string{"avx2", "avx512f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Missing(tt.required)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestListSorted(t *testing.T) {
	f := New("arm64", "sve", "asimd", "aes")
	want := []string{"aes", "asimd", "sve"}
	if got := f.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if f.String() != "arm64: aes asimd sve" {
		t.Errorf("unexpected string %q", f.String())
	}
}
