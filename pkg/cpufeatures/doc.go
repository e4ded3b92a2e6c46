// Package cpufeatures reports the instruction-set extensions of the host CPU.
//
// The probe runs once per process. Provider manifests name the features they
// require using the lower-case flag names returned by Features.List, for
// example "sse4.1", "avx2" or "asimd".
package cpufeatures
