// Package engine provides the core types and interfaces for the emuhost
// execution environment lifecycle.
//
// # Overview
//
// An emulated system has several virtual processing units, each identified by
// a Role. Every enabled role needs exactly one execution provider: a
// recompiler or an interpreter. The lifecycle package brings providers up,
// downgrades the configuration when a provider fails, and tears the
// environment down again.
//
// # Core Domain Types
//
//   - Role: a fixed execution unit slot (primary, coproc-a, coproc-b, vu0, vu1)
//   - ExecutionConfig: which roles should run on their preferred provider
//   - Outcome: the immutable result of one provider initialization attempt
//
// # Collaborator Interfaces
//
//   - Provider / ProviderFactory: execution backends
//   - MemoryReserver: address-space reservation
//   - SettingsStore: process-wide settings with pending changes
//   - Worker: a cancellable background execution thread
//   - AsyncTask: background loading drained at shutdown
//   - ResourceSet: shared state cleared at shutdown
//
// # Error Classification
//
// Errors carry an ErrorClass that drives dispatch:
//
//   - provider_init: converted into a fallback downgrade
//   - teardown: logged and swallowed during shutdown
//   - timeout: a bounded wait elapsed; logged as an anomaly
//   - abort: never suppressed; always returned to the caller
//
// Use ClassOf to inspect an error:
//
//	switch engine.ClassOf(err) {
//	case engine.ErrorClassAbort:
//	    return err
//	case engine.ErrorClassTimeout:
//	    log.Warn().Err(err).Msg("wait timed out")
//	default:
//	    log.Error().Err(err).Msg("step failed")
//	}
package engine
