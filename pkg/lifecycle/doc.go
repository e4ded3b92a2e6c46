// Package lifecycle brings the emulator execution environment up and tears
// it down.
//
// App is the process-wide context. DetectCPUAndUserMode runs once at
// start-up. AllocateCoreStuffs is routed through the owner gate: it applies
// pending settings, reserves memory, builds the provider pack once and
// downgrades roles whose preferred provider failed.
//
// Shutdown is driven by a Sequencer whose phases always run in this order:
//
//	Running -> CancelRequested -> DrainingAsyncWork -> ReleasingResources -> Terminated
//
// CleanupRestartable runs only CancelRequested and leaves the environment
// ready to allocate again. CleanupOnExit runs every phase and is a no-op once
// Terminated. Errors raised by a phase are dispatched on their class: an
// abort is returned unchanged, a timeout is logged as an anomaly, anything
// else is logged and recorded in the ShutdownResult. Providers are unloaded
// by Close, the last call of the process.
package lifecycle
