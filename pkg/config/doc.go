// Package config provides the emuhost settings store.
//
// # Overview
//
// Settings live in a settings folder holding one of emuhost.yaml,
// emuhost.yml, emuhost.toml or emuhost.cue. The folder is taken from
// EMUHOST_SETTINGS_DIR, then Options.Folder, then the user config directory.
// Fields missing from the file keep their defaults.
//
// # Validation
//
// Settings are checked twice: struct tags through go-playground/validator,
// then the built-in CUE #Settings definition, which also carries numeric
// bounds and enumerations. Invalid settings are reported as a config-class
// engine.LifecycleError wrapping ValidationErrors.
//
// # Pending changes
//
// Store implements engine.SettingsStore. Stage queues a change; nothing is
// visible until ApplySettings commits the queue and persists the result.
// When watching is enabled, a change on disk marks the store dirty and the
// next ApplySettings re-reads the file before applying staged changes.
//
//	store := config.NewStore(config.Options{Folder: dir, Watch: true})
//	if err := store.OnChangedSettingsFolder(ctx); err != nil {
//	    return err
//	}
//	store.Stage(func(s *config.Settings) { s.Telemetry.LogLevel = "debug" })
//	err := store.ApplySettings(ctx)
package config
