package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// Settings is the persisted process-wide configuration.
type Settings struct {
	// Execution maps each role name to "enabled" or "disabled".
	Execution map[string]string `json:"execution" yaml:"execution" toml:"execution" validate:"dive,keys,oneof=primary coproc-a coproc-b vu0 vu1,endkeys,oneof=enabled disabled"`

	// Shutdown bounds the shutdown sequence.
	Shutdown ShutdownSettings `json:"shutdown" yaml:"shutdown" toml:"shutdown"`

	// Providers locates the preferred provider modules.
	Providers ProviderSettings `json:"providers" yaml:"providers" toml:"providers"`

	// Catalog locates the title catalog.
	Catalog CatalogSettings `json:"catalog" yaml:"catalog" toml:"catalog"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetrySettings `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

// ShutdownSettings bounds the waits performed while shutting down.
type ShutdownSettings struct {
	// WorkerCancelTimeout bounds each worker cancellation. Zero waits forever.
	WorkerCancelTimeout Duration `json:"worker_cancel_timeout" yaml:"worker_cancel_timeout" toml:"worker_cancel_timeout" validate:"gte=0"`

	// DrainTimeout bounds the wait for outstanding async work. Zero waits
	// forever.
	DrainTimeout Duration `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty" toml:"drain_timeout,omitempty" validate:"gte=0"`
}

// ProviderSettings locates provider modules.
type ProviderSettings struct {
	// Dir is scanned for provider directories holding a manifest and module.
	Dir string `json:"dir" yaml:"dir" toml:"dir"`

	// Timeout bounds a single provider Init call.
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

// CatalogSettings locates the title catalog.
type CatalogSettings struct {
	// Database is the SQLite database path, or ":memory:".
	Database string `json:"database" yaml:"database" toml:"database" validate:"required"`

	// Source is an optional YAML catalog imported on first use.
	Source string `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
}

// TelemetrySettings is the user-facing subset of telemetry.Config.
type TelemetrySettings struct {
	LogLevel        string  `json:"log_level" yaml:"log_level" toml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat       string  `json:"log_format" yaml:"log_format" toml:"log_format" validate:"oneof=console json"`
	MetricsEnabled  bool    `json:"metrics_enabled" yaml:"metrics_enabled" toml:"metrics_enabled"`
	MetricsAddress  string  `json:"metrics_address" yaml:"metrics_address" toml:"metrics_address" validate:"required_if=MetricsEnabled true"`
	TracingEnabled  bool    `json:"tracing_enabled" yaml:"tracing_enabled" toml:"tracing_enabled"`
	TracingExporter string  `json:"tracing_exporter" yaml:"tracing_exporter" toml:"tracing_exporter"`
	TracingEndpoint string  `json:"tracing_endpoint,omitempty" yaml:"tracing_endpoint,omitempty" toml:"tracing_endpoint,omitempty"`
	SamplingRate    float64 `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate"`
	EventBuffer     int     `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
}

// Defaults returns the settings used when no settings file exists.
func Defaults() Settings {
	exec := make(map[string]string)
	for _, r := range engine.AllRoles() {
		exec[string(r)] = string(engine.UnitEnabled)
	}
	return Settings{
		Execution: exec,
		Shutdown: ShutdownSettings{
			WorkerCancelTimeout: Duration(5 * time.Minute),
		},
		Providers: ProviderSettings{
			Dir:     "providers",
			Timeout: Duration(30 * time.Second),
		},
		Catalog: CatalogSettings{
			Database: "catalog.db",
		},
		Telemetry: TelemetrySettings{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  false,
			MetricsAddress:  ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SamplingRate:    1.0,
			EventBuffer:     1000,
		},
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	out.Execution = make(map[string]string, len(s.Execution))
	for k, v := range s.Execution {
		out.Execution[k] = v
	}
	return out
}

// ExecutionConfig converts the execution section. Roles missing from the
// file keep their default state.
func (s Settings) ExecutionConfig() engine.ExecutionConfig {
	cfg := engine.DefaultExecutionConfig()
	for name, state := range s.Execution {
		role, err := engine.ParseRole(name)
		if err != nil {
			continue
		}
		cfg[role] = engine.UnitState(state)
	}
	return cfg
}

// SetExecutionConfig replaces the execution section with cfg.
func (s *Settings) SetExecutionConfig(cfg engine.ExecutionConfig) {
	s.Execution = make(map[string]string, len(cfg))
	for _, r := range engine.AllRoles() {
		state := engine.UnitDisabled
		if cfg.Enabled(r) {
			state = engine.UnitEnabled
		}
		s.Execution[string(r)] = string(state)
	}
}

// TelemetryConfig builds the telemetry configuration for these settings.
func (s Settings) TelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = s.Telemetry.LogLevel
	cfg.Logging.Format = s.Telemetry.LogFormat
	cfg.Metrics.Enabled = s.Telemetry.MetricsEnabled
	cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddress
	cfg.Tracing.Enabled = s.Telemetry.TracingEnabled
	cfg.Tracing.Exporter = s.Telemetry.TracingExporter
	cfg.Tracing.Endpoint = s.Telemetry.TracingEndpoint
	cfg.Tracing.SamplingRate = s.Telemetry.SamplingRate
	cfg.Events.BufferSize = s.Telemetry.EventBuffer
	return cfg
}

// normalize fills roles missing from the execution section.
func (s *Settings) normalize() {
	if s.Execution == nil {
		s.Execution = make(map[string]string)
	}
	for _, r := range engine.AllRoles() {
		if _, ok := s.Execution[string(r)]; !ok {
			s.Execution[string(r)] = string(engine.UnitEnabled)
		}
	}
}

// Duration is a time.Duration that reads and writes as "5m" style text.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError describes one settings problem.
type ValidationError struct {
	// File is the settings file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), when known.
	Line int `json:"line,omitempty"`

	// Path is the settings field (e.g., "telemetry.sampling_rate").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}
