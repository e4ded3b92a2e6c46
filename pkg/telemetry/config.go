package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config is the observability setup of one emuhost process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the zerolog sink.
type LoggingConfig struct {
	// Level is a zerolog level name. Unknown names fall back to info.
	Level string

	// Format is "console" or "json".
	Format string

	// Sink is "stdout", "stderr" or a file path opened for append.
	Sink string

	// Caller adds file:line to every entry.
	Caller bool

	// BurstPerSecond caps entries per second when non-zero. After the burst
	// only every SampleEvery-th entry is written.
	BurstPerSecond int
	SampleEvery    int
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP collector address, host:port.
	Endpoint string

	SamplingRate float64
	BatchSize    int
	ExportWait   time.Duration

	// Plaintext sends OTLP without TLS.
	Plaintext bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are histogram buckets in seconds, shared by the
	// allocation, provider init and shutdown phase histograms.
	DurationBuckets []float64
}

// EventsConfig configures the lifecycle event queue.
type EventsConfig struct {
	Enabled    bool
	BufferSize int

	// Async hands events to a background dispatcher that delivers them in
	// batches of BatchSize or every FlushInterval, whichever comes first.
	Async         bool
	BatchSize     int
	FlushInterval time.Duration
}

var (
	logLevels = map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	traceExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// DefaultConfig is the configuration used when the settings folder has no
// telemetry section.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "emuhost",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "console",
			Sink:           "stderr",
			BurstPerSecond: 0,
			SampleEvery:    10,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			BatchSize:    256,
			ExportWait:   10 * time.Second,
			Plaintext:    true,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			ListenAddress:   ":9090",
			Path:            "/metrics",
			Namespace:       "emuhost",
			DurationBuckets: []float64{0.0005, 0.002, 0.01, 0.05, 0.2, 1, 5, 30, 120, 300},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    256,
			Async:         true,
			BatchSize:     32,
			FlushInterval: time.Second,
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("telemetry: service name is empty"))
	}
	if !logLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("telemetry: unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("telemetry: log format %q is neither console nor json", c.Logging.Format))
	}
	if c.Tracing.Enabled && !traceExporters[c.Tracing.Exporter] {
		errs = append(errs, fmt.Errorf("telemetry: unknown trace exporter %q", c.Tracing.Exporter))
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry: sampling rate %g outside [0, 1]", r))
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("telemetry: metrics enabled without a listen address"))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("telemetry: event buffer size %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
