package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{name: "Default", mutate: func(c *Config) {}, expectError: false},
		{name: "MissingServiceName", mutate: func(c *Config) { c.ServiceName = "" }, expectError: true},
		{name: "BadLevel", mutate: func(c *Config) { c.Logging.Level = "loud" }, expectError: true},
		{name: "BadFormat", mutate: func(c *Config) { c.Logging.Format = "xml" }, expectError: true},
		{name: "BadExporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, expectError: true},
		{name: "BadSampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").NewComponentLogger("lifecycle")

	logger.WithRole("vu1").WithPhase("cancel_requested").WithError(errors.New("stuck")).Warn("worker timed out")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}

	want := map[string]string{
		"component": "lifecycle",
		"role":      "vu1",
		"phase":     "cancel_requested",
		"error":     "stuck",
		"level":     "warn",
		"message":   "worker timed out",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("expected %s=%q, got %v", k, v, entry[k])
		}
	}
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}

	logger.Error("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected error line, got %q", buf.String())
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeWorkerTimeout))

	if err := ep.PublishWorkerTimeout("vu1", 5*time.Minute); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishPhaseCompleted("draining_async_work", time.Millisecond); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("expected event ID to be assigned")
	}
	if got[0].Data["worker"] != "vu1" {
		t.Errorf("expected worker vu1, got %v", got[0].Data["worker"])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 16,
		Async:      true,
		BatchSize:  100,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishTeardownError("releasing_resources", "boom"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("expected 5 delivered events, got %d", count)
	}
}

func TestMetricsNoopWhenDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// None of these may panic on a disabled collector.
	m.RecordProviderInit("primary", "interp", time.Millisecond, errors.New("x"))
	m.RecordFallback("primary")
	m.RecordWorkerTimeout("vu1")
	m.RecordPhase("terminated", time.Millisecond)
	if m.Registry() != nil {
		t.Error("expected nil registry for disabled metrics")
	}
}

func TestMetricsRecorded(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.RecordWorkerTimeout("vu1")
	m.RecordProviderInit("vu1", "host", time.Millisecond, errors.New("no avx"))

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				found[mf.GetName()] += c.GetValue()
			}
		}
	}

	if found["emuhost_worker_cancel_timeouts_total"] != 1 {
		t.Errorf("expected 1 worker timeout, got %v", found["emuhost_worker_cancel_timeouts_total"])
	}
	if found["emuhost_provider_init_failures_total"] != 1 {
		t.Errorf("expected 1 init failure, got %v", found["emuhost_provider_init_failures_total"])
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := NewNop(nil)
	ctx, span := tel.Tracer.StartPhaseSpan(context.Background(), "exit", "terminated")
	RecordError(span, errors.New("ignored"))
	span.End()

	if FromContext(context.Background()) == nil {
		t.Error("expected a nop instance for a bare context")
	}
	if got := FromContext(tel.WithContext(ctx)); got != tel {
		t.Errorf("expected stored telemetry, got %p", got)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Tracing.SamplingRate = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log level", "sampling rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestEventsCarrySessionAndLog(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	ep.SetSessionID("s-1")

	var buf bytes.Buffer
	ep.Subscribe(LogEvents(NewWriterLogger(&buf, "debug")), FilterByRole("vu0"))

	var sessions []string
	ep.Subscribe(func(e Event) { sessions = append(sessions, e.SessionID) }, nil)

	if err := ep.PublishProviderFailed("vu0", "microvu0", "no avx"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishProviderFailed("vu1", "microvu1", "no avx"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(sessions) != 2 || sessions[0] != "s-1" || sessions[1] != "s-1" {
		t.Errorf("expected session s-1 on both events, got %v", sessions)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one logged event, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("bad log line: %v", err)
	}
	if entry["event"] != EventTypeProviderFailed || entry["role"] != "vu0" || entry["level"] != "error" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestEventPublisherRejectsAfterShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, Async: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := ep.PublishTerminated(0, time.Second); !errors.Is(err, ErrEventsStopped) {
		t.Errorf("expected ErrEventsStopped, got %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown failed: %v", err)
	}
}
