// Package telemetry is the observability layer of emuhost: zerolog logging,
// OpenTelemetry spans, Prometheus collectors and an in-process lifecycle
// event stream, bundled in a Telemetry value that is threaded through the
// lifecycle packages.
//
//	tel, err := telemetry.NewTelemetry(settings.TelemetryConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.Events.Subscribe(telemetry.LogEvents(tel.Logger), nil)
//
// Packages that accept an optional *Telemetry substitute NewNop(nil), which
// keeps every method callable while recording nothing.
//
// Spans cover one allocation pass, each provider Init and each shutdown
// phase. A worker that misses its cancel bound and an error swallowed during
// shutdown both show up as counters and events rather than as failures.
package telemetry
