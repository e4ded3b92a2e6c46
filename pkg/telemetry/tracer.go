package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attribute keys used by the lifecycle spans.
var (
	AttrSessionID    = attribute.Key("session.id")
	AttrRole         = attribute.Key("provider.role")
	AttrProviderName = attribute.Key("provider.name")
	AttrPhase        = attribute.Key("shutdown.phase")
	AttrMode         = attribute.Key("shutdown.mode")
)

// Tracer produces the allocation, provider init and shutdown phase spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer installs a tracer provider for cfg. When tracing is disabled the
// provider has no exporter and spans are dropped.
func NewTracer(cfg TracingConfig, service, version string) (*Tracer, error) {
	if !cfg.Enabled {
		tp := sdktrace.NewTracerProvider()
		return &Tracer{provider: tp, tracer: tp.Tracer(service)}, nil
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(service),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter %q: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		var batch []sdktrace.BatchSpanProcessorOption
		if cfg.BatchSize > 0 {
			batch = append(batch, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
		}
		if cfg.ExportWait > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportWait))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Tracer{provider: tp, tracer: tp.Tracer(service)}, nil
}

// newExporter returns nil for the "none" exporter.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "none":
		return nil, nil
	case "stdout":
		return stdouttrace.New()
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Plaintext {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}
	return nil, fmt.Errorf("unsupported exporter")
}

func (t *Tracer) start(ctx context.Context, name, kind string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("span.kind", kind))
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartAllocateSpan covers one AllocateCoreStuffs pass.
func (t *Tracer) StartAllocateSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.start(ctx, "lifecycle.allocate", "lifecycle", AttrSessionID.String(sessionID))
}

// StartProviderSpan covers the Init of one provider.
func (t *Tracer) StartProviderSpan(ctx context.Context, role, providerName string) (context.Context, trace.Span) {
	return t.start(ctx, "provider.init", "provider",
		AttrRole.String(role),
		AttrProviderName.String(providerName),
	)
}

// StartPhaseSpan covers one shutdown phase.
func (t *Tracer) StartPhaseSpan(ctx context.Context, mode, phase string) (context.Context, trace.Span) {
	return t.start(ctx, "shutdown."+phase, "shutdown",
		AttrMode.String(mode),
		AttrPhase.String(phase),
	)
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
