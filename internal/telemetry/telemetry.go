// Package telemetry wires OpenTelemetry tracing and the identifiers that correlate a session's turns.
package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const (
	ServiceName = "portfolio-assistant"
	// InstrumentationName names the tracer used by the assistant's packages
	InstrumentationName = "github.com/cchalm/portfolio-assistant"
)

// Version is overridden at build time
var Version = "dev"

// Config holds the configuration for telemetry
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/HTTP collector URL, e.g. http://localhost:4318
	Endpoint string `yaml:"endpoint"`
}

// Provider manages the tracer provider for the process
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// NewProvider creates a telemetry provider. When telemetry is disabled the returned provider hands out no-op tracers
// and exports nothing. When enabled it is also installed as the global tracer provider
func NewProvider(ctx context.Context, config Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		logger.Debug("Telemetry disabled")
		return &Provider{
			tp:       noop.NewTracerProvider(),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	var opts []otlptracehttp.Option
	if config.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(config.Endpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Telemetry enabled", zap.String("endpoint", config.Endpoint))
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Tracer returns the assistant's tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}

// NewSessionID generates a new session UUID
func NewSessionID() string {
	return uuid.New().String()
}

// NewTurnID generates a new turn UUID
func NewTurnID() string {
	return uuid.New().String()
}

type turnIDKey struct{}

// WithTurnID returns a context carrying the given turn ID
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnIDFromContext returns the turn ID carried by ctx, or the empty string
func TurnIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// LogFields returns zap fields identifying the turn carried by ctx, if any
func LogFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := TurnIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("turn_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	return fields
}
