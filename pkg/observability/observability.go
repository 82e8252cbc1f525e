// Package observability sets up OpenTelemetry tracing and metrics with
// OTLP export. Invocation metrics are recorded by middleware.Metrics on the
// meter provided here; the control API records its requests directly.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/wasmCloud/wascc-host"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	HostID         string
	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig exports to a local collector without TLS.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "wascc-host",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates the providers and installs them globally. A disabled config
// yields a Provider backed by the global no-op implementations.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, p.initMetrics()
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("wascc.host_id", config.HostID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentation, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentation, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initMetrics(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// initMetrics creates the control API instruments.
func (p *Provider) initMetrics() error {
	m := p.Meter()
	var err error
	if p.requests, err = m.Int64Counter("wascc.api.requests",
		metric.WithDescription("Control API requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.errors, err = m.Int64Counter("wascc.api.errors",
		metric.WithDescription("Control API requests that failed"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	p.duration, err = m.Float64Histogram("wascc.api.duration",
		metric.WithDescription("Control API request duration"),
		metric.WithUnit("s"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentation)
	}
	return p.tracer
}

// Meter returns the configured meter. middleware.NewMetrics takes it.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentation)
	}
	return p.meter
}

// TrackOperation starts a span and counts the operation. Call the returned
// func with the outcome when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		span.End()
	}
}
