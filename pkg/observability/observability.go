// Package observability provides OpenTelemetry tracing and metrics for the
// engine: OTLP export, RED metrics on sweeps, and counters for the task and
// notification pipelines. A disabled provider is a safe no-op, so tests and
// one-shot CLI runs need no collector.
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

	"github.com/vigil-grc/vigil/pkg/contracts"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vigil",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers and holds the engine
// instruments. It satisfies the sweep engine's Metrics interface.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	sweepCounter  metric.Int64Counter
	sweepDuration metric.Float64Histogram
	sweepFailures metric.Int64Counter
	tasksCreated  metric.Int64Counter
	tasksUpdated  metric.Int64Counter
	intentsQueued metric.Int64Counter
}

// New creates a provider. With Enabled false the provider is inert and every
// record call is a no-op.
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
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
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

	p.tracer = otel.Tracer("vigil",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("vigil",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initEngineMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init engine metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
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
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
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
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initEngineMetrics() error {
	var err error

	p.sweepCounter, err = p.meter.Int64Counter("vigil.sweeps.total",
		metric.WithDescription("Total sweep runs"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return err
	}

	p.sweepDuration, err = p.meter.Float64Histogram("vigil.sweep.duration",
		metric.WithDescription("Sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0),
	)
	if err != nil {
		return err
	}

	p.sweepFailures, err = p.meter.Int64Counter("vigil.sweep.entity_failures.total",
		metric.WithDescription("Entities that failed within a sweep"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return err
	}

	p.tasksCreated, err = p.meter.Int64Counter("vigil.tasks.created.total",
		metric.WithDescription("Task instances created by automation rules"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.tasksUpdated, err = p.meter.Int64Counter("vigil.tasks.updated.total",
		metric.WithDescription("Task due-date moves applied by automation rules"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return err
	}

	p.intentsQueued, err = p.meter.Int64Counter("vigil.intents.queued.total",
		metric.WithDescription("Notification intents queued to the outbox"),
		metric.WithUnit("{intent}"),
	)
	return err
}

// RecordSweep records one sweep run with its duration and failure count.
func (p *Provider) RecordSweep(ctx context.Context, kind string, duration time.Duration, failures int) {
	attrs := metric.WithAttributes(AttrSweepKind.String(kind))
	if p.sweepCounter != nil {
		p.sweepCounter.Add(ctx, 1, attrs)
	}
	if p.sweepDuration != nil {
		p.sweepDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if p.sweepFailures != nil && failures > 0 {
		p.sweepFailures.Add(ctx, int64(failures), attrs)
	}
}

// RecordTaskCreated counts one created task instance.
func (p *Provider) RecordTaskCreated(ctx context.Context) {
	if p.tasksCreated != nil {
		p.tasksCreated.Add(ctx, 1)
	}
}

// RecordTaskUpdated counts one applied due-date move.
func (p *Provider) RecordTaskUpdated(ctx context.Context) {
	if p.tasksUpdated != nil {
		p.tasksUpdated.Add(ctx, 1)
	}
}

// RecordIntent counts one queued notification intent by kind.
func (p *Provider) RecordIntent(ctx context.Context, kind contracts.IntentKind) {
	if p.intentsQueued != nil {
		p.intentsQueued.Add(ctx, 1, metric.WithAttributes(AttrIntentKind.String(string(kind))))
	}
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
		return otel.Tracer("vigil")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("vigil")
	}
	return p.meter
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Semantic convention attributes for engine telemetry.
var (
	AttrTenantID   = attribute.Key("vigil.tenant.id")
	AttrEntityID   = attribute.Key("vigil.entity.id")
	AttrTaskID     = attribute.Key("vigil.task.id")
	AttrRuleKind   = attribute.Key("vigil.rule.kind")
	AttrSweepKind  = attribute.Key("vigil.sweep.kind")
	AttrIntentKind = attribute.Key("vigil.intent.kind")
)

// SweepAttributes builds the attribute set for a sweep span.
func SweepAttributes(tenantID, sweepKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrSweepKind.String(sweepKind),
	}
}

// TaskAttributes builds the attribute set for task pipeline spans.
func TaskAttributes(tenantID, entityID, taskID string, kind contracts.RuleKind) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrEntityID.String(entityID),
		AttrTaskID.String(taskID),
		AttrRuleKind.String(string(kind)),
	}
}
