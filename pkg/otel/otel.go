// Package otel wires OpenTelemetry tracing for training, forecast and advisory runs.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled              bool    `yaml:"enabled"`
	ServiceName          string  `yaml:"service_name"`
	ServiceVersion       string  `yaml:"service_version"`
	Environment          string  `yaml:"environment"`
	CollectorEndpoint    string  `yaml:"endpoint"`
	CollectorInsecure    bool    `yaml:"insecure"`
	SamplingRate         float64 `yaml:"sampling_rate"` // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int     `yaml:"max_events_per_span"`
	MaxAttributesPerSpan int     `yaml:"max_attributes_per_span"`
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "1.0.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("ricecast")
	}
	if !config.Enabled {
		// The global no-op provider stays in place.
		return nil, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.CollectorEndpoint)}
	if config.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:      config.MaxEventsPerSpan,
			AttributeCountLimit:  config.MaxAttributesPerSpan,
		}),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	// Use context with timeout for shutdown
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	// Add attributes if provided
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the rice forecasting service
const (
	// Model attributes
	AttrModelVersion  = attribute.Key("model.version")
	AttrModelSelected = attribute.Key("model.selected")

	// Training attributes
	AttrTrainCandidates = attribute.Key("training.candidates")
	AttrTrainRows       = attribute.Key("training.rows")
	AttrHoldoutMonths   = attribute.Key("training.holdout_months")
	AttrCVFolds         = attribute.Key("training.cv_folds")

	// Forecast attributes
	AttrMonthsRequested = attribute.Key("forecast.months_requested")
	AttrMonthsGenerated = attribute.Key("forecast.months_generated")
	AttrTargetDate      = attribute.Key("forecast.target_date")
	AttrResultCount     = attribute.Key("forecast.result_count")

	// Advisory attributes
	AttrAdvisoryStep  = attribute.Key("advisory.step")
	AttrAdvisoryCount = attribute.Key("advisory.count")

	// Performance attributes
	AttrCacheHit  = attribute.Key("cache.hit")
	AttrLatencyMs = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func TrainingAttributes(candidates, rows, holdoutMonths, folds int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTrainCandidates.Int(candidates),
		AttrTrainRows.Int(rows),
		AttrHoldoutMonths.Int(holdoutMonths),
		AttrCVFolds.Int(folds),
	}
}

func ModelAttributes(version, selected string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrModelVersion.String(version),
		AttrModelSelected.String(selected),
	}
}

func ForecastAttributes(requested, generated, results int, targetDate string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrMonthsRequested.Int(requested),
		AttrMonthsGenerated.Int(generated),
		AttrResultCount.Int(results),
	}
	if targetDate != "" {
		attrs = append(attrs, AttrTargetDate.String(targetDate))
	}
	return attrs
}

func AdvisoryAttributes(step, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAdvisoryStep.Int(step),
		AttrAdvisoryCount.Int(count),
	}
}

func PerformanceAttributes(cacheHit bool, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCacheHit.Bool(cacheHit),
		AttrLatencyMs.Float64(latencyMs),
	}
}
