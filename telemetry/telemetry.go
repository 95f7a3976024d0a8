// Package telemetry provides the OpenTelemetry-backed implementation of the
// core Telemetry interface: traces exported over OTLP (or stdout during
// development) and counter metrics for orchestration events.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsmesh/conductor/core"
)

// Config for the telemetry provider.
type Config struct {
	// ServiceName appears on every span and metric.
	ServiceName string
	// Endpoint is an OTLP gRPC collector address. Empty means stdout export,
	// for development.
	Endpoint string
	// SampleRate in [0,1]; 0 defaults to 1 (sample everything).
	SampleRate float64
	// Insecure disables TLS toward the collector.
	Insecure bool
	Logger   core.Logger
}

// Provider implements core.Telemetry on the OpenTelemetry SDK.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	logger core.Logger

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New builds and installs the global tracer and meter providers.
func New(ctx context.Context, config Config) (*Provider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "conductor"
	}
	if config.SampleRate <= 0 || config.SampleRate > 1 {
		config.SampleRate = 1
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry.New: %w", err)
	}

	var traceExporter sdktrace.SpanExporter
	if config.Endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		traceExporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry.New: trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry.New: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(60*time.Second))),
	)
	otel.SetMeterProvider(mp)

	config.Logger.Info("Telemetry initialized", map[string]interface{}{
		"operation":   "telemetry_init",
		"service":     config.ServiceName,
		"endpoint":    config.Endpoint,
		"sample_rate": config.SampleRate,
	})

	return &Provider{
		tracer:   tp.Tracer("conductor"),
		meter:    mp.Meter("conductor"),
		logger:   config.Logger,
		tp:       tp,
		mp:       mp,
		counters: make(map[string]metric.Float64Counter),
	}, nil
}

// StartSpan implements core.Telemetry.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry. Metric names map onto counters,
// created lazily and cached.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		var err error
		counter, err = p.meter.Float64Counter(name)
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("Failed to create counter", map[string]interface{}{
				"operation": "record_metric",
				"metric":    name,
				"error":     err.Error(),
			})
			return
		}
		p.counters[name] = counter
	}
	p.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}

	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

// Shutdown flushes exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := p.tp.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.mp.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// otelSpan adapts an OTel span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
