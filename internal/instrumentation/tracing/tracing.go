package tracing

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/config"
	"github.com/stoewer/go-strcase"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "bundleapi"

// InitTracer installs the global TracerProvider. With tracing disabled a no-op
// provider is installed. The returned function flushes pending spans.
func InitTracer(log logrus.FieldLogger, cfg *config.Config, serviceName string) (func(context.Context) error, error) {
	if cfg.Tracing == nil || !cfg.Tracing.Enabled {
		log.Debug("Tracing is disabled")
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var opts []otlptracehttp.Option
	if cfg.Tracing.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint))
	}
	if cfg.Tracing.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exp, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing OTLP exporter: %w", err)
	}

	if serviceName == "" {
		serviceName = TracerName
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("deployment.environment.name", cfg.Service.Environment),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.WithField("endpoint", cfg.Tracing.Endpoint).Info("Tracing initialized")
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider with a kebab-case name.
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	return tracer.Start(ctx, strcase.KebabCase(spanName), opts...)
}
