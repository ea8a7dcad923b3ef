// Package observability holds echo's Prometheus metrics and OpenTelemetry
// tracer setup.
package observability

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Version is reported as the service version on exported spans.
const Version = "0.3.0"

// ErrNoEndpoint is returned by InitTracer for an empty endpoint.
var ErrNoEndpoint = errors.New("otlp endpoint is empty")

// Tracer returns a named tracer from the global provider. Packages keep one
// at package level so spans work with or without InitTracer having run.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("echo/" + name)
}

// TracerConfig configures InitTracer.
type TracerConfig struct {
	ServiceName string
	Endpoint    string
	Environment string
	// SampleRatio in (0,1) samples root spans by trace id; anything else
	// samples every trace. Child spans follow their parent.
	SampleRatio float64
}

func (c TracerConfig) sampler() sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if c.SampleRatio > 0 && c.SampleRatio < 1 {
		root = sdktrace.TraceIDRatioBased(c.SampleRatio)
	}
	return sdktrace.ParentBased(root)
}

// InitTracer installs a global OTLP/gRPC tracer provider and W3C
// propagators. The returned function flushes and stops the provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "echo"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
