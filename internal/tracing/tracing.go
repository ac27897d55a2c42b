// Package tracing configures OpenTelemetry spans around scheduling and
// execution.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "hybridexec"

// Options selects the exporter.
type Options struct {
	Exporter    string    // none or stdout
	ServiceName string
	Writer      io.Writer // stdout exporter target, default os.Stdout
}

// Init installs the global tracer provider and returns its shutdown func.
func Init(opts Options) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Exporter))
	if name == "" || name == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if name != "stdout" {
		return nil, fmt.Errorf("unsupported trace exporter %q", opts.Exporter)
	}

	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	service := opts.ServiceName
	if service == "" {
		service = instrumentation
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(service)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Attribute keys shared by the executor spans.
var (
	KeyRequestID = attribute.Key("hybridexec.request_id")
	KeyTier      = attribute.Key("hybridexec.tier")
	KeyPlacement = attribute.Key("hybridexec.placement")
	KeyModel     = attribute.Key("hybridexec.model")
	KeyOutcome   = attribute.Key("hybridexec.outcome")
)
