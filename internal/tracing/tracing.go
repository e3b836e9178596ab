// Package tracing sets up the global OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/scribeflow/internal/config"
)

// Name is the instrumentation scope used by every scribeflow span.
const Name = "github.com/dharsanguruparan/scribeflow"

// Tracer returns the scribeflow tracer from the global provider. Until Init
// runs this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(Name)
}

// Init installs a tracer provider exporting to w (stdout when nil). When
// tracing is disabled it leaves the no-op provider in place and returns a
// no-op shutdown.
func Init(ctx context.Context, cfg config.TracingConfig, w io.Writer, log *zap.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	if w == nil {
		w = os.Stdout
	}
	if log == nil {
		log = zap.NewNop()
	}
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "scribeflow"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(service)))
	if err != nil {
		log.Warn("otel resource init failed (continuing)", zap.Error(err))
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Info("otel tracing initialized", zap.String("service", service))
	return tp.Shutdown, nil
}
