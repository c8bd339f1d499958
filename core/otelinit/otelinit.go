// Package otelinit assembles the OpenTelemetry pipeline for toyrt
// processes and hands back exactly what a Runtime consumes: the meter for
// its instruments (toyrt.Config.Meter) and the tracer for its run spans
// (toyrt.Config.Tracer), bundled with one shutdown hook. Nothing is
// installed globally. Without an endpoint configured the pipeline stays
// no-op, so library code can call through it unconditionally.
package otelinit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
)

// Telemetry carries the instruments a toyrt process threads into its
// Runtime, plus the shutdown of the exporters behind them.
type Telemetry struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	shutdowns []func(context.Context) error
}

// endpoint resolves the OTLP target. TOYRT_OTEL_ENDPOINT wins over the
// standard OTEL_EXPORTER_OTLP_ENDPOINT; empty or "off" disables export.
func endpoint() string {
	ep := os.Getenv("TOYRT_OTEL_ENDPOINT")
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if ep == "off" {
		return ""
	}
	return ep
}

// Setup builds the telemetry handle for one process. Exporter failures are
// not fatal: the affected half degrades to no-op and the error is logged,
// so a missing collector never blocks a run.
func Setup(ctx context.Context, component string) *Telemetry {
	t := &Telemetry{
		Meter:  metricnoop.NewMeterProvider().Meter(component),
		Tracer: tracenoop.NewTracerProvider().Tracer(component),
	}
	ep := endpoint()
	if ep == "" {
		return t
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(component),
	))
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(ep),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otel metric exporter disabled", "endpoint", ep, "error", err)
	} else {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
			sdkmetric.WithResource(res),
		)
		t.Meter = mp.Meter(component)
		t.shutdowns = append(t.shutdowns, mp.Shutdown)
	}

	if exp, err := otlptracegrpc.New(ctxInit,
		otlptracegrpc.WithEndpoint(ep),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otel trace exporter disabled", "endpoint", ep, "error", err)
	} else {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		t.Tracer = tp.Tracer(component)
		t.shutdowns = append(t.shutdowns, tp.Shutdown)
	}
	return t
}

// Shutdown flushes and stops every exporter Setup created. Safe to call on
// a no-op handle.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
