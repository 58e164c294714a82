// Package telemetry wires OpenTelemetry tracing and metrics for the gateway
// and exposes the counters the governance components record into.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope shared by every sekimon package.
const ScopeName = "github.com/ashita-ai/sekimon"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init installs global tracer and meter providers exporting over OTLP/HTTP.
// An empty endpoint leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, endpoint, insecure, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, endpoint, insecure, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	// Upstream clusters receive traceparent so their spans join ours.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newTracerProvider(ctx context.Context, endpoint string, insecure bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, endpoint string, insecure bool, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	), nil
}

// Meter returns the global meter for the sekimon scope.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(ScopeName)
}

// Tracer returns the global tracer for the sekimon scope.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(ScopeName)
}

// Instruments are the counters recorded by the governance pipeline.
type Instruments struct {
	Decisions   metric.Int64Counter // sekimon.control.decisions{allowed,reason}
	Evaluations metric.Int64Counter // sekimon.guardrail.evaluations{type,allowed}
	Charges     metric.Int64Counter // sekimon.billing.charges{status}
	Published   metric.Int64Counter // sekimon.bus.published{event_type,outcome}
}

// NewInstruments registers the counters against the global meter. Counter
// creation only fails on invalid names, so failures fall back to no-ops.
func NewInstruments() *Instruments {
	m := Meter()
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = noop.NewMeterProvider().Meter(ScopeName).Int64Counter(name)
		}
		return c
	}
	return &Instruments{
		Decisions:   counter("sekimon.control.decisions", "Control core allow/deny decisions"),
		Evaluations: counter("sekimon.guardrail.evaluations", "Guardrail engine evaluations"),
		Charges:     counter("sekimon.billing.charges", "Billing phase-two outcomes"),
		Published:   counter("sekimon.bus.published", "Event bus publish outcomes"),
	}
}
