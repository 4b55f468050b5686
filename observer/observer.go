// Package observer provides OTEL-based observability for the workflow
// orchestrator. It wraps the Planner with an instrumented version that
// emits traces and metrics for every LLM decision, and exposes a
// transition counter for the engine's callers. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	otellog "go.opentelemetry.io/otel/log"
)

const scopeName = "github.com/nevindra/conductor/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// PlannerRequests counts planner calls by intent and outcome
	// (ok, timeout, api_error, invalid_response, safety, error).
	PlannerRequests metric.Int64Counter
	// PlannerDuration is the planner call latency in seconds, by intent.
	PlannerDuration metric.Float64Histogram
	// TokenUsage counts provider-reported tokens by intent and token type
	// (input, output).
	TokenUsage metric.Int64Counter
	// Transitions counts engine transitions by kind and resulting status.
	// Fed by the conductor.TransitionHook returned from TransitionHook.
	Transitions metric.Int64Counter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("conductor")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := NewInstruments(tp.Tracer(scopeName), mp.Meter(scopeName), lp.Logger(scopeName))
	if err != nil {
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), lp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

// NewInstruments creates the instrument set on caller-provided tracer,
// meter, and logger. Used by Init and by tests that install in-memory
// providers.
func NewInstruments(tracer trace.Tracer, meter metric.Meter, logger otellog.Logger) (*Instruments, error) {
	inst := &Instruments{Tracer: tracer, Meter: meter, Logger: logger}

	var err error
	inst.PlannerRequests, err = meter.Int64Counter("conductor.planner.requests",
		metric.WithDescription("Planner calls by intent and outcome"))
	if err != nil {
		return nil, err
	}
	inst.PlannerDuration, err = meter.Float64Histogram("conductor.planner.duration",
		metric.WithDescription("Planner call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inst.TokenUsage, err = meter.Int64Counter("conductor.planner.tokens",
		metric.WithDescription("Provider-reported token usage by intent and token type"))
	if err != nil {
		return nil, err
	}
	inst.Transitions, err = meter.Int64Counter("conductor.engine.transitions",
		metric.WithDescription("Engine transitions by kind and resulting status"))
	if err != nil {
		return nil, err
	}
	return inst, nil
}
