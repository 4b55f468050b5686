package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/conductor"
)

// observedPlanner wraps a conductor.Planner with tracing and metrics.
type observedPlanner struct {
	inner conductor.Planner
	inst  *Instruments
}

// Planner wraps p so that every call emits one span, one request count,
// and one duration sample.
func Planner(p conductor.Planner, inst *Instruments) conductor.Planner {
	return &observedPlanner{inner: p, inst: inst}
}

var _ conductor.Planner = (*observedPlanner)(nil)

func (o *observedPlanner) Name() string { return o.inner.Name() }

func (o *observedPlanner) FirstStep(ctx context.Context, blob string) (conductor.Decision, error) {
	return o.observe(ctx, conductor.IntentFirst, func(ctx context.Context) (conductor.Decision, error) {
		return o.inner.FirstStep(ctx, blob)
	})
}

func (o *observedPlanner) NextStep(ctx context.Context, blob string, in conductor.Instance, report conductor.Report, recent []conductor.HistoryEntry) (conductor.Decision, error) {
	return o.observe(ctx, conductor.IntentNext, func(ctx context.Context) (conductor.Decision, error) {
		return o.inner.NextStep(ctx, blob, in, report, recent)
	})
}

func (o *observedPlanner) Reconcile(ctx context.Context, blob string, in conductor.Instance, assumedStep string, report conductor.Report, recent []conductor.HistoryEntry) (conductor.Decision, error) {
	return o.observe(ctx, conductor.IntentReconcile, func(ctx context.Context) (conductor.Decision, error) {
		return o.inner.Reconcile(ctx, blob, in, assumedStep, report, recent)
	})
}

func (o *observedPlanner) observe(ctx context.Context, intent conductor.Intent, fn func(context.Context) (conductor.Decision, error)) (conductor.Decision, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "planner."+string(intent),
		trace.WithAttributes(
			attribute.String("planner.name", o.inner.Name()),
			attribute.String("planner.intent", string(intent)),
		))
	defer span.End()

	start := time.Now()
	d, err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	attrs := metric.WithAttributes(
		attribute.String("planner.intent", string(intent)),
		attribute.String("planner.outcome", outcomeOf(err)),
	)
	o.inst.PlannerRequests.Add(ctx, 1, attrs)
	o.inst.PlannerDuration.Record(ctx, elapsed, attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return d, err
	}

	if d.Usage.InputTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(d.Usage.InputTokens), metric.WithAttributes(
			attribute.String("planner.intent", string(intent)),
			attribute.String("token.type", "input"),
		))
	}
	if d.Usage.OutputTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(d.Usage.OutputTokens), metric.WithAttributes(
			attribute.String("planner.intent", string(intent)),
			attribute.String("token.type", "output"),
		))
	}

	span.SetAttributes(attribute.String("planner.next_step", d.NextStep))
	return d, nil
}

// outcomeOf classifies a planner error for the request counter.
func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		timeout *conductor.ErrPlannerTimeout
		api     *conductor.ErrPlannerAPI
		invalid *conductor.ErrPlannerResponse
		safety  *conductor.ErrPlannerSafety
	)
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &api):
		return "api_error"
	case errors.As(err, &invalid):
		return "invalid_response"
	case errors.As(err, &safety):
		return "safety"
	default:
		return "error"
	}
}
