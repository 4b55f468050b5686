package conductor

import (
	"context"
	"log/slog"
	"time"
)

// loggingPlanner wraps a Planner and records one structured log record
// per call: intent, instance, decision or error, and wall time. Point
// the logger at a dedicated file to get an auditable AI-interaction log.
type loggingPlanner struct {
	inner  Planner
	logger *slog.Logger
}

// WithInteractionLog wraps p so that every planner call is logged to l.
func WithInteractionLog(p Planner, l *slog.Logger) Planner {
	return &loggingPlanner{inner: p, logger: l}
}

func (p *loggingPlanner) Name() string { return p.inner.Name() }

func (p *loggingPlanner) FirstStep(ctx context.Context, blob string) (Decision, error) {
	start := time.Now()
	d, err := p.inner.FirstStep(ctx, blob)
	p.record(ctx, IntentFirst, "", "", d, err, start)
	return d, err
}

func (p *loggingPlanner) NextStep(ctx context.Context, blob string, in Instance, report Report, recent []HistoryEntry) (Decision, error) {
	start := time.Now()
	d, err := p.inner.NextStep(ctx, blob, in, report, recent)
	p.record(ctx, IntentNext, in.ID, in.CurrentStep, d, err, start)
	return d, err
}

func (p *loggingPlanner) Reconcile(ctx context.Context, blob string, in Instance, assumedStep string, report Report, recent []HistoryEntry) (Decision, error) {
	start := time.Now()
	d, err := p.inner.Reconcile(ctx, blob, in, assumedStep, report, recent)
	p.record(ctx, IntentReconcile, in.ID, in.CurrentStep+"/assumed="+assumedStep, d, err, start)
	return d, err
}

func (p *loggingPlanner) record(ctx context.Context, intent Intent, instance, step string, d Decision, err error, start time.Time) {
	attrs := []any{
		"planner", p.inner.Name(),
		"intent", string(intent),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if instance != "" {
		attrs = append(attrs, "instance", instance, "step", step)
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		p.logger.ErrorContext(ctx, "planner call failed", attrs...)
		return
	}
	attrs = append(attrs, "next_step", d.NextStep, "context_updates", len(d.ContextUpdates))
	if d.StatusSuggestion != "" {
		attrs = append(attrs, "status_suggestion", string(d.StatusSuggestion))
	}
	if d.Reasoning != "" {
		attrs = append(attrs, "reasoning", d.Reasoning)
	}
	p.logger.InfoContext(ctx, "planner decision", attrs...)
}

// compile-time check
var _ Planner = (*loggingPlanner)(nil)
