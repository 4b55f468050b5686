package conductor

import "context"

// Intent names the three planner call shapes, for logs and stubs.
type Intent string

const (
	IntentFirst     Intent = "first"
	IntentNext      Intent = "next"
	IntentReconcile Intent = "reconcile"
)

// Planner abstracts the LLM that picks the next step of a workflow.
// Implementations: planner/gemini (production) and planner/scripted
// (deterministic stub). Decorate with WithRetry and WithInteractionLog.
type Planner interface {
	// FirstStep determines the entry step of a workflow from its
	// definition blob alone.
	FirstStep(ctx context.Context, blob string) (Decision, error)
	// NextStep determines the step after the client's report on the
	// instance's current step. recent is most-recent-first.
	NextStep(ctx context.Context, blob string, in Instance, report Report, recent []HistoryEntry) (Decision, error)
	// Reconcile determines the next step when the client's assumed step
	// disagrees with (or must be checked against) the persisted one.
	Reconcile(ctx context.Context, blob string, in Instance, assumedStep string, report Report, recent []HistoryEntry) (Decision, error)
	// Name returns the planner name (e.g. "gemini", "scripted").
	Name() string
}
