package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const defaultHistoryLimit = 5

// Engine owns the three workflow transitions: Start, Advance, Resume.
// It combines a DefinitionSource, a Repository, and a Planner, and
// enforces the state-machine rules: history bookkeeping, context merge
// precedence, completion and failure semantics, and per-instance
// serialization.
type Engine struct {
	defs         DefinitionSource
	repo         Repository
	planner      Planner
	logger       *slog.Logger
	historyLimit int
	locks        *instanceLocks
	hook         TransitionHook
}

// TransitionHook is called after every committed transition with the
// transition kind ("start", "advance", "resume") and the resulting
// instance. Used to feed metrics; must not block.
type TransitionHook func(ctx context.Context, kind string, in Instance)

// Option configures an Engine.
type Option func(*Engine)

// WithDefinitions sets the workflow definition source. Required.
func WithDefinitions(ds DefinitionSource) Option {
	return func(e *Engine) { e.defs = ds }
}

// WithRepository sets the instance/history store. Required.
func WithRepository(r Repository) Option {
	return func(e *Engine) { e.repo = r }
}

// WithPlanner sets the LLM planner. Required.
func WithPlanner(p Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithLogger sets a structured logger. Defaults to a silent logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHistoryLimit caps how many recent history entries accompany each
// planner call (default 5). Bounds prompt size.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// WithTransitionHook registers a hook invoked after every committed
// transition (e.g. observer.TransitionHook for OTEL metrics).
func WithTransitionHook(fn TransitionHook) Option {
	return func(e *Engine) { e.hook = fn }
}

// New creates an Engine. Panics if a required collaborator is missing —
// construction happens once at startup, and a half-wired engine is a
// programming error, not a runtime condition.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:       slog.New(discardHandler{}),
		historyLimit: defaultHistoryLimit,
		locks:        newInstanceLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defs == nil || e.repo == nil || e.planner == nil {
		panic("conductor: Engine requires WithDefinitions, WithRepository, and WithPlanner")
	}
	return e
}

// discardHandler drops all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Workflows lists the available workflow definitions.
func (e *Engine) Workflows(_ context.Context) ([]string, error) {
	return e.defs.ListWorkflows()
}

// Status returns the full persisted projection of one instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (Instance, error) {
	return e.repo.GetInstance(ctx, instanceID)
}

// History returns the most recent history entries of one instance.
func (e *Engine) History(ctx context.Context, instanceID string, limit int) ([]HistoryEntry, error) {
	return e.repo.History(ctx, instanceID, limit)
}

// --- Start ---

// Start creates a new instance of the named workflow. The planner reads
// the definition and picks the entry step; initialContext seeds the
// context bag with planner updates winning on key conflict. No history
// is recorded — the first entry arrives with the client's first Advance.
func (e *Engine) Start(ctx context.Context, workflow string, initialContext map[string]any) (Transition, error) {
	blob, err := e.defs.DefinitionBlob(workflow)
	if err != nil {
		return Transition{}, err
	}

	decision, err := e.planner.FirstStep(ctx, blob)
	if err != nil {
		return Transition{}, err
	}
	if err := e.validateStep(workflow, decision.NextStep); err != nil {
		return Transition{}, err
	}

	wctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		wctx[k] = v
	}
	applyUpdates(wctx, decision.ContextUpdates)

	id := NewID()
	now := NowUnixNano()
	in := Instance{
		ID:          id,
		Workflow:    workflow,
		CurrentStep: decision.NextStep,
		Status:      deriveStatus(decision, StatusRunning),
		Context:     wctx,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Status == StatusCompleted {
		in.CompletedAt = now
	}

	e.locks.lock(id)
	defer e.locks.unlock(id)

	if err := e.repo.CreateInstance(ctx, in); err != nil {
		return Transition{}, err
	}

	e.logger.Info("workflow started",
		"workflow", workflow, "instance", id, "step", in.CurrentStep, "status", in.Status)
	e.notifyTransition(ctx, "start", in)

	return e.transition(in)
}

// --- Advance ---

// Advance records the client's report on the current step, asks the
// planner for the next one, and commits the history entry plus the
// instance update atomically. Calls against a terminal instance return
// the terminal state untouched.
func (e *Engine) Advance(ctx context.Context, instanceID string, report Report, contextUpdates map[string]any) (Transition, error) {
	e.locks.lock(instanceID)
	defer e.locks.unlock(instanceID)

	in, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return Transition{}, err
	}
	if in.Status.Terminal() {
		return e.terminalTransition(in)
	}

	entry := HistoryEntry{
		InstanceID:    instanceID,
		Timestamp:     NowUnixNano(),
		StepName:      in.CurrentStep,
		UserReport:    marshalReport(report),
		OutcomeStatus: report.Outcome(),
	}

	return e.decideAndCommit(ctx, "advance", in, entry, contextUpdates, func(blob string, recent []HistoryEntry) (Decision, error) {
		return e.planner.NextStep(ctx, blob, in, report, recent)
	})
}

// --- Resume ---

// Resume reconciles a reconnecting client's assumed position with the
// persisted one. The history entry records the assumed step with outcome
// RESUMING; the planner sees both step names and picks the true next step.
func (e *Engine) Resume(ctx context.Context, instanceID, assumedStep string, report Report, contextUpdates map[string]any) (Transition, error) {
	e.locks.lock(instanceID)
	defer e.locks.unlock(instanceID)

	in, err := e.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return Transition{}, err
	}
	if in.Status.Terminal() {
		return e.terminalTransition(in)
	}

	entry := HistoryEntry{
		InstanceID:    instanceID,
		Timestamp:     NowUnixNano(),
		StepName:      assumedStep,
		UserReport:    marshalReport(report),
		OutcomeStatus: OutcomeResuming,
	}

	return e.decideAndCommit(ctx, "resume", in, entry, contextUpdates, func(blob string, recent []HistoryEntry) (Decision, error) {
		return e.planner.Reconcile(ctx, blob, in, assumedStep, report, recent)
	})
}

// decideAndCommit runs the shared tail of Advance and Resume: load the
// blob and recent history, ask the planner, merge contexts (client over
// stored, planner over both), derive the new status, and commit history
// + instance update in one transaction.
func (e *Engine) decideAndCommit(ctx context.Context, kind string, in Instance, entry HistoryEntry, contextUpdates map[string]any, decide func(string, []HistoryEntry) (Decision, error)) (Transition, error) {
	blob, err := e.defs.DefinitionBlob(in.Workflow)
	if err != nil {
		e.markFailed(ctx, in, err)
		return Transition{}, err
	}

	recent, err := e.repo.History(ctx, in.ID, e.historyLimit)
	if err != nil {
		return Transition{}, err
	}

	decision, err := decide(blob, recent)
	if err != nil {
		e.markFailed(ctx, in, err)
		return Transition{}, err
	}
	if err := e.validateStep(in.Workflow, decision.NextStep); err != nil {
		e.markFailed(ctx, in, err)
		return Transition{}, err
	}

	working := in.CloneContext()
	for k, v := range contextUpdates {
		working[k] = v
	}
	applyUpdates(working, decision.ContextUpdates)

	now := NowUnixNano()
	newStatus := deriveStatus(decision, in.Status)

	updated := in
	updated.CurrentStep = decision.NextStep
	updated.Status = newStatus
	updated.Context = working
	updated.UpdatedAt = now
	if newStatus == StatusCompleted && in.CompletedAt == 0 {
		updated.CompletedAt = now
	}

	entry.DeterminedNextStep = decision.NextStep

	if err := e.repo.RecordTransition(ctx, entry, updated); err != nil {
		return Transition{}, err
	}

	e.logger.Info("workflow advanced",
		"workflow", in.Workflow, "instance", in.ID,
		"from", entry.StepName, "to", updated.CurrentStep,
		"outcome", entry.OutcomeStatus, "status", updated.Status)
	e.notifyTransition(ctx, kind, updated)

	return e.transition(updated)
}

// notifyTransition invokes the registered transition hook, if any.
func (e *Engine) notifyTransition(ctx context.Context, kind string, in Instance) {
	if e.hook != nil {
		e.hook(ctx, kind, in)
	}
}

// --- helpers ---

// transition assembles the caller-facing triple, resolving client
// instructions through the definition source.
func (e *Engine) transition(in Instance) (Transition, error) {
	step := Step{Name: in.CurrentStep}
	switch {
	case in.CurrentStep == StepFinish || in.Status == StatusCompleted:
		step.Instructions = CompletedInstructions
	case in.Status == StatusFailed:
		step.Instructions = "Workflow Failed."
	default:
		instr, err := e.defs.StepInstructions(in.Workflow, in.CurrentStep)
		if err != nil {
			return Transition{}, err
		}
		step.Instructions = instr
	}
	return Transition{InstanceID: in.ID, NextStep: step, Context: in.CloneContext()}, nil
}

// terminalTransition returns the persisted terminal state without
// touching the store. Canonical terminal-call behavior: no history, no
// update, no error.
func (e *Engine) terminalTransition(in Instance) (Transition, error) {
	e.logger.Debug("transition refused: instance is terminal",
		"instance", in.ID, "status", in.Status)
	return e.transition(in)
}

// validateStep rejects planner steps that are neither FINISH nor a
// canonical step of the workflow.
func (e *Engine) validateStep(workflow, step string) error {
	if step == StepFinish {
		return nil
	}
	if step == "" {
		return &ErrPlannerResponse{Reason: "empty next_step_name"}
	}
	steps, err := e.defs.StepList(workflow)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s == step {
			return nil
		}
	}
	return &ErrPlannerResponse{Reason: fmt.Sprintf("step %q is not part of workflow %q", step, workflow)}
}

// markFailed best-effort moves an instance to FAILED after an upstream
// fault (planner or definition). Persistence faults skip this — the
// write would fail the same way.
func (e *Engine) markFailed(ctx context.Context, in Instance, cause error) {
	var pe *ErrPersistence
	if errors.As(cause, &pe) {
		return
	}

	in.Status = StatusFailed
	in.UpdatedAt = NowUnixNano()
	if err := e.repo.UpdateInstance(ctx, in); err != nil {
		e.logger.Error("could not mark instance failed", "instance", in.ID, "error", err)
		return
	}
	e.logger.Warn("instance marked failed", "instance", in.ID, "cause", cause)
}

// deriveStatus applies the status precedence: FINISH wins, then the
// planner's suggestion, then the retained fallback.
func deriveStatus(d Decision, fallback Status) Status {
	if d.NextStep == StepFinish {
		return StatusCompleted
	}
	if d.StatusSuggestion != "" {
		return d.StatusSuggestion
	}
	if fallback == "" {
		return StatusRunning
	}
	return fallback
}

// applyUpdates merges planner context updates into the working map.
func applyUpdates(dst map[string]any, updates []ContextUpdate) {
	for _, u := range updates {
		dst[u.Key] = u.Value
	}
}

// marshalReport renders the client report as opaque JSON for history.
func marshalReport(r Report) json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
