package conductor

import "encoding/json"

// --- Instance status ---

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusRunning indicates an instance that is progressing through steps.
	StatusRunning Status = "RUNNING"
	// StatusSuspended indicates an instance parked by the planner, awaiting
	// a resume call from the client.
	StatusSuspended Status = "SUSPENDED"
	// StatusCompleted indicates an instance that reached FINISH. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates an instance abandoned after an unrecoverable
	// fault or an explicit planner suggestion. Terminal.
	StatusFailed Status = "FAILED"
)

// Valid reports whether s is one of the four instance states.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSuspended, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepFinish is the reserved next-step name that signals completion.
const StepFinish = "FINISH"

// OutcomeResuming is the history outcome recorded for resume transitions,
// regardless of what the client's report says.
const OutcomeResuming = "RESUMING"

// CompletedInstructions is the canonical client-instruction text returned
// once an instance reaches FINISH.
const CompletedInstructions = "Workflow Completed."

// --- Database records ---

// Instance is the mutable per-execution record of a workflow.
type Instance struct {
	ID          string `json:"instance_id"`
	Workflow    string `json:"workflow_name"`
	CurrentStep string `json:"current_step_name"` // step name, FINISH, or "" pre-start
	Status      Status `json:"status"`
	// Context is the free-form state bag shared between client, planner,
	// and workflow steps. Values are arbitrary JSON.
	Context     map[string]any `json:"context"`
	CreatedAt   int64          `json:"created_at"`   // unix nanoseconds
	UpdatedAt   int64          `json:"updated_at"`   // unix nanoseconds
	CompletedAt int64          `json:"completed_at"` // unix nanoseconds, 0 = not completed
}

// CloneContext returns a copy of the instance context so callers can
// mutate it without aliasing the stored map.
func (in Instance) CloneContext() map[string]any {
	out := make(map[string]any, len(in.Context))
	for k, v := range in.Context {
		out[k] = v
	}
	return out
}

// HistoryEntry is one record of the append-only per-instance event log.
type HistoryEntry struct {
	HistoryID  int64  `json:"history_id"`
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"` // unix nanoseconds
	// StepName is the step being reported on — the persisted step for
	// advance, the client's assumed step for resume.
	StepName   string          `json:"step_name"`
	UserReport json.RawMessage `json:"user_report"`
	// OutcomeStatus is the client's claim about the step: "success",
	// "failure", "in_progress", "clarification_provided", RESUMING, ...
	OutcomeStatus string `json:"outcome_status"`
	// DeterminedNextStep records the planner's choice, for audit.
	DeterminedNextStep string `json:"determined_next_step,omitempty"`
}

// --- Client report ---

// Report is the client's structured feedback on the previously issued step.
// Only Status is interpreted by the engine; the rest is opaque and is
// persisted verbatim into history.
type Report struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Outcome returns the report status, defaulting to "unknown" when absent.
func (r Report) Outcome() string {
	if r.Status == "" {
		return "unknown"
	}
	return r.Status
}

// --- Planner decision ---

// Usage counts the tokens one planner call consumed.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ContextUpdate is one key/value pair the planner wants merged into the
// instance context. Value is arbitrary JSON.
type ContextUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Decision is the planner's structured answer for one transition.
type Decision struct {
	// NextStep is FINISH or a canonical step ID of the workflow.
	NextStep string `json:"next_step_name"`
	// ContextUpdates are applied onto the working context, overriding
	// both stored and client-supplied values on key conflict.
	ContextUpdates []ContextUpdate `json:"updated_context"`
	// StatusSuggestion optionally moves the instance to a non-default
	// status (e.g. SUSPENDED, FAILED). Empty = no suggestion.
	StatusSuggestion Status `json:"status_suggestion,omitempty"`
	// Reasoning is the planner's free-text rationale, for logs only.
	Reasoning string `json:"reasoning,omitempty"`
	// Usage is the provider-reported token count for this call. Not part
	// of the decision schema; carried for observability.
	Usage Usage `json:"-"`
}

// --- Transition result ---

// Step pairs a step name with its client instructions.
type Step struct {
	Name         string `json:"step_name"`
	Instructions string `json:"instructions"`
}

// Transition is the shared return shape of Start, Advance, and Resume.
type Transition struct {
	InstanceID string         `json:"instance_id"`
	NextStep   Step           `json:"next_step"`
	Context    map[string]any `json:"current_context"`
}
