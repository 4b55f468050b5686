package conductor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --- Definition errors ---

// ErrDefinitionNotFound reports a workflow whose directory, index, or a
// referenced step file does not exist.
type ErrDefinitionNotFound struct {
	Workflow string
	Path     string // offending path, when known
}

func (e *ErrDefinitionNotFound) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("workflow %q: definition not found: %s", e.Workflow, e.Path)
	}
	return fmt.Sprintf("workflow %q: definition not found", e.Workflow)
}

// ErrDefinitionParse reports a workflow directory that exists but cannot
// be parsed: malformed step list, missing mandatory headers, duplicate
// step IDs, or include failures.
type ErrDefinitionParse struct {
	Workflow string
	File     string // file being parsed, when known
	Reason   string
	// Chain is the include chain for include-depth and circular-include
	// failures, innermost last.
	Chain []string
}

func (e *ErrDefinitionParse) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %q", e.Workflow)
	if e.File != "" {
		fmt.Fprintf(&b, ": %s", e.File)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if len(e.Chain) > 0 {
		fmt.Fprintf(&b, " (chain: %s)", strings.Join(e.Chain, " -> "))
	}
	return b.String()
}

// --- Persistence errors ---

// ErrInstanceNotFound reports a lookup of an instance ID with no record.
type ErrInstanceNotFound struct {
	ID string
}

func (e *ErrInstanceNotFound) Error() string {
	return fmt.Sprintf("instance %q not found", e.ID)
}

// PersistenceKind classifies repository faults.
type PersistenceKind string

const (
	// PersistenceConnection means the store is unreachable or the
	// connection was lost mid-call.
	PersistenceConnection PersistenceKind = "connection"
	// PersistenceQuery means a constraint or integrity violation.
	PersistenceQuery PersistenceKind = "query"
)

// ErrPersistence wraps a repository fault with its operation and kind.
type ErrPersistence struct {
	Op   string
	Kind PersistenceKind
	Err  error
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("persistence %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ErrPersistence) Unwrap() error { return e.Err }

// --- Planner errors ---

// ErrPlannerResponse reports a planner answer that fails schema or
// semantic validation (including a next step not in the workflow).
type ErrPlannerResponse struct {
	Reason string
}

func (e *ErrPlannerResponse) Error() string {
	return "planner: invalid response: " + e.Reason
}

// ErrPlannerTimeout reports an LLM call that exceeded its deadline.
type ErrPlannerTimeout struct {
	Planner string
}

func (e *ErrPlannerTimeout) Error() string {
	return e.Planner + ": request timed out"
}

// ErrPlannerAPI reports a non-2xx answer from the LLM service.
type ErrPlannerAPI struct {
	Status int
	Body   string
	// RetryAfter is the server-requested delay before the next attempt,
	// parsed from the Retry-After header or a google.rpc.RetryInfo
	// detail. Zero when the server sent none.
	RetryAfter time.Duration
}

func (e *ErrPlannerAPI) Error() string {
	return fmt.Sprintf("planner http %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth one more attempt.
func (e *ErrPlannerAPI) Transient() bool {
	return e.Status >= 500 && e.Status <= 599
}

// ErrPlannerSafety reports a request blocked by the provider's safety
// or moderation layer. Never retried.
type ErrPlannerSafety struct {
	Reason string
}

func (e *ErrPlannerSafety) Error() string {
	return "planner: blocked by safety filter: " + e.Reason
}

// ErrTerminalInstance reports a mutating call against a COMPLETED or
// FAILED instance. The engine never returns it: Advance and Resume on a
// terminal instance return the terminal state silently.
type ErrTerminalInstance struct {
	ID     string
	Status Status
}

func (e *ErrTerminalInstance) Error() string {
	return fmt.Sprintf("instance %q is %s and accepts no transitions", e.ID, e.Status)
}

// ParseRetryAfter parses an HTTP Retry-After header value: either a
// delay in seconds or an HTTP-date. Returns 0 when absent or malformed.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
