package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/conductor"
)

// systemPreamble states the model's role and obligates JSON-only output
// in the decision shape. Sent as the system instruction on every call.
const systemPreamble = `You are the orchestrator of a multi-step workflow. You are given the full
workflow definition, the persisted state of one running instance, and the
client's latest report. Your job is to pick the single next step.

Obey the "# Orchestrator Guidance" section of each step: it tells you how
to judge reports and when to move on, repeat, or branch.

Respond with JSON only, conforming exactly to this shape:

{
  "next_step_name": "<a step name from the definition, or FINISH>",
  "updated_context": [{"key": "<string>", "value": <any JSON>}],
  "status_suggestion": "RUNNING" | "SUSPENDED" | "COMPLETED" | "FAILED" | null,
  "reasoning": "<brief rationale>" | null
}

"updated_context" is required; use [] when nothing changes. Use
"FINISH" as next_step_name when the workflow is done.`

// schemaReminder closes every prompt.
const schemaReminder = `Remember: answer with a single JSON object in the decision shape —
next_step_name (required), updated_context (required, may be []),
status_suggestion (optional), reasoning (optional). No other text.`

// buildFirstStepPrompt composes the prompt for the first-step intent.
func buildFirstStepPrompt(blob string) string {
	var b strings.Builder
	writeDefinition(&b, blob)
	b.WriteString("## Task\n\nDetermine the very first step of this workflow.\n\n")
	b.WriteString(schemaReminder)
	return b.String()
}

// buildNextStepPrompt composes the prompt for the next-step intent.
func buildNextStepPrompt(blob string, in conductor.Instance, report conductor.Report, recent []conductor.HistoryEntry) string {
	var b strings.Builder
	writeDefinition(&b, blob)
	writeInstance(&b, in)
	writeHistory(&b, recent)
	writeReport(&b, report)
	b.WriteString("## Task\n\nDetermine the next step given the user's report on the current step.\n\n")
	b.WriteString(schemaReminder)
	return b.String()
}

// buildReconcilePrompt composes the prompt for the reconcile intent,
// carrying both the persisted and the client-assumed step.
func buildReconcilePrompt(blob string, in conductor.Instance, assumedStep string, report conductor.Report, recent []conductor.HistoryEntry) string {
	var b strings.Builder
	writeDefinition(&b, blob)
	writeInstance(&b, in)
	fmt.Fprintf(&b, "## Client's Assumed Current Step\n\n%s\n\n", assumedStep)
	writeHistory(&b, recent)
	writeReport(&b, report)
	b.WriteString("## Task\n\nThe client reconnected after losing its own state. Reconcile the ")
	b.WriteString("client's assumed step with the persisted state above and determine the next step.\n\n")
	b.WriteString(schemaReminder)
	return b.String()
}

func writeDefinition(b *strings.Builder, blob string) {
	b.WriteString("## Workflow Definition\n\n")
	b.WriteString(blob)
	b.WriteString("\n\n")
}

func writeInstance(b *strings.Builder, in conductor.Instance) {
	state, _ := json.MarshalIndent(map[string]any{
		"instance_id":       in.ID,
		"workflow_name":     in.Workflow,
		"current_step_name": in.CurrentStep,
		"status":            in.Status,
		"context":           in.Context,
	}, "", "  ")
	fmt.Fprintf(b, "## Current Instance State\n\n%s\n\n", state)
}

func writeHistory(b *strings.Builder, recent []conductor.HistoryEntry) {
	if len(recent) == 0 {
		return
	}
	b.WriteString("## Recent History (most recent first)\n\n")
	for _, e := range recent {
		entry, _ := json.Marshal(map[string]any{
			"step_name":            e.StepName,
			"outcome_status":       e.OutcomeStatus,
			"user_report":          e.UserReport,
			"determined_next_step": e.DeterminedNextStep,
		})
		b.Write(entry)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeReport(b *strings.Builder, report conductor.Report) {
	raw, _ := json.Marshal(report)
	fmt.Fprintf(b, "## User Report\n\n%s\n\n", raw)
}
