package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nevindra/conductor"
)

// --- Tool requests ---

type startWorkflowRequest struct {
	WorkflowName string         `json:"workflow_name"`
	Context      map[string]any `json:"context,omitempty"`
}

type statusRequest struct {
	InstanceID string `json:"instance_id"`
}

type advanceWorkflowRequest struct {
	InstanceID     string           `json:"instance_id"`
	Report         conductor.Report `json:"report"`
	ContextUpdates map[string]any   `json:"context_updates,omitempty"`
}

type resumeWorkflowRequest struct {
	InstanceID         string           `json:"instance_id"`
	AssumedCurrentStep string           `json:"assumed_current_step_name"`
	Report             conductor.Report `json:"report"`
	ContextUpdates     map[string]any   `json:"context_updates,omitempty"`
}

// --- Dispatch ---

// callTool routes one tools/call invocation to its engine operation.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) toolCallResult {
	switch name {
	case "list_workflows":
		return s.listWorkflows(ctx)
	case "start_workflow":
		return s.startWorkflow(ctx, args)
	case "get_workflow_status":
		return s.getWorkflowStatus(ctx, args)
	case "advance_workflow":
		return s.advanceWorkflow(ctx, args)
	case "resume_workflow":
		return s.resumeWorkflow(ctx, args)
	default:
		return errorResult("unknown tool: " + name)
	}
}

func (s *Server) listWorkflows(ctx context.Context) toolCallResult {
	names, err := s.engine.Workflows(ctx)
	if err != nil {
		return mapError(err)
	}
	if names == nil {
		names = []string{}
	}
	return jsonResult(map[string]any{"workflows": names})
}

func (s *Server) startWorkflow(ctx context.Context, args json.RawMessage) toolCallResult {
	var req startWorkflowRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errorResult("invalid request: " + err.Error())
	}
	if req.WorkflowName == "" {
		return errorResult("invalid request: workflow_name is required")
	}

	t, err := s.engine.Start(ctx, req.WorkflowName, req.Context)
	if err != nil {
		return mapError(err)
	}
	return jsonResult(t)
}

func (s *Server) getWorkflowStatus(ctx context.Context, args json.RawMessage) toolCallResult {
	var req statusRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errorResult("invalid request: " + err.Error())
	}
	if req.InstanceID == "" {
		return errorResult("invalid request: instance_id is required")
	}

	in, err := s.engine.Status(ctx, req.InstanceID)
	if err != nil {
		return mapError(err)
	}
	return jsonResult(statusProjection(in))
}

func (s *Server) advanceWorkflow(ctx context.Context, args json.RawMessage) toolCallResult {
	var req advanceWorkflowRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errorResult("invalid request: " + err.Error())
	}
	if req.InstanceID == "" {
		return errorResult("invalid request: instance_id is required")
	}

	t, err := s.engine.Advance(ctx, req.InstanceID, req.Report, req.ContextUpdates)
	if err != nil {
		return mapError(err)
	}
	return jsonResult(t)
}

func (s *Server) resumeWorkflow(ctx context.Context, args json.RawMessage) toolCallResult {
	var req resumeWorkflowRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errorResult("invalid request: " + err.Error())
	}
	if req.InstanceID == "" {
		return errorResult("invalid request: instance_id is required")
	}
	if req.AssumedCurrentStep == "" {
		return errorResult("invalid request: assumed_current_step_name is required")
	}

	t, err := s.engine.Resume(ctx, req.InstanceID, req.AssumedCurrentStep, req.Report, req.ContextUpdates)
	if err != nil {
		return mapError(err)
	}
	return jsonResult(t)
}

// statusProjection renders an instance for clients, adding ISO-8601
// timestamps next to the raw nanosecond values.
func statusProjection(in conductor.Instance) map[string]any {
	proj := map[string]any{
		"instance_id":       in.ID,
		"workflow_name":     in.Workflow,
		"current_step_name": in.CurrentStep,
		"status":            in.Status,
		"context":           in.Context,
		"created_at":        in.CreatedAt,
		"created_at_iso":    isoTime(in.CreatedAt),
		"updated_at":        in.UpdatedAt,
		"updated_at_iso":    isoTime(in.UpdatedAt),
		"completed_at":      in.CompletedAt,
	}
	if in.CompletedAt != 0 {
		proj["completed_at_iso"] = isoTime(in.CompletedAt)
	}
	return proj
}

func isoTime(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

// jsonResult marshals v into a text content block.
func jsonResult(v any) toolCallResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("internal error: encode result: " + err.Error())
	}
	return textResult(string(b))
}

// mapError converts engine errors into client-facing tool errors,
// keeping the taxonomy visible without leaking internals.
func mapError(err error) toolCallResult {
	var (
		defNotFound  *conductor.ErrDefinitionNotFound
		defParse     *conductor.ErrDefinitionParse
		instNotFound *conductor.ErrInstanceNotFound
		persistence  *conductor.ErrPersistence
		aiResponse   *conductor.ErrPlannerResponse
		aiTimeout    *conductor.ErrPlannerTimeout
		aiAPI        *conductor.ErrPlannerAPI
		aiSafety     *conductor.ErrPlannerSafety
	)
	switch {
	case errors.As(err, &defNotFound):
		return errorResult("workflow not found: " + defNotFound.Workflow)
	case errors.As(err, &defParse):
		return errorResult("workflow definition is invalid: " + defParse.Error())
	case errors.As(err, &instNotFound):
		return errorResult("instance not found: " + instNotFound.ID)
	case errors.As(err, &persistence):
		return errorResult("internal storage error")
	case errors.As(err, &aiResponse), errors.As(err, &aiTimeout),
		errors.As(err, &aiAPI), errors.As(err, &aiSafety):
		return errorResult("upstream AI failure: " + err.Error())
	default:
		return errorResult("internal error: " + err.Error())
	}
}

// --- Tool definitions ---

// toolDefinitions describes the five orchestration tools.
func toolDefinitions() []toolDefinition {
	reportSchema := map[string]any{
		"type":        "object",
		"description": "Structured feedback about the outcome of the previously issued step.",
		"properties": map[string]any{
			"status":  map[string]any{"type": "string", "description": "success, failure, in_progress, clarification_provided, ..."},
			"details": map[string]any{"type": "object"},
			"message": map[string]any{"type": "string"},
			"error":   map[string]any{"type": "string"},
		},
	}
	contextSchema := map[string]any{
		"type":                 "object",
		"description":          "String-keyed map of arbitrary JSON values.",
		"additionalProperties": true,
	}

	return []toolDefinition{
		{
			Name:        "list_workflows",
			Description: "List the names of all available workflow definitions.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "start_workflow",
			Description: "Start a new instance of a workflow and receive the first step's instructions.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"workflow_name": map[string]any{"type": "string"},
					"context":       contextSchema,
				},
				"required": []string{"workflow_name"},
			},
		},
		{
			Name:        "get_workflow_status",
			Description: "Fetch the full persisted state of a workflow instance.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instance_id": map[string]any{"type": "string"},
				},
				"required": []string{"instance_id"},
			},
		},
		{
			Name:        "advance_workflow",
			Description: "Report the outcome of the current step and receive the next step's instructions.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instance_id":     map[string]any{"type": "string"},
					"report":          reportSchema,
					"context_updates": contextSchema,
				},
				"required": []string{"instance_id", "report"},
			},
		},
		{
			Name:        "resume_workflow",
			Description: "Reconnect to an instance after losing local state: report the assumed current step and let the orchestrator reconcile.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"instance_id":               map[string]any{"type": "string"},
					"assumed_current_step_name": map[string]any{"type": "string"},
					"report":                    reportSchema,
					"context_updates":           contextSchema,
				},
				"required": []string{"instance_id", "assumed_current_step_name", "report"},
			},
		},
	}
}
