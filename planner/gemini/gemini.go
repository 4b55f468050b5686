// Package gemini implements the conductor.Planner contract against the
// Google Gemini API. Structured output is enforced with a responseSchema
// so the model can only answer in the decision shape.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nevindra/conductor"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

const defaultTimeout = 60 * time.Second

// Planner implements conductor.Planner for Google Gemini models.
type Planner struct {
	apiKey     string
	model      string
	httpClient *http.Client

	temperature float64
	topP        float64
	timeout     time.Duration
}

var _ conductor.Planner = (*Planner)(nil)

// New creates a Gemini planner with functional options.
func New(apiKey, model string, opts ...Option) *Planner {
	p := &Planner{
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{},
		temperature: 0.1,
		topP:        0.9,
		timeout:     defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "gemini".
func (p *Planner) Name() string { return "gemini" }

// FirstStep asks the model for the entry step of a workflow.
func (p *Planner) FirstStep(ctx context.Context, blob string) (conductor.Decision, error) {
	return p.decide(ctx, buildFirstStepPrompt(blob))
}

// NextStep asks the model for the step after the client's report.
func (p *Planner) NextStep(ctx context.Context, blob string, in conductor.Instance, report conductor.Report, recent []conductor.HistoryEntry) (conductor.Decision, error) {
	return p.decide(ctx, buildNextStepPrompt(blob, in, report, recent))
}

// Reconcile asks the model to reconcile the client's assumed step with
// the persisted one and pick the true next step.
func (p *Planner) Reconcile(ctx context.Context, blob string, in conductor.Instance, assumedStep string, report conductor.Report, recent []conductor.HistoryEntry) (conductor.Decision, error) {
	return p.decide(ctx, buildReconcilePrompt(blob, in, assumedStep, report, recent))
}

// decide performs one generateContent call and validates the structured
// answer into a Decision.
func (p *Planner) decide(ctx context.Context, prompt string) (conductor.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body := map[string]any{
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": systemPreamble}},
		},
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"temperature":      p.temperature,
			"topP":             p.topP,
			"responseMimeType": "application/json",
			"responseSchema":   decisionSchema,
		},
		"toolConfig": map[string]any{
			"functionCallingConfig": map[string]any{"mode": "NONE"},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "marshal request body: " + err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "create request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return conductor.Decision{}, &conductor.ErrPlannerTimeout{Planner: "gemini"}
		}
		return conductor.Decision{}, &conductor.ErrPlannerAPI{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return conductor.Decision{}, &conductor.ErrPlannerTimeout{Planner: "gemini"}
		}
		return conductor.Decision{}, &conductor.ErrPlannerAPI{Status: resp.StatusCode, Body: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return conductor.Decision{}, httpErr(resp, string(respBody))
	}

	return parseDecision(respBody)
}

// parseDecision extracts and validates the Decision from a Gemini
// response envelope.
func parseDecision(respBody []byte) (conductor.Decision, error) {
	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "parse response JSON: " + err.Error()}
	}

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return conductor.Decision{}, &conductor.ErrPlannerSafety{Reason: parsed.PromptFeedback.BlockReason}
	}
	if len(parsed.Candidates) == 0 {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "no candidates in response"}
	}
	cand := parsed.Candidates[0]
	if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
		return conductor.Decision{}, &conductor.ErrPlannerSafety{Reason: "finish reason " + cand.FinishReason}
	}

	var content strings.Builder
	for _, part := range cand.Content.Parts {
		if part.Text != nil {
			content.WriteString(*part.Text)
		}
	}

	var raw struct {
		NextStep         string                     `json:"next_step_name"`
		ContextUpdates   *[]conductor.ContextUpdate `json:"updated_context"`
		StatusSuggestion *string                    `json:"status_suggestion"`
		Reasoning        *string                    `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content.String()), &raw); err != nil {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "decision is not valid JSON: " + err.Error()}
	}

	if raw.NextStep == "" {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "missing next_step_name"}
	}
	if raw.ContextUpdates == nil {
		return conductor.Decision{}, &conductor.ErrPlannerResponse{Reason: "missing updated_context"}
	}

	d := conductor.Decision{
		NextStep:       raw.NextStep,
		ContextUpdates: *raw.ContextUpdates,
	}
	if raw.StatusSuggestion != nil && *raw.StatusSuggestion != "" {
		s := conductor.Status(*raw.StatusSuggestion)
		if !s.Valid() {
			return conductor.Decision{}, &conductor.ErrPlannerResponse{
				Reason: fmt.Sprintf("status_suggestion %q is not a valid status", *raw.StatusSuggestion),
			}
		}
		d.StatusSuggestion = s
	}
	if raw.Reasoning != nil {
		d.Reasoning = *raw.Reasoning
	}
	if parsed.UsageMetadata != nil {
		d.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		d.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return d, nil
}

// isTimeout reports whether err is a deadline or transport timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// httpErr creates an ErrPlannerAPI from an HTTP response, extracting
// the retry delay from the Retry-After header or from the Gemini
// google.rpc.RetryInfo detail in the JSON error body.
func httpErr(resp *http.Response, body string) *conductor.ErrPlannerAPI {
	ra := conductor.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &conductor.ErrPlannerAPI{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body
// containing a google.rpc.RetryInfo detail. Returns 0 if not found.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *promptFeedback   `json:"promptFeedback"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text *string `json:"text,omitempty"`
}

// decisionSchema is the responseSchema sent with every request so the
// model can only answer in the decision shape.
var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"next_step_name": map[string]any{"type": "string"},
		"updated_context": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"key":   map[string]any{"type": "string"},
					"value": map[string]any{},
				},
				"required": []string{"key"},
			},
		},
		"status_suggestion": map[string]any{"type": "string", "nullable": true},
		"reasoning":         map[string]any{"type": "string", "nullable": true},
	},
	"required": []string{"next_step_name", "updated_context"},
}
