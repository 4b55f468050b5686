package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/conductor"
)

// withTestServer points the package baseURL at a test server for the
// duration of one test.
func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	old := baseURL
	baseURL = srv.URL
	t.Cleanup(func() {
		baseURL = old
		srv.Close()
	})
}

// decisionBody wraps a decision JSON string into a Gemini response
// envelope.
func decisionBody(decision string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"parts": []map[string]any{{"text": decision}},
					"role":  "model",
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     120,
			"candidatesTokenCount": 16,
		},
	})
	return string(b)
}

func TestFirstStepParsesDecision(t *testing.T) {
	var gotBody map[string]any
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(decisionBody(`{"next_step_name":"greet","updated_context":[{"key":"lang","value":"en"}],"status_suggestion":null,"reasoning":"entry step"}`)))
	})

	p := New("key", "gemini-test")
	d, err := p.FirstStep(context.Background(), "THE BLOB")
	if err != nil {
		t.Fatal(err)
	}
	if d.NextStep != "greet" {
		t.Errorf("next = %q", d.NextStep)
	}
	if len(d.ContextUpdates) != 1 || d.ContextUpdates[0].Key != "lang" {
		t.Errorf("updates = %v", d.ContextUpdates)
	}
	if d.Reasoning != "entry step" {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
	if d.Usage.InputTokens != 120 || d.Usage.OutputTokens != 16 {
		t.Errorf("usage = %+v, want 120/16", d.Usage)
	}

	// The request must enforce structured output and carry the blob.
	genCfg, _ := gotBody["generationConfig"].(map[string]any)
	if genCfg["responseMimeType"] != "application/json" {
		t.Error("structured output not enforced")
	}
	if genCfg["responseSchema"] == nil {
		t.Error("responseSchema missing")
	}
	raw, _ := json.Marshal(gotBody)
	if !strings.Contains(string(raw), "THE BLOB") {
		t.Error("definition blob missing from prompt")
	}
}

func TestNextStepPromptCarriesStateAndReport(t *testing.T) {
	var gotBody []byte
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(decisionBody(`{"next_step_name":"farewell","updated_context":[]}`)))
	})

	p := New("key", "gemini-test")
	in := conductor.Instance{
		ID:          "inst-1",
		Workflow:    "GREET",
		CurrentStep: "greet",
		Status:      conductor.StatusRunning,
		Context:     map[string]any{"name": "Ada"},
	}
	recent := []conductor.HistoryEntry{{StepName: "greet", OutcomeStatus: "in_progress"}}

	d, err := p.NextStep(context.Background(), "BLOB", in, conductor.Report{Status: "success", Message: "done"}, recent)
	if err != nil {
		t.Fatal(err)
	}
	if d.NextStep != "farewell" {
		t.Errorf("next = %q", d.NextStep)
	}

	body := string(gotBody)
	for _, want := range []string{"inst-1", "greet", `\"status\":\"success\"`, "in_progress"} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %q", want)
		}
	}
}

func TestReconcilePromptCarriesAssumedStep(t *testing.T) {
	var gotBody []byte
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(decisionBody(`{"next_step_name":"stepC","updated_context":[]}`)))
	})

	p := New("key", "gemini-test")
	in := conductor.Instance{ID: "i", Workflow: "W", CurrentStep: "stepB", Status: conductor.StatusRunning}

	d, err := p.Reconcile(context.Background(), "BLOB", in, "stepA", conductor.Report{Status: "resuming"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.NextStep != "stepC" {
		t.Errorf("next = %q", d.NextStep)
	}
	body := string(gotBody)
	if !strings.Contains(body, "Assumed Current Step") || !strings.Contains(body, "stepA") {
		t.Error("assumed step missing from reconcile prompt")
	}
	if !strings.Contains(body, "stepB") {
		t.Error("persisted step missing from reconcile prompt")
	}
}

func TestInvalidDecisions(t *testing.T) {
	tests := []struct {
		name     string
		decision string
	}{
		{"not json", "step two sounds good"},
		{"missing next step", `{"updated_context":[]}`},
		{"missing updated_context", `{"next_step_name":"greet"}`},
		{"bad status suggestion", `{"next_step_name":"greet","updated_context":[],"status_suggestion":"PONDERING"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(decisionBody(tt.decision)))
			})
			p := New("key", "gemini-test")
			_, err := p.FirstStep(context.Background(), "blob")
			var invalid *conductor.ErrPlannerResponse
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want ErrPlannerResponse", err)
			}
		})
	}
}

func TestAPIErrorWithRetryAfterHeader(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota"}}`))
	})

	p := New("key", "gemini-test")
	_, err := p.FirstStep(context.Background(), "blob")
	var api *conductor.ErrPlannerAPI
	if !errors.As(err, &api) {
		t.Fatalf("err = %v, want ErrPlannerAPI", err)
	}
	if api.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", api.Status)
	}
	if api.RetryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", api.RetryAfter)
	}
}

func TestAPIErrorWithRetryInfoDetail(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"12s"}]}}`))
	})

	p := New("key", "gemini-test")
	_, err := p.FirstStep(context.Background(), "blob")
	var api *conductor.ErrPlannerAPI
	if !errors.As(err, &api) {
		t.Fatalf("err = %v, want ErrPlannerAPI", err)
	}
	if api.RetryAfter != 12*time.Second {
		t.Errorf("retryAfter = %v, want 12s", api.RetryAfter)
	}
}

func TestSafetyBlock(t *testing.T) {
	t.Run("prompt feedback", func(t *testing.T) {
		withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`))
		})
		p := New("key", "gemini-test")
		_, err := p.FirstStep(context.Background(), "blob")
		var safety *conductor.ErrPlannerSafety
		if !errors.As(err, &safety) {
			t.Fatalf("err = %v, want ErrPlannerSafety", err)
		}
	})

	t.Run("finish reason", func(t *testing.T) {
		withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`))
		})
		p := New("key", "gemini-test")
		_, err := p.FirstStep(context.Background(), "blob")
		var safety *conductor.ErrPlannerSafety
		if !errors.As(err, &safety) {
			t.Fatalf("err = %v, want ErrPlannerSafety", err)
		}
	})
}

func TestRequestTimeout(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(decisionBody(`{"next_step_name":"greet","updated_context":[]}`)))
	})

	p := New("key", "gemini-test", WithTimeout(20*time.Millisecond))
	_, err := p.FirstStep(context.Background(), "blob")
	var timeout *conductor.ErrPlannerTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want ErrPlannerTimeout", err)
	}
}

func TestEmptyCandidates(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	})
	p := New("key", "gemini-test")
	_, err := p.FirstStep(context.Background(), "blob")
	var invalid *conductor.ErrPlannerResponse
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ErrPlannerResponse", err)
	}
}
