package observer

import (
	"context"
	"errors"
	"testing"

	lognoop "go.opentelemetry.io/otel/log/noop"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/nevindra/conductor"
)

func noopInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := NewInstruments(
		tracenoop.NewTracerProvider().Tracer("test"),
		metricnoop.NewMeterProvider().Meter("test"),
		lognoop.NewLoggerProvider().Logger("test"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

// readerInstruments builds instruments on a manual reader so tests can
// assert what the counters actually record.
func readerInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := NewInstruments(
		tracenoop.NewTracerProvider().Tracer("test"),
		mp.Meter("test"),
		lognoop.NewLoggerProvider().Logger("test"),
	)
	if err != nil {
		t.Fatal(err)
	}
	return inst, reader
}

// sumOf collects and totals all data points of one int64 sum metric.
func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

// fakePlanner returns canned decisions/errors.
type fakePlanner struct {
	err   error
	usage conductor.Usage
	calls int
}

func (p *fakePlanner) Name() string { return "fake" }

func (p *fakePlanner) decide() (conductor.Decision, error) {
	p.calls++
	if p.err != nil {
		return conductor.Decision{}, p.err
	}
	return conductor.Decision{
		NextStep:       "s",
		ContextUpdates: []conductor.ContextUpdate{},
		Usage:          p.usage,
	}, nil
}

func (p *fakePlanner) FirstStep(context.Context, string) (conductor.Decision, error) {
	return p.decide()
}
func (p *fakePlanner) NextStep(context.Context, string, conductor.Instance, conductor.Report, []conductor.HistoryEntry) (conductor.Decision, error) {
	return p.decide()
}
func (p *fakePlanner) Reconcile(context.Context, string, conductor.Instance, string, conductor.Report, []conductor.HistoryEntry) (conductor.Decision, error) {
	return p.decide()
}

func TestObservedPlannerDelegates(t *testing.T) {
	inner := &fakePlanner{}
	p := Planner(inner, noopInstruments(t))

	if p.Name() != "fake" {
		t.Errorf("name = %q", p.Name())
	}

	d, err := p.FirstStep(context.Background(), "blob")
	if err != nil || d.NextStep != "s" {
		t.Fatalf("first = %+v, %v", d, err)
	}
	if _, err := p.NextStep(context.Background(), "b", conductor.Instance{}, conductor.Report{}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reconcile(context.Background(), "b", conductor.Instance{}, "s", conductor.Report{}, nil); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d", inner.calls)
	}
}

func TestObservedPlannerPassesErrorsThrough(t *testing.T) {
	want := &conductor.ErrPlannerTimeout{Planner: "fake"}
	p := Planner(&fakePlanner{err: want}, noopInstruments(t))

	_, err := p.FirstStep(context.Background(), "blob")
	var timeout *conductor.ErrPlannerTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want the inner error unchanged", err)
	}
}

func TestObservedPlannerRecordsRequestsAndTokens(t *testing.T) {
	inst, reader := readerInstruments(t)
	p := Planner(&fakePlanner{usage: conductor.Usage{InputTokens: 120, OutputTokens: 16}}, inst)

	if _, err := p.FirstStep(context.Background(), "blob"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.NextStep(context.Background(), "b", conductor.Instance{}, conductor.Report{}, nil); err != nil {
		t.Fatal(err)
	}

	if got := sumOf(t, reader, "conductor.planner.requests"); got != 2 {
		t.Errorf("planner requests = %d, want 2", got)
	}
	if got := sumOf(t, reader, "conductor.planner.tokens"); got != 2*(120+16) {
		t.Errorf("token usage = %d, want %d", got, 2*(120+16))
	}
}

func TestTransitionHookCountsTransitions(t *testing.T) {
	inst, reader := readerInstruments(t)
	hook := TransitionHook(inst)

	in := conductor.Instance{ID: "i", Workflow: "GREET", Status: conductor.StatusRunning}
	hook(context.Background(), "start", in)
	hook(context.Background(), "advance", in)
	in.Status = conductor.StatusCompleted
	hook(context.Background(), "advance", in)

	if got := sumOf(t, reader, "conductor.engine.transitions"); got != 3 {
		t.Errorf("transitions = %d, want 3", got)
	}
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&conductor.ErrPlannerTimeout{Planner: "x"}, "timeout"},
		{&conductor.ErrPlannerAPI{Status: 500}, "api_error"},
		{&conductor.ErrPlannerResponse{Reason: "r"}, "invalid_response"},
		{&conductor.ErrPlannerSafety{Reason: "r"}, "safety"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeOf(tt.err); got != tt.want {
			t.Errorf("outcomeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
