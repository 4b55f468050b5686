// Package scripted implements a deterministic conductor.Planner for
// tests and offline development (USE_STUB_AI_CLIENT).
//
// By default the planner walks the workflow sequentially: the first
// step of the definition blob, then each step's successor, then FINISH.
// Specific answers can be scripted per intent and step, and transient
// failures can be injected to exercise retry behavior. The engine
// cannot tell it apart from a real planner.
package scripted

import (
	"context"
	"strings"
	"sync"

	"github.com/nevindra/conductor"
)

// stepHeaderPrefix labels step sections inside a definition blob.
const stepHeaderPrefix = "## Step: "

// Planner is a scripted conductor.Planner.
type Planner struct {
	mu        sync.Mutex
	first     *conductor.Decision
	next      map[string]conductor.Decision
	reconcile map[string]conductor.Decision
	failures  []error
}

var _ conductor.Planner = (*Planner)(nil)

// Option scripts one behavior of the planner.
type Option func(*Planner)

// OnFirst scripts the answer for the first-step intent.
func OnFirst(d conductor.Decision) Option {
	return func(p *Planner) { p.first = &d }
}

// OnNext scripts the answer for the next-step intent when the instance
// is on the given step.
func OnNext(step string, d conductor.Decision) Option {
	return func(p *Planner) { p.next[step] = d }
}

// OnReconcile scripts the answer for the reconcile intent when the
// client assumes the given step.
func OnReconcile(assumedStep string, d conductor.Decision) Option {
	return func(p *Planner) { p.reconcile[assumedStep] = d }
}

// FailOnce queues an error that the next planner call returns instead
// of deciding. Queue multiple to fail several calls in a row.
func FailOnce(err error) Option {
	return func(p *Planner) { p.failures = append(p.failures, err) }
}

// New creates a scripted planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		next:      make(map[string]conductor.Decision),
		reconcile: make(map[string]conductor.Decision),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "scripted".
func (p *Planner) Name() string { return "scripted" }

// FirstStep returns the scripted first decision, or the first step of
// the definition blob.
func (p *Planner) FirstStep(_ context.Context, blob string) (conductor.Decision, error) {
	if err := p.popFailure(); err != nil {
		return conductor.Decision{}, err
	}
	p.mu.Lock()
	scripted := p.first
	p.mu.Unlock()
	if scripted != nil {
		return *scripted, nil
	}

	steps := stepsFromBlob(blob)
	if len(steps) == 0 {
		return conductor.Decision{NextStep: conductor.StepFinish, ContextUpdates: []conductor.ContextUpdate{}}, nil
	}
	return conductor.Decision{NextStep: steps[0], ContextUpdates: []conductor.ContextUpdate{}}, nil
}

// NextStep returns the scripted decision for the instance's current
// step, or its successor in the blob (FINISH after the last step).
func (p *Planner) NextStep(_ context.Context, blob string, in conductor.Instance, _ conductor.Report, _ []conductor.HistoryEntry) (conductor.Decision, error) {
	if err := p.popFailure(); err != nil {
		return conductor.Decision{}, err
	}
	p.mu.Lock()
	d, ok := p.next[in.CurrentStep]
	p.mu.Unlock()
	if ok {
		return d, nil
	}
	return successor(blob, in.CurrentStep), nil
}

// Reconcile returns the scripted decision for the assumed step, or the
// assumed step's successor in the blob.
func (p *Planner) Reconcile(_ context.Context, blob string, _ conductor.Instance, assumedStep string, _ conductor.Report, _ []conductor.HistoryEntry) (conductor.Decision, error) {
	if err := p.popFailure(); err != nil {
		return conductor.Decision{}, err
	}
	p.mu.Lock()
	d, ok := p.reconcile[assumedStep]
	p.mu.Unlock()
	if ok {
		return d, nil
	}
	return successor(blob, assumedStep), nil
}

// popFailure dequeues the next injected error, if any.
func (p *Planner) popFailure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

// successor picks the step after current in blob order, or FINISH.
func successor(blob, current string) conductor.Decision {
	steps := stepsFromBlob(blob)
	for i, s := range steps {
		if s == current && i+1 < len(steps) {
			return conductor.Decision{NextStep: steps[i+1], ContextUpdates: []conductor.ContextUpdate{}}
		}
	}
	return conductor.Decision{NextStep: conductor.StepFinish, ContextUpdates: []conductor.ContextUpdate{}}
}

// stepsFromBlob recovers the canonical step order from the "## Step: "
// headers of a definition blob.
func stepsFromBlob(blob string) []string {
	var steps []string
	for _, line := range strings.Split(blob, "\n") {
		if rest, ok := strings.CutPrefix(line, stepHeaderPrefix); ok {
			if s := strings.TrimSpace(rest); s != "" {
				steps = append(steps, s)
			}
		}
	}
	return steps
}
