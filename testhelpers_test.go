package conductor

import (
	"context"
	"sort"
	"sync"
)

// --- In-memory repository (shared across engine and retry tests) ---

// memRepo implements Repository in memory with the same timestamp
// semantics as the real backends: updated_at is stamped at write time,
// completed_at is set once on the first COMPLETED update.
type memRepo struct {
	mu        sync.Mutex
	instances map[string]Instance
	history   []HistoryEntry
	nextID    int64

	// failTransition makes the next RecordTransition fail atomically.
	failTransition error
}

func newMemRepo() *memRepo {
	return &memRepo{instances: make(map[string]Instance), nextID: 1}
}

func (r *memRepo) Init(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

func (r *memRepo) CreateInstance(_ context.Context, in Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[in.ID]; exists {
		return &ErrPersistence{Op: "create instance", Kind: PersistenceQuery, Err: errDuplicate}
	}
	in.Context = cloneMap(in.Context)
	r.instances[in.ID] = in
	return nil
}

func (r *memRepo) GetInstance(_ context.Context, id string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.instances[id]
	if !ok {
		return Instance{}, &ErrInstanceNotFound{ID: id}
	}
	in.Context = cloneMap(in.Context)
	return in, nil
}

func (r *memRepo) UpdateInstance(_ context.Context, in Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(in)
}

func (r *memRepo) updateLocked(in Instance) error {
	existing, ok := r.instances[in.ID]
	if !ok {
		return &ErrInstanceNotFound{ID: in.ID}
	}
	now := NowUnixNano()
	existing.CurrentStep = in.CurrentStep
	existing.Status = in.Status
	existing.Context = cloneMap(in.Context)
	existing.UpdatedAt = now
	if existing.CompletedAt == 0 && in.Status == StatusCompleted {
		existing.CompletedAt = now
	}
	r.instances[in.ID] = existing
	return nil
}

func (r *memRepo) DeleteInstance(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return &ErrInstanceNotFound{ID: id}
	}
	delete(r.instances, id)
	kept := r.history[:0]
	for _, e := range r.history {
		if e.InstanceID != id {
			kept = append(kept, e)
		}
	}
	r.history = kept
	return nil
}

func (r *memRepo) AppendHistory(_ context.Context, e HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendLocked(e)
	return nil
}

func (r *memRepo) appendLocked(e HistoryEntry) {
	e.HistoryID = r.nextID
	r.nextID++
	r.history = append(r.history, e)
}

func (r *memRepo) History(_ context.Context, instanceID string, limit int) ([]HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEntry
	for _, e := range r.history {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HistoryID > out[j].HistoryID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) RecordTransition(_ context.Context, e HistoryEntry, in Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTransition != nil {
		err := r.failTransition
		r.failTransition = nil
		return err
	}
	if err := r.updateLocked(in); err != nil {
		return err
	}
	r.appendLocked(e)
	return nil
}

// historyFor returns all entries for one instance, oldest first.
func (r *memRepo) historyFor(id string) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []HistoryEntry
	for _, e := range r.history {
		if e.InstanceID == id {
			out = append(out, e)
		}
	}
	return out
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errDuplicate = sentinelError("duplicate instance id")

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- In-memory definition source ---

type memDef struct {
	blob  string
	steps []string
	instr map[string]string
}

type memDefs struct {
	workflows map[string]memDef
}

func (d *memDefs) ListWorkflows() ([]string, error) {
	var names []string
	for name := range d.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *memDefs) DefinitionBlob(name string) (string, error) {
	w, ok := d.workflows[name]
	if !ok {
		return "", &ErrDefinitionNotFound{Workflow: name}
	}
	return w.blob, nil
}

func (d *memDefs) StepInstructions(name, stepID string) (string, error) {
	w, ok := d.workflows[name]
	if !ok {
		return "", &ErrDefinitionNotFound{Workflow: name}
	}
	instr, ok := w.instr[stepID]
	if !ok {
		return "", &ErrDefinitionNotFound{Workflow: name, Path: "step " + stepID}
	}
	return instr, nil
}

func (d *memDefs) StepList(name string) ([]string, error) {
	w, ok := d.workflows[name]
	if !ok {
		return nil, &ErrDefinitionNotFound{Workflow: name}
	}
	return w.steps, nil
}

// greetDefs is a two-step workflow used across engine tests.
func greetDefs() *memDefs {
	return &memDefs{workflows: map[string]memDef{
		"GREET": {
			blob:  "# GREET\n\n---\n\n## Step: greet\nSay hello.\n\n---\n\n## Step: farewell\nSay goodbye.",
			steps: []string{"greet", "farewell"},
			instr: map[string]string{
				"greet":    "Greet the user warmly.",
				"farewell": "Bid the user farewell.",
			},
		},
	}}
}

// --- Scripted planner stub (engine-test local, in the intent+step style) ---

type stubPlanner struct {
	mu        sync.Mutex
	first     Decision
	next      map[string]Decision // keyed by current step
	reconcile map[string]Decision // keyed by assumed step
	failures  []error
	calls     int
}

func (p *stubPlanner) Name() string { return "stub" }

func (p *stubPlanner) pop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

func (p *stubPlanner) FirstStep(context.Context, string) (Decision, error) {
	if err := p.pop(); err != nil {
		return Decision{}, err
	}
	return p.first, nil
}

func (p *stubPlanner) NextStep(_ context.Context, _ string, in Instance, _ Report, _ []HistoryEntry) (Decision, error) {
	if err := p.pop(); err != nil {
		return Decision{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.next[in.CurrentStep]; ok {
		return d, nil
	}
	return Decision{NextStep: StepFinish, ContextUpdates: []ContextUpdate{}}, nil
}

func (p *stubPlanner) Reconcile(_ context.Context, _ string, _ Instance, assumed string, _ Report, _ []HistoryEntry) (Decision, error) {
	if err := p.pop(); err != nil {
		return Decision{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.reconcile[assumed]; ok {
		return d, nil
	}
	return Decision{NextStep: StepFinish, ContextUpdates: []ContextUpdate{}}, nil
}

func decide(step string, updates ...ContextUpdate) Decision {
	if updates == nil {
		updates = []ContextUpdate{}
	}
	return Decision{NextStep: step, ContextUpdates: updates}
}
