// Package definition loads, parses, validates, and caches workflow
// definitions from a directory tree.
//
// A base directory holds one subdirectory per workflow. Each workflow
// directory contains an index.md whose first step-link list names the
// canonical steps, and a steps/ directory with one Markdown file per
// step carrying mandatory "# Orchestrator Guidance" and
// "# Client Instructions" sections.
//
// Parsed definitions are cached in memory alongside a content
// fingerprint over every file in the workflow directory; each view call
// recomputes the fingerprint and re-parses when the files changed, so
// workflow authors can edit live without restarting the server.
package definition

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nevindra/conductor"
)

// blobDelimiter separates the index and step sections of the
// definition blob.
const blobDelimiter = "\n\n---\n\n"

// stepHeaderPrefix labels each step section inside the blob.
const stepHeaderPrefix = "## Step: "

// Definition is one parsed workflow: its canonical step order, the
// per-step client instructions, and the deterministic full-text blob
// handed to the planner.
type Definition struct {
	Name         string
	Steps        []string
	Instructions map[string]string
	Blob         string
}

// Service implements conductor.DefinitionSource over a base directory.
type Service struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]*cachedDefinition
}

type cachedDefinition struct {
	def         *Definition
	fingerprint string
}

var _ conductor.DefinitionSource = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a structured logger. When set, the service logs cache
// invalidations and parse failures. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a definition Service rooted at baseDir.
func New(baseDir string, opts ...Option) *Service {
	s := &Service{
		baseDir: baseDir,
		logger:  slog.New(nopHandler{}),
		cache:   make(map[string]*cachedDefinition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nopHandler discards all log records.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// ListWorkflows returns the names of all workflow subdirectories,
// sorted. A workflow directory is any subdirectory of the base dir.
func (s *Service) ListWorkflows() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, &conductor.ErrDefinitionNotFound{Workflow: "", Path: s.baseDir}
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// DefinitionBlob returns the assembled full-text definition of one
// workflow, re-parsing if the files changed since the last call.
func (s *Service) DefinitionBlob(name string) (string, error) {
	def, err := s.load(name)
	if err != nil {
		return "", err
	}
	return def.Blob, nil
}

// StepInstructions returns the verbatim "# Client Instructions" body
// for one step.
func (s *Service) StepInstructions(name, stepID string) (string, error) {
	def, err := s.load(name)
	if err != nil {
		return "", err
	}
	instr, ok := def.Instructions[stepID]
	if !ok {
		return "", &conductor.ErrDefinitionNotFound{Workflow: name, Path: "step " + stepID}
	}
	return instr, nil
}

// StepList returns the canonical step IDs in index order.
func (s *Service) StepList(name string) ([]string, error) {
	def, err := s.load(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(def.Steps))
	copy(out, def.Steps)
	return out, nil
}

// load returns the cached definition when the directory fingerprint
// still matches, re-parsing otherwise. The cache swap is atomic under
// the service mutex; readers never observe a half-parsed definition.
func (s *Service) load(name string) (*Definition, error) {
	dir := filepath.Join(s.baseDir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &conductor.ErrDefinitionNotFound{Workflow: name, Path: dir}
	}

	fp, err := fingerprintDir(dir)
	if err != nil {
		return nil, &conductor.ErrDefinitionNotFound{Workflow: name, Path: dir}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[name]; ok && c.fingerprint == fp {
		return c.def, nil
	}

	def, err := parseWorkflow(dir, name)
	if err != nil {
		s.logger.Warn("workflow parse failed", "workflow", name, "error", err)
		return nil, err
	}

	if c, ok := s.cache[name]; ok && c.fingerprint != fp {
		s.logger.Info("workflow definition reloaded", "workflow", name)
	}
	s.cache[name] = &cachedDefinition{def: def, fingerprint: fp}
	return def, nil
}

// assembleBlob builds the deterministic full-text blob: the post-include
// index, then each step in index order prefixed with its step header,
// all joined by the blob delimiter.
func assembleBlob(index string, steps []string, bodies map[string]string) string {
	parts := make([]string, 0, len(steps)+1)
	parts = append(parts, strings.TrimRight(index, "\n"))
	for _, id := range steps {
		parts = append(parts, stepHeaderPrefix+id+"\n"+strings.TrimRight(bodies[id], "\n"))
	}
	return strings.Join(parts, blobDelimiter)
}
