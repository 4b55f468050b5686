package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/nevindra/conductor"
)

// Mandatory per-step H1 sections, matched case-insensitively.
const (
	sectionGuidance     = "orchestrator guidance"
	sectionInstructions = "client instructions"
)

// planHeading is the optional index section that scopes the step list.
const planHeading = "high-level plan"

// stepRef is one entry of the index step list: the canonical ID (link
// text) and the file the link points at.
type stepRef struct {
	id     string
	target string
}

// parseWorkflow reads, expands, and validates one workflow directory.
func parseWorkflow(dir, name string) (*Definition, error) {
	indexPath := filepath.Join(dir, "index.md")
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, &conductor.ErrDefinitionNotFound{Workflow: name, Path: indexPath}
	}

	index, err := expandIncludes(name, indexPath, string(raw), nil)
	if err != nil {
		return nil, err
	}

	refs, err := extractStepList(name, index)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(refs))
	steps := make([]string, 0, len(refs))
	bodies := make(map[string]string, len(refs))
	instructions := make(map[string]string, len(refs))

	for _, ref := range refs {
		if seen[ref.id] {
			return nil, &conductor.ErrDefinitionParse{
				Workflow: name,
				File:     indexPath,
				Reason:   fmt.Sprintf("duplicate step ID %q", ref.id),
			}
		}
		seen[ref.id] = true

		stepPath := filepath.Clean(filepath.Join(dir, ref.target))
		rawStep, err := os.ReadFile(stepPath)
		if err != nil {
			return nil, &conductor.ErrDefinitionNotFound{Workflow: name, Path: stepPath}
		}
		body, err := expandIncludes(name, stepPath, string(rawStep), nil)
		if err != nil {
			return nil, err
		}

		sections := extractH1Sections(body)
		if _, ok := sections[sectionGuidance]; !ok {
			return nil, &conductor.ErrDefinitionParse{
				Workflow: name,
				File:     stepPath,
				Reason:   `missing mandatory "# Orchestrator Guidance" section`,
			}
		}
		instr, ok := sections[sectionInstructions]
		if !ok {
			return nil, &conductor.ErrDefinitionParse{
				Workflow: name,
				File:     stepPath,
				Reason:   `missing mandatory "# Client Instructions" section`,
			}
		}

		steps = append(steps, ref.id)
		bodies[ref.id] = body
		instructions[ref.id] = instr
	}

	return &Definition{
		Name:         name,
		Steps:        steps,
		Instructions: instructions,
		Blob:         assembleBlob(index, steps, bodies),
	}, nil
}

// extractStepList finds the canonical step list in the expanded index
// source: the first Markdown list whose items are step-file links. When
// a "## High-Level Plan" section exists, only lists inside that section
// qualify.
func extractStepList(name, index string) ([]stepRef, error) {
	src := []byte(index)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	// First pass: does a High-Level Plan H2 exist?
	planExists := false
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 2 && normalizeHeading(nodeText(h, src)) == planHeading {
			planExists = true
			break
		}
	}

	inPlan := !planExists
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && planExists && h.Level <= 2 {
			inPlan = h.Level == 2 && normalizeHeading(nodeText(h, src)) == planHeading
			continue
		}
		list, ok := n.(*ast.List)
		if !ok || !inPlan {
			continue
		}
		refs, ok := stepRefsFromList(list, src)
		if ok {
			return refs, nil
		}
	}

	return nil, &conductor.ErrDefinitionParse{
		Workflow: name,
		File:     "index.md",
		Reason:   "no step list found (expected a list of [Step Name](steps/<file>.md) links)",
	}
}

// stepRefsFromList extracts step references from one list. The list
// qualifies only when every item carries a Markdown link.
func stepRefsFromList(list *ast.List, src []byte) ([]stepRef, bool) {
	var refs []stepRef
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		link := firstLink(item)
		if link == nil {
			return nil, false
		}
		id := strings.TrimSpace(nodeText(link, src))
		dest := strings.TrimSpace(string(link.Destination))
		if id == "" || dest == "" {
			return nil, false
		}
		refs = append(refs, stepRef{id: id, target: dest})
	}
	return refs, len(refs) > 0
}

// firstLink walks one list item and returns its first link node.
func firstLink(n ast.Node) *ast.Link {
	var found *ast.Link
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if l, ok := node.(*ast.Link); ok {
			found = l
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

// nodeText concatenates the text content of a node's descendants.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := node.(*ast.Text); ok {
				b.Write(t.Segment.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// h1Re matches an ATX H1 line: a single # followed by the title.
// Up to three leading spaces, extra spaces after the marker, and
// trailing closing #s are tolerated.
var h1Re = regexp.MustCompile(`^ {0,3}#(?:[ \t]+(.*?))?[ \t]*#*[ \t]*$`)

// extractH1Sections splits a step file at its top-level headers and
// returns the verbatim body under each, keyed by the normalized
// (lowercased, whitespace-collapsed) header title.
func extractH1Sections(src string) map[string]string {
	lines := strings.Split(src, "\n")
	sections := make(map[string]string)

	current := ""
	var body []string
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
		body = body[:0]
	}

	for _, line := range lines {
		if m := h1Re.FindStringSubmatch(line); m != nil {
			flush()
			current = normalizeHeading(m[1])
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}

// normalizeHeading lowercases a header title and collapses whitespace.
func normalizeHeading(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
