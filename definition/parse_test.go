package definition

import (
	"errors"
	"strings"
	"testing"

	"github.com/nevindra/conductor"
)

func TestExtractStepListPlain(t *testing.T) {
	refs, err := extractStepList("W", greetIndex)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("refs = %v", refs)
	}
	if refs[0].id != "greet" || refs[0].target != "steps/greet.md" {
		t.Errorf("refs[0] = %+v", refs[0])
	}
}

func TestExtractStepListNumbered(t *testing.T) {
	index := `# W

1. [first](steps/first.md)
2. [second](steps/second.md)
`
	refs, err := extractStepList("W", index)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].id != "first" || refs[1].id != "second" {
		t.Errorf("refs = %v", refs)
	}
}

func TestExtractStepListPrefersHighLevelPlan(t *testing.T) {
	index := `# W

Some related reading:

- [not a step](https://example.com/doc)
- plain item

## High-Level Plan

- [real](steps/real.md)

## Appendix

- [decoy](steps/decoy.md)
`
	refs, err := extractStepList("W", index)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].id != "real" {
		t.Errorf("refs = %v, want only the plan-section list", refs)
	}
}

func TestExtractStepListSkipsNonLinkLists(t *testing.T) {
	index := `# W

- just prose
- more prose

The actual plan:

- [a](steps/a.md)
- [b](steps/b.md)
`
	refs, err := extractStepList("W", index)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].id != "a" {
		t.Errorf("refs = %v", refs)
	}
}

func TestExtractStepListMissing(t *testing.T) {
	_, err := extractStepList("W", "# W\n\nNo lists here.\n")
	var parseErr *conductor.ErrDefinitionParse
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ErrDefinitionParse", err)
	}
}

func TestDuplicateStepIDsRejected(t *testing.T) {
	base := t.TempDir()
	index := `# W

- [greet](steps/greet.md)
- [greet](steps/greet.md)
`
	writeWorkflow(t, base, "W", index, map[string]string{"greet.md": greetStep})

	_, err := New(base).DefinitionBlob("W")
	var parseErr *conductor.ErrDefinitionParse
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ErrDefinitionParse", err)
	}
	if !strings.Contains(parseErr.Reason, "duplicate") {
		t.Errorf("reason = %q", parseErr.Reason)
	}
}

func TestHeaderVariantsAccepted(t *testing.T) {
	tests := []struct {
		name string
		step string
	}{
		{"lowercase", "# orchestrator guidance\nG.\n\n# client instructions\nI.\n"},
		{"extra spaces", "#   Orchestrator Guidance\nG.\n\n#   Client Instructions\nI.\n"},
		{"mixed case", "# ORCHESTRATOR GUIDANCE\nG.\n\n# Client instructions\nI.\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			writeWorkflow(t, base, "W", "# W\n\n- [s](steps/s.md)\n", map[string]string{"s.md": tt.step})

			instr, err := New(base).StepInstructions("W", "s")
			if err != nil {
				t.Fatal(err)
			}
			if instr != "I." {
				t.Errorf("instructions = %q", instr)
			}
		})
	}
}

func TestMissingMandatoryHeaders(t *testing.T) {
	tests := []struct {
		name string
		step string
	}{
		{"no client instructions", "# Orchestrator Guidance\nG.\n"},
		{"no orchestrator guidance", "# Client Instructions\nI.\n"},
		{"h2 does not count", "## Orchestrator Guidance\nG.\n\n## Client Instructions\nI.\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			writeWorkflow(t, base, "W", "# W\n\n- [s](steps/s.md)\n", map[string]string{"s.md": tt.step})

			_, err := New(base).DefinitionBlob("W")
			var parseErr *conductor.ErrDefinitionParse
			if !errors.As(err, &parseErr) {
				t.Fatalf("err = %v, want ErrDefinitionParse", err)
			}
		})
	}
}

func TestExtractH1Sections(t *testing.T) {
	src := "intro\n\n# One\nalpha\nbeta\n\n# Two ##\ngamma\n"
	got := extractH1Sections(src)
	if got["one"] != "alpha\nbeta" {
		t.Errorf("one = %q", got["one"])
	}
	if got["two"] != "gamma" {
		t.Errorf("two = %q", got["two"])
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	base := t.TempDir()
	writeWorkflow(t, base, "W", greetIndex, map[string]string{
		"greet.md":    greetStep,
		"farewell.md": farewellStep,
	})
	dir := base + "/W"

	a, err := fingerprintDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := fingerprintDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("fingerprint not deterministic")
	}

	writeWorkflow(t, base, "W", greetIndex+"\nedited\n", map[string]string{
		"greet.md":    greetStep,
		"farewell.md": farewellStep,
	})
	c, err := fingerprintDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("fingerprint unchanged after edit")
	}
}
