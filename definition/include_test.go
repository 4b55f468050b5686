package definition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nevindra/conductor"
)

func TestIncludeExpansion(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "W")
	if err := os.MkdirAll(filepath.Join(dir, "steps"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"index.md":          "# W\n\n{{file:shared/preamble.md}}\n\n- [s](steps/s.md)\n",
		"shared/preamble.md": "Shared preamble with {{file:inner.md}} inside.",
		"shared/inner.md":    "NESTED",
		"steps/s.md":         "# Orchestrator Guidance\n{{file:../shared/preamble.md}}\n\n# Client Instructions\nDo it.\n",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	blob, err := New(base).DefinitionBlob("W")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(blob, "Shared preamble with NESTED inside.") {
		t.Errorf("includes not expanded recursively:\n%s", blob)
	}
	if strings.Contains(blob, "{{file:") {
		t.Error("unexpanded include markers remain in blob")
	}
}

func TestIncludeMissingTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.md")

	_, err := expandIncludes("W", path, "{{file:missing.md}}", nil)
	var parseErr *conductor.ErrDefinitionParse
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ErrDefinitionParse", err)
	}
	if !strings.Contains(parseErr.Reason, "missing.md") {
		t.Errorf("reason %q does not cite the requested path", parseErr.Reason)
	}
	if parseErr.File != path {
		t.Errorf("file %q does not cite the including file", parseErr.File)
	}
}

func TestIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("a.md", "A {{file:b.md}}")
	write("b.md", "B {{file:a.md}}")

	_, err := expandIncludes("W", filepath.Join(dir, "a.md"), "A {{file:b.md}}", nil)
	var parseErr *conductor.ErrDefinitionParse
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want ErrDefinitionParse", err)
	}
	if !strings.Contains(parseErr.Reason, "circular") {
		t.Errorf("reason = %q", parseErr.Reason)
	}
	if len(parseErr.Chain) == 0 {
		t.Error("circular error should carry the include chain")
	}
}

// writeIncludeChain builds depth nested include files and returns the root content.
func writeIncludeChain(t *testing.T, dir string, depth int) string {
	t.Helper()
	for i := 1; i <= depth; i++ {
		content := fmt.Sprintf("level %d", i)
		if i < depth {
			content += fmt.Sprintf(" {{file:inc%d.md}}", i+1)
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("inc%d.md", i)), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return "root {{file:inc1.md}}"
}

func TestIncludeDepthLimitBoundary(t *testing.T) {
	t.Run("depth 10 succeeds", func(t *testing.T) {
		dir := t.TempDir()
		root := writeIncludeChain(t, dir, maxIncludeDepth)

		out, err := expandIncludes("W", filepath.Join(dir, "root.md"), root, nil)
		if err != nil {
			t.Fatalf("depth %d should succeed: %v", maxIncludeDepth, err)
		}
		if !strings.Contains(out, fmt.Sprintf("level %d", maxIncludeDepth)) {
			t.Error("deepest include not expanded")
		}
	})

	t.Run("depth 11 fails", func(t *testing.T) {
		dir := t.TempDir()
		root := writeIncludeChain(t, dir, maxIncludeDepth+1)

		_, err := expandIncludes("W", filepath.Join(dir, "root.md"), root, nil)
		var parseErr *conductor.ErrDefinitionParse
		if !errors.As(err, &parseErr) {
			t.Fatalf("err = %v, want ErrDefinitionParse", err)
		}
		if !strings.Contains(parseErr.Reason, "depth") {
			t.Errorf("reason = %q", parseErr.Reason)
		}
		if len(parseErr.Chain) == 0 {
			t.Error("depth error should carry the include chain")
		}
	})
}

func TestNoIncludesPassthrough(t *testing.T) {
	out, err := expandIncludes("W", "/tmp/x.md", "plain text, no markers", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "plain text, no markers" {
		t.Errorf("out = %q", out)
	}
}
