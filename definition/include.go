package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nevindra/conductor"
)

// maxIncludeDepth caps how deeply {{file:...}} expansions may nest.
const maxIncludeDepth = 10

var includeRe = regexp.MustCompile(`\{\{file:([^}]+)\}\}`)

// expandIncludes replaces every {{file:<relative_path>}} marker in src
// with the (recursively expanded) content of the referenced file. Paths
// resolve relative to the file the marker appears in. stack carries the
// absolute paths currently being expanded, for depth and cycle checks.
func expandIncludes(workflow, path, src string, stack []string) (string, error) {
	matches := includeRe.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(src[last:m[0]])
		last = m[1]

		rel := strings.TrimSpace(src[m[2]:m[3]])
		target := filepath.Clean(filepath.Join(filepath.Dir(path), rel))

		chain := append(chainOf(stack, path), target)
		if len(stack)+1 > maxIncludeDepth {
			return "", &conductor.ErrDefinitionParse{
				Workflow: workflow,
				File:     path,
				Reason:   fmt.Sprintf("include depth exceeds %d", maxIncludeDepth),
				Chain:    chain,
			}
		}
		for _, p := range stack {
			if p == target {
				return "", &conductor.ErrDefinitionParse{
					Workflow: workflow,
					File:     path,
					Reason:   "circular include",
					Chain:    chain,
				}
			}
		}

		data, err := os.ReadFile(target)
		if err != nil {
			return "", &conductor.ErrDefinitionParse{
				Workflow: workflow,
				File:     path,
				Reason:   fmt.Sprintf("include not found: %s", rel),
			}
		}

		inner, err := expandIncludes(workflow, target, string(data), append(stack, target))
		if err != nil {
			return "", err
		}
		b.WriteString(inner)
	}
	b.WriteString(src[last:])
	return b.String(), nil
}

// chainOf renders the include chain for error reporting: the files on
// the stack followed by the one currently being parsed.
func chainOf(stack []string, current string) []string {
	chain := make([]string, 0, len(stack)+1)
	chain = append(chain, stack...)
	if len(chain) == 0 || chain[len(chain)-1] != current {
		chain = append(chain, current)
	}
	return chain
}
