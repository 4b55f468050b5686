package conductor

// DefinitionSource abstracts discovery and parsing of workflow
// definitions. Implementations cache parsed definitions and re-read
// from disk when the underlying files change.
type DefinitionSource interface {
	// ListWorkflows returns the discovered workflow names.
	ListWorkflows() ([]string, error)
	// DefinitionBlob returns the full definition text of one workflow:
	// the index followed by every step in index order, assembled
	// deterministically for use as LLM prompt context.
	DefinitionBlob(name string) (string, error)
	// StepInstructions returns the verbatim client-instruction body for
	// one step of a workflow.
	StepInstructions(name, stepID string) (string, error)
	// StepList returns the canonical step IDs in index order.
	StepList(name string) ([]string, error)
}
