package conductor

import "context"

// Repository abstracts durable storage of instances and their history.
// Implementations: store/sqlite (single-file, default) and
// store/postgres (shared deployments).
type Repository interface {
	// CreateInstance inserts a new instance. Fails with a query error
	// if the ID already exists.
	CreateInstance(ctx context.Context, in Instance) error
	// GetInstance returns the instance or *ErrInstanceNotFound.
	GetInstance(ctx context.Context, id string) (Instance, error)
	// UpdateInstance replaces the mutable fields of an existing record.
	// updated_at is refreshed atomically; completed_at is set on the
	// first update that moves status to COMPLETED and never cleared.
	UpdateInstance(ctx context.Context, in Instance) error
	// DeleteInstance removes the instance and, by cascade, its history.
	DeleteInstance(ctx context.Context, id string) error

	// AppendHistory appends one history entry.
	AppendHistory(ctx context.Context, e HistoryEntry) error
	// History returns entries most-recent-first. limit <= 0 means all.
	History(ctx context.Context, instanceID string, limit int) ([]HistoryEntry, error)

	// RecordTransition appends the history entry and updates the
	// instance in one transaction. Either both writes land or neither.
	RecordTransition(ctx context.Context, e HistoryEntry, in Instance) error

	// Init creates the schema. Safe to call more than once.
	Init(ctx context.Context) error
	Close() error
}
