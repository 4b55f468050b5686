// Package sqlite implements conductor.Repository using pure-Go SQLite.
// Zero CGO required. The whole orchestrator state lives in one durable
// file; history and instance writes for a transition share one
// transaction.
//
// Swap in a different backend (e.g. Postgres for multi-process
// deployments) by implementing conductor.Repository with your own
// package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs on open, schema init, instance creation and
// deletion, and committed transitions (with timing for init and
// transitions). Reads, plain updates and history appends are not
// logged. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements conductor.Repository backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conductor.Repository = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors from concurrent writers. Foreign keys are enabled
// via the DSN so history rows cascade with their instance.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the instances and history tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			history_id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			timestamp INTEGER NOT NULL,
			step_name TEXT NOT NULL,
			user_report TEXT NOT NULL DEFAULT '{}',
			outcome_status TEXT NOT NULL,
			determined_next_step TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance ON history(instance_id, history_id)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return connErr("init", err)
		}
	}
	s.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, in conductor.Instance) error {
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return queryErr("create instance", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow, current_step, status, context, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Workflow, in.CurrentStep, string(in.Status), ctxJSON,
		in.CreatedAt, in.UpdatedAt, in.CompletedAt)
	if err != nil {
		return queryErr("create instance", err)
	}
	s.logger.Debug("sqlite: instance created", "id", in.ID, "workflow", in.Workflow)
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (conductor.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, current_step, status, context, created_at, updated_at, completed_at
		 FROM instances WHERE id = ?`, id)
	return scanInstance(row, id)
}

func (s *Store) UpdateInstance(ctx context.Context, in conductor.Instance) error {
	res, err := s.execUpdate(ctx, s.db.ExecContext, in)
	if err != nil {
		return queryErr("update instance", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &conductor.ErrInstanceNotFound{ID: in.ID}
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return queryErr("delete instance", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &conductor.ErrInstanceNotFound{ID: id}
	}
	s.logger.Debug("sqlite: instance deleted", "id", id)
	return nil
}

// execUpdate issues the instance update through db or tx. updated_at is
// stamped at write time; completed_at is set exactly once, on the first
// update that reaches COMPLETED, and is never cleared afterwards.
func (s *Store) execUpdate(ctx context.Context, exec func(context.Context, string, ...any) (sql.Result, error), in conductor.Instance) (sql.Result, error) {
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return nil, err
	}
	now := conductor.NowUnixNano()
	return exec(ctx,
		`UPDATE instances SET
			current_step = ?,
			status = ?,
			context = ?,
			updated_at = ?,
			completed_at = CASE
				WHEN completed_at <> 0 THEN completed_at
				WHEN ? = ? THEN ?
				ELSE 0
			END
		 WHERE id = ?`,
		in.CurrentStep, string(in.Status), ctxJSON, now,
		string(in.Status), string(conductor.StatusCompleted), now,
		in.ID)
}

// --- History ---

func (s *Store) AppendHistory(ctx context.Context, e conductor.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.InstanceID, e.Timestamp, e.StepName, reportJSON(e.UserReport), e.OutcomeStatus, e.DeterminedNextStep)
	if err != nil {
		return queryErr("append history", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, instanceID string, limit int) ([]conductor.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means unbounded
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT history_id, instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step
		 FROM history WHERE instance_id = ? ORDER BY history_id DESC LIMIT ?`,
		instanceID, limit)
	if err != nil {
		return nil, queryErr("get history", err)
	}
	defer rows.Close()

	var entries []conductor.HistoryEntry
	for rows.Next() {
		var e conductor.HistoryEntry
		var report string
		if err := rows.Scan(&e.HistoryID, &e.InstanceID, &e.Timestamp, &e.StepName, &report, &e.OutcomeStatus, &e.DeterminedNextStep); err != nil {
			return nil, queryErr("scan history", err)
		}
		e.UserReport = json.RawMessage(report)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordTransition appends the history entry and updates the instance
// in one transaction. Either both writes land or neither does.
func (s *Store) RecordTransition(ctx context.Context, e conductor.HistoryEntry, in conductor.Instance) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return connErr("record transition", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO history (instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.InstanceID, e.Timestamp, e.StepName, reportJSON(e.UserReport), e.OutcomeStatus, e.DeterminedNextStep); err != nil {
		return queryErr("record transition: history", err)
	}

	res, err := s.execUpdate(ctx, tx.ExecContext, in)
	if err != nil {
		return queryErr("record transition: instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &conductor.ErrInstanceNotFound{ID: in.ID}
	}

	if err := tx.Commit(); err != nil {
		return connErr("record transition: commit", err)
	}
	s.logger.Debug("sqlite: transition recorded",
		"instance", in.ID, "step", e.StepName, "next", in.CurrentStep, "took", time.Since(start))
	return nil
}

// --- helpers ---

func scanInstance(row *sql.Row, id string) (conductor.Instance, error) {
	var in conductor.Instance
	var status, ctxJSON string
	err := row.Scan(&in.ID, &in.Workflow, &in.CurrentStep, &status, &ctxJSON,
		&in.CreatedAt, &in.UpdatedAt, &in.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conductor.Instance{}, &conductor.ErrInstanceNotFound{ID: id}
	}
	if err != nil {
		return conductor.Instance{}, queryErr("get instance", err)
	}
	in.Status = conductor.Status(status)
	if err := json.Unmarshal([]byte(ctxJSON), &in.Context); err != nil {
		return conductor.Instance{}, queryErr("decode context", err)
	}
	return in, nil
}

func marshalContext(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func reportJSON(r json.RawMessage) string {
	if len(r) == 0 {
		return "{}"
	}
	return string(r)
}

func queryErr(op string, err error) error {
	return &conductor.ErrPersistence{Op: op, Kind: conductor.PersistenceQuery, Err: err}
}

func connErr(op string, err error) error {
	return &conductor.ErrPersistence{Op: op, Kind: conductor.PersistenceConnection, Err: err}
}
