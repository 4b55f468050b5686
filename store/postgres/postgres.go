// Package postgres implements conductor.Repository using PostgreSQL.
// Use it instead of the sqlite backend when several orchestrator
// processes must share one durable store.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conductor"
)

// Store implements conductor.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ conductor.Repository = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the instances and history tables.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			context JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			history_id BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			timestamp BIGINT NOT NULL,
			step_name TEXT NOT NULL,
			user_report JSONB NOT NULL DEFAULT '{}',
			outcome_status TEXT NOT NULL,
			determined_next_step TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_instance ON history(instance_id, history_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return connErr("init", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// --- Instances ---

func (s *Store) CreateInstance(ctx context.Context, in conductor.Instance) error {
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return queryErr("create instance", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO instances (id, workflow, current_step, status, context, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, in.Workflow, in.CurrentStep, string(in.Status), ctxJSON,
		in.CreatedAt, in.UpdatedAt, in.CompletedAt)
	if err != nil {
		return queryErr("create instance", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (conductor.Instance, error) {
	var in conductor.Instance
	var status, ctxJSON string
	err := s.pool.QueryRow(ctx,
		`SELECT id, workflow, current_step, status, context::text, created_at, updated_at, completed_at
		 FROM instances WHERE id = $1`, id).
		Scan(&in.ID, &in.Workflow, &in.CurrentStep, &status, &ctxJSON,
			&in.CreatedAt, &in.UpdatedAt, &in.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) UpdateInstance(ctx context.Context, in conductor.Instance) error {
	tag, err := s.execUpdate(ctx, s.pool, in)
	if err != nil {
		return queryErr("update instance", err)
	}
	if tag == 0 {
		return &conductor.ErrInstanceNotFound{ID: in.ID}
	}
	return nil
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return queryErr("delete instance", err)
	}
	if tag.RowsAffected() == 0 {
		return &conductor.ErrInstanceNotFound{ID: id}
	}
	return nil
}

// execer abstracts pool and transaction execution; both *pgxpool.Pool
// and pgx.Tx satisfy it.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// execUpdate issues the instance update. updated_at is stamped at write
// time; completed_at is set once on the first COMPLETED update.
func (s *Store) execUpdate(ctx context.Context, db execer, in conductor.Instance) (int64, error) {
	ctxJSON, err := marshalContext(in.Context)
	if err != nil {
		return 0, err
	}
	now := conductor.NowUnixNano()
	tag, err := db.Exec(ctx,
		`UPDATE instances SET
			current_step = $1,
			status = $2,
			context = $3,
			updated_at = $4,
			completed_at = CASE
				WHEN completed_at <> 0 THEN completed_at
				WHEN $2 = $5 THEN $4
				ELSE 0
			END
		 WHERE id = $6`,
		in.CurrentStep, string(in.Status), ctxJSON, now,
		string(conductor.StatusCompleted), in.ID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- History ---

func (s *Store) AppendHistory(ctx context.Context, e conductor.HistoryEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO history (instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.InstanceID, e.Timestamp, e.StepName, reportJSON(e.UserReport), e.OutcomeStatus, e.DeterminedNextStep)
	if err != nil {
		return queryErr("append history", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, instanceID string, limit int) ([]conductor.HistoryEntry, error) {
	q := `SELECT history_id, instance_id, timestamp, step_name, user_report::text, outcome_status, determined_next_step
	      FROM history WHERE instance_id = $1 ORDER BY history_id DESC`
	args := []any{instanceID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
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
// in one transaction.
func (s *Store) RecordTransition(ctx context.Context, e conductor.HistoryEntry, in conductor.Instance) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return connErr("record transition", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO history (instance_id, timestamp, step_name, user_report, outcome_status, determined_next_step)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.InstanceID, e.Timestamp, e.StepName, reportJSON(e.UserReport), e.OutcomeStatus, e.DeterminedNextStep); err != nil {
		return queryErr("record transition: history", err)
	}

	n, err := s.execUpdate(ctx, tx, in)
	if err != nil {
		return queryErr("record transition: instance", err)
	}
	if n == 0 {
		return &conductor.ErrInstanceNotFound{ID: in.ID}
	}

	if err := tx.Commit(ctx); err != nil {
		return connErr("record transition: commit", err)
	}
	return nil
}

// --- helpers ---

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
