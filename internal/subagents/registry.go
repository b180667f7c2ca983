// Package subagents tracks child sessions spawned on behalf of a
// requester session, so an abort on the requester can recursively stop
// its children.
package subagents

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one spawned child session.
type Run struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	CreatedAt           time.Time
	EndedAt             *time.Time
}

// Active reports whether the child has not finished yet.
func (r Run) Active() bool { return r.EndedAt == nil }

// Registry persists subagent runs in a local sqlite database so that
// child tracking survives restarts (a restart must not orphan running
// children from abort's point of view).
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS subagent_runs (
	run_id                TEXT PRIMARY KEY,
	child_session_key     TEXT NOT NULL,
	requester_session_key TEXT NOT NULL,
	created_at            INTEGER NOT NULL,
	ended_at              INTEGER
);
CREATE INDEX IF NOT EXISTS idx_subagent_runs_requester
	ON subagent_runs(requester_session_key);
`

// Open opens (creating if needed) the registry database at path.
// Use ":memory:" for an ephemeral registry.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open subagent registry: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init subagent registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// RecordStart registers a new child run. A missing RunID is generated.
func (r *Registry) RecordStart(ctx context.Context, run Run) (Run, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subagent_runs (run_id, child_session_key, requester_session_key, created_at)
		 VALUES (?, ?, ?, ?)`,
		run.RunID, run.ChildSessionKey, run.RequesterSessionKey, run.CreatedAt.UnixMilli())
	if err != nil {
		return Run{}, fmt.Errorf("record subagent start: %w", err)
	}
	return run, nil
}

// RecordEnd stamps the run as finished. Ending an already-ended or
// unknown run is a no-op.
func (r *Registry) RecordEnd(ctx context.Context, runID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subagent_runs SET ended_at = ? WHERE run_id = ? AND ended_at IS NULL`,
		time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("record subagent end: %w", err)
	}
	return nil
}

// ListRunsForRequester returns every run, active or ended, spawned by the
// requester key, oldest first.
func (r *Registry) ListRunsForRequester(ctx context.Context, requesterKey string) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, child_session_key, requester_session_key, created_at, ended_at
		 FROM subagent_runs WHERE requester_session_key = ? ORDER BY created_at`,
		requesterKey)
	if err != nil {
		return nil, fmt.Errorf("list subagent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			createdAt int64
			endedAt   sql.NullInt64
		)
		if err := rows.Scan(&run.RunID, &run.ChildSessionKey, &run.RequesterSessionKey, &createdAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan subagent run: %w", err)
		}
		run.CreatedAt = time.UnixMilli(createdAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
