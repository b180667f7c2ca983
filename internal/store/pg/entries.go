// Package pg persists session entries in Postgres. The entry body is
// stored as JSONB; Update serializes writers with a row lock so the
// read-modify-write stays a single critical section per key.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/switchboard/internal/sessions"
)

// Store implements sessions.EntryStore backed by Postgres.
type Store struct {
	db *sql.DB
}

// Open connects and verifies the DSN. The DSN comes from the environment
// only, never from the config file.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests and the migrate
// command.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(ctx context.Context, key string) (*sessions.Entry, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM session_entries WHERE session_key = $1`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entry: %w", err)
	}
	var e sessions.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return &e, nil
}

func (s *Store) Update(ctx context.Context, key string, mutate func(*sessions.Entry)) (*sessions.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin entry update: %w", err)
	}
	defer tx.Rollback()

	var (
		e    sessions.Entry
		data []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM session_entries WHERE session_key = $1 FOR UPDATE`, key).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New key, starts from a zero entry.
	case err != nil:
		return nil, fmt.Errorf("lock entry: %w", err)
	default:
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", key, err)
		}
	}

	e.Key = key
	mutate(&e)

	agentID, _ := sessions.ParseSessionKey(key)
	out, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_entries (session_key, agent_id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (session_key) DO UPDATE SET agent_id = $2, data = $3, updated_at = now()`,
		key, agentID, out); err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit entry update: %w", err)
	}
	return &e, nil
}

// List returns the entries for one agent, or the whole table when agentID
// is empty.
func (s *Store) List(ctx context.Context, agentID string) ([]sessions.Entry, error) {
	query := `SELECT data FROM session_entries WHERE agent_id = $1 ORDER BY session_key`
	args := []any{agentID}
	if agentID == "" {
		query = `SELECT data FROM session_entries ORDER BY session_key`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []sessions.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		var e sessions.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
