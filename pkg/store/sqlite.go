package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite store
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps everything in memory
	Path         string
	MaxOpenConns int
	Retry        RetryPolicy
}

// SQLiteStore persists records in SQLite. The record body is a JSON column;
// id, state and version are real columns so the version check runs in SQL.
type SQLiteStore struct {
	db     *sql.DB
	policy RetryPolicy
}

// NewSQLiteStore opens the database and creates the schema
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 || cfg.Path == ":memory:" {
		// every :memory: connection is a separate database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	policy := cfg.Retry
	if policy.MaxRetries == 0 {
		policy = DefaultRetryPolicy()
	}

	s := &SQLiteStore{db: db, policy: policy}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_executions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_state ON task_executions(state)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new record
func (s *SQLiteStore) Create(ctx context.Context, rec *TaskExecution) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode task execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_executions (id, name, state, version, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, string(rec.State), rec.Version, string(body),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("failed to insert task execution: %w", err)
	}
	return nil
}

// Get loads a record
func (s *SQLiteStore) Get(ctx context.Context, id string) (*TaskExecution, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM task_executions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task execution: %w", err)
	}

	var rec TaskExecution
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode task execution %s: %w", id, err)
	}
	return rec.normalize(), nil
}

// Update applies fn with optimistic concurrency
func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (*TaskExecution, error) {
	return updateWithRetry(ctx, s, s.policy, id, fn)
}

func (s *SQLiteStore) compareAndSwap(ctx context.Context, rec *TaskExecution, expected int64) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode task execution: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE task_executions SET state = ?, version = ?, body = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(rec.State), rec.Version, string(body), rec.UpdatedAt.UnixNano(), rec.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update task execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ListByState returns the ids of records in state, oldest first
func (s *SQLiteStore) ListByState(ctx context.Context, state State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM task_executions WHERE state = ? ORDER BY created_at`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
