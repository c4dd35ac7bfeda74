// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package history keeps a log of finished copies and jobs in SQLite, so
// outcomes stay inspectable after their sessions are closed.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
)

// DefaultLimit is the number of entries Recent returns for a limit <= 0.
const DefaultLimit = 50

// InMemory is the path of a database that lives as long as the Store.
const InMemory = ":memory:"

// Entry is one finished operation.
type Entry struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Kind         lro.Kind          `json:"kind"`
	State        lro.State         `json:"state"`
	ErrorType    errdefs.Kind      `json:"errorType"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	Info         map[string]string `json:"info,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  time.Time         `json:"completedAt"`
}

// Store is the operation log.
type Store struct {
	db *sql.DB
}

// Open opens, and creates if needed, the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}
	if path != InMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection: every connection to :memory: is its own database,
	// and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(pctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operation_log (
  id            TEXT NOT NULL,
  owner         TEXT NOT NULL,
  kind          TEXT NOT NULL,
  state         TEXT NOT NULL,
  error_type    TEXT NOT NULL,
  error_message TEXT,
  exit_code     INTEGER,
  info          JSON NOT NULL DEFAULT '{}',
  started_at    TEXT NOT NULL,
  completed_at  TEXT NOT NULL,
  PRIMARY KEY (owner, id)
);`,
		`CREATE INDEX IF NOT EXISTS operation_log_completed_at_idx ON operation_log(completed_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap history: %w", err)
		}
	}
	return nil
}

// Record stores a finished operation. Recording the same operation again
// replaces the earlier row.
func (s *Store) Record(ctx context.Context, op *lro.Operation) error {
	if op == nil {
		return fmt.Errorf("operation is nil")
	}
	if !op.Done() {
		return fmt.Errorf("operation %s is %s, not finished", op.ID, op.State)
	}
	info, err := json.Marshal(op.Info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if op.Info == nil {
		info = []byte("{}")
	}
	var exitCode sql.NullInt64
	if op.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*op.ExitCode), Valid: true}
	}
	completed := op.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO operation_log
  (id, owner, kind, state, error_type, error_message, exit_code, info, started_at, completed_at)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		op.ID, op.Owner, string(op.Kind), string(op.State), op.ErrorType.String(), op.ErrorMessage,
		exitCode, string(info), formatTime(op.StartedAt), formatTime(completed))
	if err != nil {
		return fmt.Errorf("record operation %s: %w", op.ID, err)
	}
	return nil
}

// Hook returns a terminal hook for lro.WithTerminalHook that records every
// finished operation. Failures are logged, not returned.
func (s *Store) Hook(logger *slog.Logger) func(*lro.Operation) {
	return func(op *lro.Operation) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Record(ctx, op); err != nil {
			logger.Warn("history record failed", slog.String("operation_id", op.ID), slog.String("error", err.Error()))
		}
	}
}

// Recent returns up to limit entries, most recently completed first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, owner, kind, state, error_type, error_message, exit_code, info, started_at, completed_at
FROM operation_log ORDER BY completed_at DESC, id LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			kind, state, etype string
			message            sql.NullString
			exitCode           sql.NullInt64
			info               string
			started, completed string
		)
		if err := rows.Scan(&e.ID, &e.Owner, &kind, &state, &etype, &message, &exitCode, &info, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Kind = lro.Kind(kind)
		e.State = lro.State(state)
		if k, ok := errdefs.ParseKind(etype); ok {
			e.ErrorType = k
		} else {
			e.ErrorType = errdefs.UnknownTransportFailure
		}
		e.ErrorMessage = message.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		if err := json.Unmarshal([]byte(info), &e.Info); err != nil {
			return nil, fmt.Errorf("decode info of %s: %w", e.ID, err)
		}
		if len(e.Info) == 0 {
			e.Info = nil
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
