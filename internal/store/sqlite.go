package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the production TaskStore, a single-file WAL-mode database: one
// connection, WAL journaling, busy-timeout via DSN rather than manual retry
// loops for the common case.
type SQLite struct {
	db *sql.DB
}

// DefaultDBPath places the database in a dotfile under the user's home
// directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentd", "agentd.db")
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// tasks table exists.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set journal_mode: %v", ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set synchronous: %v", ErrUnavailable, err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) initSchema(ctx context.Context) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS tasks (
			id                      TEXT PRIMARY KEY,
			direction               TEXT NOT NULL,
			kind                    TEXT NOT NULL CHECK(kind IN ('spec','test','impl','review','heal')),
			status                  TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','needs_decision')),
			model                   TEXT NOT NULL DEFAULT '',
			command                 TEXT NOT NULL DEFAULT '',
			tier                    TEXT NOT NULL DEFAULT '',
			output                  TEXT NOT NULL DEFAULT '',
			context_json            TEXT NOT NULL DEFAULT '{}',
			target_state            TEXT NOT NULL DEFAULT '',
			success_evidence_json   TEXT NOT NULL DEFAULT '[]',
			abort_evidence_json     TEXT NOT NULL DEFAULT '[]',
			observation_window_sec  INTEGER NOT NULL DEFAULT 0,
			claimed_by              TEXT,
			claimed_at              DATETIME,
			created_at              DATETIME NOT NULL,
			updated_at              DATETIME NOT NULL,
			started_at              DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind);
		CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: init schema: %v", ErrSchema, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, direction, kind, status, model, command, tier, output, context_json,
		       target_state, success_evidence_json, abort_evidence_json, observation_window_sec,
		       claimed_by, claimed_at, created_at, updated_at, started_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, id, err)
	}
	return t, nil
}

func (s *SQLite) List(ctx context.Context, f ListFilter) ([]*Task, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM tasks %s", clause)
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count tasks: %v", ErrUnavailable, err)
	}

	q := fmt.Sprintf(`
		SELECT id, direction, kind, status, model, command, tier, output, context_json,
		       target_state, success_evidence_json, abort_evidence_json, observation_window_sec,
		       claimed_by, claimed_at, created_at, updated_at, started_at
		FROM tasks %s ORDER BY created_at DESC, id DESC`, clause)
	listArgs := append([]any{}, args...)
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		listArgs = append(listArgs, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		listArgs = append(listArgs, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list tasks: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: scan task row: %v", ErrUnavailable, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: iterate tasks: %v", ErrUnavailable, err)
	}
	return out, total, nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: count by status: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan status count: %v", ErrUnavailable, err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLite) Upsert(ctx context.Context, t *Task) error {
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}
	successJSON, err := json.Marshal(t.SuccessEvidence)
	if err != nil {
		return fmt.Errorf("encode success evidence: %w", err)
	}
	abortJSON, err := json.Marshal(t.AbortEvidence)
	if err != nil {
		return fmt.Errorf("encode abort evidence: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, direction, kind, status, model, command, tier, output, context_json,
			target_state, success_evidence_json, abort_evidence_json, observation_window_sec,
			claimed_by, claimed_at, created_at, updated_at, started_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			direction=excluded.direction,
			kind=excluded.kind,
			status=excluded.status,
			model=excluded.model,
			command=excluded.command,
			tier=excluded.tier,
			output=excluded.output,
			context_json=excluded.context_json,
			target_state=excluded.target_state,
			success_evidence_json=excluded.success_evidence_json,
			abort_evidence_json=excluded.abort_evidence_json,
			observation_window_sec=excluded.observation_window_sec,
			claimed_by=excluded.claimed_by,
			claimed_at=excluded.claimed_at,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at
	`,
		t.ID, t.Direction, string(t.Kind), string(t.Status), t.Model, t.Command, t.Tier, t.Output, string(ctxJSON),
		t.TargetState, string(successJSON), string(abortJSON), t.ObservationWindowSec,
		nullString(t.ClaimedBy), nullTime(t.ClaimedAt), t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert task %s: %v", ErrUnavailable, t.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("%w: delete all tasks: %v", ErrUnavailable, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var kind, status string
	var ctxJSON, successJSON, abortJSON string
	var claimedBy sql.NullString
	var claimedAt, startedAt sql.NullTime

	if err := row.Scan(
		&t.ID, &t.Direction, &kind, &status, &t.Model, &t.Command, &t.Tier, &t.Output, &ctxJSON,
		&t.TargetState, &successJSON, &abortJSON, &t.ObservationWindowSec,
		&claimedBy, &claimedAt, &t.CreatedAt, &t.UpdatedAt, &startedAt,
	); err != nil {
		return nil, err
	}

	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	if claimedBy.Valid {
		t.ClaimedBy = claimedBy.String
	}
	if claimedAt.Valid {
		v := claimedAt.Time
		t.ClaimedAt = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if ctxJSON != "" {
		if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
			return nil, fmt.Errorf("%w: decode context_json: %v", ErrSchema, err)
		}
	}
	if successJSON != "" {
		if err := json.Unmarshal([]byte(successJSON), &t.SuccessEvidence); err != nil {
			return nil, fmt.Errorf("%w: decode success_evidence_json: %v", ErrSchema, err)
		}
	}
	if abortJSON != "" {
		if err := json.Unmarshal([]byte(abortJSON), &t.AbortEvidence); err != nil {
			return nil, fmt.Errorf("%w: decode abort_evidence_json: %v", ErrSchema, err)
		}
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
