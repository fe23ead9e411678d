package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/pte-agent/internal/domain"
	"github.com/ashureev/pte-agent/internal/memory"
	"github.com/ashureev/pte-agent/internal/plan"
	"github.com/ashureev/pte-agent/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ SessionStore = (*SQLiteStore)(nil)

// NewSQLite opens (and if needed creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a turn is being saved.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		memory_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		intent TEXT,
		rewritten_query TEXT,
		replan_count INTEGER NOT NULL DEFAULT 0,
		halt_kind TEXT,
		halt_reason TEXT,
		steps_json TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, memory_json, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	var (
		sess                 domain.Session
		memJSON              string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&sess.ID, &sess.UserID, &memJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	if err := json.Unmarshal([]byte(memJSON), &sess.Memory); err != nil {
		return nil, fmt.Errorf("decode session memory: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// SaveSession creates or replaces a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	memJSON, err := json.Marshal(memoryOrEmpty(sess.Memory))
	if err != nil {
		return fmt.Errorf("encode session memory: %w", err)
	}
	updated := sess.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
	INSERT INTO sessions (session_id, user_id, memory_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		memory_json = excluded.memory_json,
		updated_at = excluded.updated_at`

	return withRetry(ctx, "save session", func() error {
		_, err := s.db.ExecContext(ctx, query, sess.ID, sess.UserID, string(memJSON), sess.CreatedAt.Unix(), updated.Unix())
		return err
	})
}

// DeleteSession removes a session and its turns.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SessionExists reports whether a session is stored.
func (s *SQLiteStore) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return true, nil
}

// SaveTurn appends a turn audit record.
func (s *SQLiteStore) SaveTurn(ctx context.Context, t *domain.TurnRecord) error {
	steps := t.Steps
	if steps == nil {
		steps = []plan.PastStep{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode turn steps: %w", err)
	}

	query := `
	INSERT INTO turns (
		turn_id, session_id, user_id, message, status, result, intent, rewritten_query,
		replan_count, halt_kind, halt_reason, steps_json, started_at, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return withRetry(ctx, "save turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.TurnID, t.SessionID, t.UserID, t.Message, t.Status, t.Result,
			nullString(t.Intent), nullString(t.RewrittenQuery), t.ReplanCount,
			nullString(t.HaltKind), nullString(t.HaltReason), string(stepsJSON),
			t.StartedAt.UnixMilli(), t.DurationMS,
		)
		return err
	})
}

// ListTurns returns the latest turns of a session, oldest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]*domain.TurnRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT turn_id, session_id, user_id, message, status, result, intent, rewritten_query,
		       replan_count, halt_kind, halt_reason, steps_json, started_at, duration_ms
		FROM (
			SELECT * FROM turns WHERE session_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?
		) ORDER BY started_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var out []*domain.TurnRecord
	for rows.Next() {
		var (
			t                                        domain.TurnRecord
			intent, rewritten, haltKind, haltReason sql.NullString
			stepsJSON                                string
			startedAt                                int64
		)
		if err := rows.Scan(
			&t.TurnID, &t.SessionID, &t.UserID, &t.Message, &t.Status, &t.Result,
			&intent, &rewritten, &t.ReplanCount, &haltKind, &haltReason,
			&stepsJSON, &startedAt, &t.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
			return nil, fmt.Errorf("decode turn steps: %w", err)
		}
		t.Intent = intent.String
		t.RewrittenQuery = rewritten.String
		t.HaltKind = haltKind.String
		t.HaltReason = haltReason.String
		t.StartedAt = time.UnixMilli(startedAt)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// ExpiredSessions returns sessions idle for longer than ttl.
func (s *SQLiteStore) ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return ids, nil
}

// withRetry retries fn with exponential backoff while SQLite reports lock
// contention.
func withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func memoryOrEmpty(m memory.Session) memory.Session {
	if m.Recent == nil {
		m.Recent = []memory.Turn{}
	}
	if m.Summaries == nil {
		m.Summaries = []memory.Segment{}
	}
	return m
}
