// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session persistence with automatic schema creation and TTL expiry

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (status IN ('created', 'active', 'awaiting_input', 'completed', 'failed', 'expired'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS notes (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			author     TEXT NOT NULL,
			content    TEXT NOT NULL,
			tags_json  TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_notes_session_seq
			ON notes(session_id, seq);

		CREATE TABLE IF NOT EXISTS sections (
			session_id TEXT NOT NULL,
			id         TEXT NOT NULL,
			content    TEXT NOT NULL,
			version    INTEGER NOT NULL,
			updated_by TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			description TEXT NOT NULL,
			status      TEXT NOT NULL,
			assigned_to TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,

			CHECK (status IN ('pending', 'in_progress', 'completed', 'failed', 'skipped'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);

		CREATE TABLE IF NOT EXISTS questions (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			text        TEXT NOT NULL,
			context     TEXT NOT NULL DEFAULT '',
			priority    TEXT NOT NULL DEFAULT 'normal',
			blocking    INTEGER NOT NULL DEFAULT 0,
			answer      TEXT NOT NULL DEFAULT '',
			answered_by TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			answered_at TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_questions_session_open
			ON questions(session_id, answered_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession persists a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, status, reason, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.Status),
		sess.Reason,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.ExpiresAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, status, reason, created_at, expires_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	sess := &Session{}
	var status, createdAt, expiresAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &status, &sess.Reason, &createdAt, &expiresAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Status = SessionStatus(status)
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return sess, nil
}

// UpdateSessionStatus sets a session's status and reason.
// Transition legality is enforced by the session registry, not here.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, reason string) error {
	query := `
		UPDATE sessions
		SET status = ?, reason = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(status), reason, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}

	s.logger.Debug("updated session status", "session_id", id, "status", status)
	return nil
}

// ExpireSessions transitions every timed-out, non-terminal session to expired
// and returns the affected session IDs.
func (s *SQLiteStore) ExpireSessions(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE expires_at <= ? AND status NOT IN ('completed', 'failed', 'expired')
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying expirable sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	for _, id := range ids {
		if err := s.UpdateSessionStatus(ctx, id, SessionExpired, "ttl elapsed"); err != nil {
			return nil, fmt.Errorf("expiring session %s: %w", id, err)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("expired sessions", "count", len(ids))
	}
	return ids, nil
}

// DeleteSession removes a session and, via cascade, its workspace rows
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
