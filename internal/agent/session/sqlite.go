package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadflow/squadflow/internal/common/errors"
)

// SQLiteStore provides SQLite-based session storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite session store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		history BLOB,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a session.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET history = excluded.history, updated_at = excluded.updated_at`,
		sess.ID, sess.AgentID, []byte(sess.History), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, history, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session", sessionID)
	}
	return sess, err
}

// FindByAgent returns the most recently updated session of an agent.
func (s *SQLiteStore) FindByAgent(ctx context.Context, agentID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, history, created_at, updated_at
		FROM sessions WHERE agent_id = ? ORDER BY updated_at DESC LIMIT 1`, agentID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session for agent", agentID)
	}
	return sess, err
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess    Session
		history []byte
	)
	err := row.Scan(&sess.ID, &sess.AgentID, &history, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.History = history
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}
