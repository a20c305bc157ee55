package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// SQLiteStore provides SQLite-based conversation storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite conversation store.
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
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		initial_message_id TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL,
		asker_id TEXT NOT NULL,
		current_responder_id TEXT NOT NULL,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		follow_ups INTEGER NOT NULL DEFAULT 0,
		deadline_at DATETIME NOT NULL,
		acked_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		closed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS conversation_events (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL,
		message_id TEXT DEFAULT '',
		triggered_by_agent_id TEXT DEFAULT '',
		seq INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_execution ON conversations(execution_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);
	CREATE INDEX IF NOT EXISTS idx_conv_events_conversation ON conversation_events(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create persists a new conversation together with its creation event. The
// event insert and the row insert share one transaction.
func (s *SQLiteStore) Create(ctx context.Context, conv *v1.Conversation, event *v1.ConversationEvent) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.Version = 1
	event.ConversationID = conv.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertEvent(ctx, tx, event); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations
		(id, execution_id, initial_message_id, state, asker_id, current_responder_id,
		 escalation_level, follow_ups, deadline_at, acked_at, version, created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.ExecutionID, conv.InitialMessageID, string(conv.State), conv.AskerID,
		conv.CurrentResponderID, conv.EscalationLevel, conv.FollowUps, conv.DeadlineAt,
		conv.AckedAt, conv.Version, conv.CreatedAt, conv.ClosedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return tx.Commit()
}

const conversationColumns = `id, execution_id, initial_message_id, state, asker_id, current_responder_id,
	escalation_level, follow_ups, deadline_at, acked_at, version, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*v1.Conversation, error) {
	var (
		conv     v1.Conversation
		state    string
		ackedAt  sql.NullTime
		closedAt sql.NullTime
	)
	err := row.Scan(&conv.ID, &conv.ExecutionID, &conv.InitialMessageID, &state, &conv.AskerID,
		&conv.CurrentResponderID, &conv.EscalationLevel, &conv.FollowUps, &conv.DeadlineAt,
		&ackedAt, &conv.Version, &conv.CreatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	conv.State = v1.ConversationState(state)
	conv.DeadlineAt = conv.DeadlineAt.UTC()
	conv.CreatedAt = conv.CreatedAt.UTC()
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		conv.AckedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		conv.ClosedAt = &t
	}
	return &conv, nil
}

// Get retrieves a conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*v1.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("conversation", id)
	}
	return conv, err
}

// GetByInitialMessage retrieves the conversation tracking a question message.
func (s *SQLiteStore) GetByInitialMessage(ctx context.Context, messageID string) (*v1.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE initial_message_id = ?`, messageID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("conversation for message", messageID)
	}
	return conv, err
}

// Transition appends the audit event and applies the update in one
// transaction. The version predicate in the UPDATE is the optimistic check.
func (s *SQLiteStore) Transition(ctx context.Context, id string, expectedVersion int64, update Update, event *v1.ConversationEvent) (*v1.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	current, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("conversation", id)
	}
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, errors.Conflict("conversation was modified concurrently")
	}
	if update.State != nil && !CanTransition(current.State, *update.State) {
		return nil, errors.IllegalTransition(string(current.State), string(*update.State))
	}

	event.ConversationID = id
	event.FromState = current.State
	if err := s.insertEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	set := "version = version + 1"
	args := []interface{}{}
	if update.State != nil {
		set += ", state = ?"
		args = append(args, string(*update.State))
	}
	if update.CurrentResponderID != nil {
		set += ", current_responder_id = ?"
		args = append(args, *update.CurrentResponderID)
	}
	if update.EscalationLevel != nil {
		set += ", escalation_level = ?"
		args = append(args, *update.EscalationLevel)
	}
	if update.FollowUps != nil {
		set += ", follow_ups = ?"
		args = append(args, *update.FollowUps)
	}
	if update.DeadlineAt != nil {
		set += ", deadline_at = ?"
		args = append(args, *update.DeadlineAt)
	}
	if update.AckedAt != nil {
		set += ", acked_at = ?"
		args = append(args, *update.AckedAt)
	}
	if update.Closed {
		set += ", closed_at = ?"
		args = append(args, time.Now().UTC())
	}
	args = append(args, id, expectedVersion)

	result, err := tx.ExecContext(ctx,
		"UPDATE conversations SET "+set+" WHERE id = ? AND version = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.Conflict("conversation was modified concurrently")
	}

	row = tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	updated, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return updated, nil
}

// ListByExecution returns all conversations of an execution.
func (s *SQLiteStore) ListByExecution(ctx context.Context, executionID string) ([]*v1.Conversation, error) {
	return s.list(ctx, "execution_id = ?", executionID)
}

// ListActive returns all conversations in a non-terminal state.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*v1.Conversation, error) {
	return s.list(ctx, "state NOT IN (?, ?)",
		string(v1.ConversationAnswered), string(v1.ConversationCancelled))
}

func (s *SQLiteStore) list(ctx context.Context, where string, args ...interface{}) ([]*v1.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var result []*v1.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// Events returns the audit trail of a conversation in append order.
func (s *SQLiteStore) Events(ctx context.Context, conversationID string) ([]*v1.ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, event_type, from_state, to_state, message_id, triggered_by_agent_id, created_at
		FROM conversation_events WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation events: %w", err)
	}
	defer rows.Close()

	var result []*v1.ConversationEvent
	for rows.Next() {
		var (
			ev       v1.ConversationEvent
			from, to string
		)
		err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.EventType, &from, &to,
			&ev.MessageID, &ev.TriggeredByAgentID, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation event: %w", err)
		}
		ev.FromState = v1.ConversationState(from)
		ev.ToState = v1.ConversationState(to)
		ev.CreatedAt = ev.CreatedAt.UTC()
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) insertEvent(ctx context.Context, tx *sql.Tx, event *v1.ConversationEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM conversation_events WHERE conversation_id = ?`,
		event.ConversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_events
		(id, conversation_id, event_type, from_state, to_state, message_id, triggered_by_agent_id, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.ConversationID, event.EventType, string(event.FromState),
		string(event.ToState), event.MessageID, event.TriggeredByAgentID, seq.Int64+1, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append conversation event: %w", err)
	}
	return nil
}
