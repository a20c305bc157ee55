package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// SQLiteStore provides SQLite-based history storage.
type SQLiteStore struct {
	db    *sql.DB
	clock clock
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite history store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the history tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT DEFAULT '',
		broadcast_scope TEXT DEFAULT '',
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT DEFAULT '{}',
		conversation_id TEXT DEFAULT '',
		parent_message_id TEXT DEFAULT '',
		flag_ack INTEGER DEFAULT 0,
		flag_follow_up INTEGER DEFAULT 0,
		flag_escalation INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_execution ON agent_messages(execution_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON agent_messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON agent_messages(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON agent_messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_execution ON workflow_events(execution_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append journals a message. INSERT OR IGNORE makes re-appends of the same
// message ID a no-op, which is what makes bus retries safe.
func (s *SQLiteStore) Append(ctx context.Context, msg *v1.AgentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.now()
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_messages
		(id, execution_id, sender_id, recipient_id, broadcast_scope, type, content, metadata,
		 conversation_id, parent_message_id, flag_ack, flag_follow_up, flag_escalation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ExecutionID, msg.SenderID, msg.RecipientID, string(msg.BroadcastScope),
		string(msg.Type), msg.Content, string(metadata), msg.ConversationID, msg.ParentMessageID,
		boolToInt(msg.Flags.Acknowledgment), boolToInt(msg.Flags.FollowUp), boolToInt(msg.Flags.Escalation),
		msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

const messageColumns = `id, execution_id, sender_id, recipient_id, broadcast_scope, type, content,
	metadata, conversation_id, parent_message_id, flag_ack, flag_follow_up, flag_escalation, created_at`

func (s *SQLiteStore) queryMessages(ctx context.Context, where string, q Query, args ...interface{}) ([]*v1.AgentMessage, error) {
	query := fmt.Sprintf("SELECT %s FROM agent_messages WHERE %s", messageColumns, where)
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY created_at, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []*v1.AgentMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func scanMessage(rows *sql.Rows) (*v1.AgentMessage, error) {
	var (
		msg                       v1.AgentMessage
		scope, metadata           string
		ack, followUp, escalation int
		createdAt                 time.Time
	)
	err := rows.Scan(&msg.ID, &msg.ExecutionID, &msg.SenderID, &msg.RecipientID, &scope,
		&msg.Type, &msg.Content, &metadata, &msg.ConversationID, &msg.ParentMessageID,
		&ack, &followUp, &escalation, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	msg.BroadcastScope = v1.BroadcastScope(scope)
	msg.Flags = v1.MessageFlags{
		Acknowledgment: ack != 0,
		FollowUp:       followUp != 0,
		Escalation:     escalation != 0,
	}
	msg.CreatedAt = createdAt.UTC()
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// QueryByExecution returns all messages of an execution in history order.
func (s *SQLiteStore) QueryByExecution(ctx context.Context, executionID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "execution_id = ?", q, executionID)
}

// QueryByAgent returns all messages sent or received by an agent.
func (s *SQLiteStore) QueryByAgent(ctx context.Context, agentID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "(sender_id = ? OR recipient_id = ?)", q, agentID, agentID)
}

// QueryByConversation returns all messages of a conversation.
func (s *SQLiteStore) QueryByConversation(ctx context.Context, conversationID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "conversation_id = ?", q, conversationID)
}

// AppendWorkflowEvent journals a workflow transition.
func (s *SQLiteStore) AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (id, execution_id, from_state, to_state, actor_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExecutionID, string(ev.FromState), string(ev.ToState), ev.ActorID, ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append workflow event: %w", err)
	}
	return nil
}

// WorkflowEvents returns the transition journal of an execution in order.
func (s *SQLiteStore) WorkflowEvents(ctx context.Context, executionID string) ([]*WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, from_state, to_state, actor_id, reason, created_at
		FROM workflow_events WHERE execution_id = ? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow events: %w", err)
	}
	defer rows.Close()

	var result []*WorkflowEvent
	for rows.Next() {
		var (
			ev       WorkflowEvent
			from, to string
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &from, &to, &ev.ActorID, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow event: %w", err)
		}
		ev.FromState = v1.WorkflowState(from)
		ev.ToState = v1.WorkflowState(to)
		ev.CreatedAt = ev.CreatedAt.UTC()
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// PruneExecution deletes all history of an execution.
func (s *SQLiteStore) PruneExecution(ctx context.Context, executionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_messages WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflow_events WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to prune workflow events: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
