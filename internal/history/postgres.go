package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// PostgresStore provides Postgres-based history storage via pgx.
type PostgresStore struct {
	pool  *pgxpool.Pool
	clock clock
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and ensures the history schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		broadcast_scope TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		conversation_id TEXT NOT NULL DEFAULT '',
		parent_message_id TEXT NOT NULL DEFAULT '',
		flag_ack BOOLEAN NOT NULL DEFAULT FALSE,
		flag_follow_up BOOLEAN NOT NULL DEFAULT FALSE,
		flag_escalation BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_execution ON agent_messages(execution_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON agent_messages(sender_id);
	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON agent_messages(recipient_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON agent_messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_events_execution ON workflow_events(execution_id, created_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Append journals a message; ON CONFLICT DO NOTHING keeps re-appends idempotent.
func (s *PostgresStore) Append(ctx context.Context, msg *v1.AgentMessage) error {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_messages
		(id, execution_id, sender_id, recipient_id, broadcast_scope, type, content, metadata,
		 conversation_id, parent_message_id, flag_ack, flag_follow_up, flag_escalation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ExecutionID, msg.SenderID, msg.RecipientID, string(msg.BroadcastScope),
		string(msg.Type), msg.Content, metadata, msg.ConversationID, msg.ParentMessageID,
		msg.Flags.Acknowledgment, msg.Flags.FollowUp, msg.Flags.Escalation, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, where string, q Query, args ...interface{}) ([]*v1.AgentMessage, error) {
	query := `SELECT id, execution_id, sender_id, recipient_id, broadcast_scope, type, content,
		metadata, conversation_id, parent_message_id, flag_ack, flag_follow_up, flag_escalation, created_at
		FROM agent_messages WHERE ` + where
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	query += " ORDER BY created_at, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var result []*v1.AgentMessage
	for rows.Next() {
		var (
			msg      v1.AgentMessage
			scope    string
			metadata []byte
		)
		err := rows.Scan(&msg.ID, &msg.ExecutionID, &msg.SenderID, &msg.RecipientID, &scope,
			&msg.Type, &msg.Content, &metadata, &msg.ConversationID, &msg.ParentMessageID,
			&msg.Flags.Acknowledgment, &msg.Flags.FollowUp, &msg.Flags.Escalation, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.BroadcastScope = v1.BroadcastScope(scope)
		msg.CreatedAt = msg.CreatedAt.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for message %s: %w", msg.ID, err)
			}
		}
		result = append(result, &msg)
	}
	return result, rows.Err()
}

// QueryByExecution returns all messages of an execution in history order.
func (s *PostgresStore) QueryByExecution(ctx context.Context, executionID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "execution_id = $1", q, executionID)
}

// QueryByAgent returns all messages sent or received by an agent.
func (s *PostgresStore) QueryByAgent(ctx context.Context, agentID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "(sender_id = $1 OR recipient_id = $2)", q, agentID, agentID)
}

// QueryByConversation returns all messages of a conversation.
func (s *PostgresStore) QueryByConversation(ctx context.Context, conversationID string, q Query) ([]*v1.AgentMessage, error) {
	return s.queryMessages(ctx, "conversation_id = $1", q, conversationID)
}

// AppendWorkflowEvent journals a workflow transition.
func (s *PostgresStore) AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock.now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_events (id, execution_id, from_state, to_state, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ExecutionID, string(ev.FromState), string(ev.ToState), ev.ActorID, ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append workflow event: %w", err)
	}
	return nil
}

// WorkflowEvents returns the transition journal of an execution in order.
func (s *PostgresStore) WorkflowEvents(ctx context.Context, executionID string) ([]*WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, from_state, to_state, actor_id, reason, created_at
		FROM workflow_events WHERE execution_id = $1 ORDER BY created_at, id`, executionID)
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
func (s *PostgresStore) PruneExecution(ctx context.Context, executionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agent_messages WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_events WHERE execution_id = $1`, executionID); err != nil {
		return fmt.Errorf("failed to prune workflow events: %w", err)
	}
	return nil
}
