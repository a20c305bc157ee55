// Package history provides the durable append-only log of agent messages.
//
// Ordering is by the (created_at, id) tuple; created_at comes from a
// monotonic server clock so retrieval order matches append order. The store
// never rewrites rows; retention is by deletion only.
package history

import (
	"context"
	"sync"
	"time"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Query bounds a history retrieval. Zero values mean unbounded.
type Query struct {
	Since time.Time
	Limit int
}

// WorkflowEvent is the journalled record of one workflow transition.
type WorkflowEvent struct {
	ID          string           `json:"id"`
	ExecutionID string           `json:"execution_id"`
	FromState   v1.WorkflowState `json:"from_state"`
	ToState     v1.WorkflowState `json:"to_state"`
	ActorID     string           `json:"actor_id"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Store is the history contract. Append completes before the corresponding
// bus publish returns (write-ahead ordering), so every message observable on
// the bus is retrievable here. Append is idempotent on message ID.
type Store interface {
	Append(ctx context.Context, msg *v1.AgentMessage) error
	QueryByExecution(ctx context.Context, executionID string, q Query) ([]*v1.AgentMessage, error)
	QueryByAgent(ctx context.Context, agentID string, q Query) ([]*v1.AgentMessage, error)
	QueryByConversation(ctx context.Context, conversationID string, q Query) ([]*v1.AgentMessage, error)

	AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error
	WorkflowEvents(ctx context.Context, executionID string) ([]*WorkflowEvent, error)

	// PruneExecution deletes all history of an execution (operator TTL path).
	PruneExecution(ctx context.Context, executionID string) error

	Close() error
}

// clock issues strictly increasing millisecond timestamps so that the
// (created_at, id) ordering is total per store instance.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := time.Now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}
