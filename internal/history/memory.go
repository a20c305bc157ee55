package history

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// MemoryStore provides in-memory history storage for tests and development.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*v1.AgentMessage
	byID     map[string]struct{}
	events   map[string][]*WorkflowEvent // by execution ID
	clock    clock
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]struct{}),
		events: make(map[string][]*WorkflowEvent),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Append journals a message. Re-appending an existing ID is a no-op.
func (s *MemoryStore) Append(ctx context.Context, msg *v1.AgentMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byID[msg.ID]; dup {
		return nil
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.now()
	}

	stored := *msg
	s.messages = append(s.messages, &stored)
	s.byID[msg.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) query(match func(*v1.AgentMessage) bool, q Query) []*v1.AgentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.AgentMessage
	for _, m := range s.messages {
		if !match(m) {
			continue
		}
		if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
			continue
		}
		copied := *m
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result
}

// QueryByExecution returns all messages of an execution in history order.
func (s *MemoryStore) QueryByExecution(ctx context.Context, executionID string, q Query) ([]*v1.AgentMessage, error) {
	return s.query(func(m *v1.AgentMessage) bool {
		return m.ExecutionID == executionID
	}, q), nil
}

// QueryByAgent returns all messages sent or received by an agent.
func (s *MemoryStore) QueryByAgent(ctx context.Context, agentID string, q Query) ([]*v1.AgentMessage, error) {
	return s.query(func(m *v1.AgentMessage) bool {
		return m.SenderID == agentID || m.RecipientID == agentID
	}, q), nil
}

// QueryByConversation returns all messages of a conversation.
func (s *MemoryStore) QueryByConversation(ctx context.Context, conversationID string, q Query) ([]*v1.AgentMessage, error) {
	return s.query(func(m *v1.AgentMessage) bool {
		return m.ConversationID == conversationID
	}, q), nil
}

// AppendWorkflowEvent journals a workflow transition.
func (s *MemoryStore) AppendWorkflowEvent(ctx context.Context, ev *WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.clock.now()
	}
	stored := *ev
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], &stored)
	return nil
}

// WorkflowEvents returns the transition journal of an execution in order.
func (s *MemoryStore) WorkflowEvents(ctx context.Context, executionID string) ([]*WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[executionID]
	result := make([]*WorkflowEvent, 0, len(events))
	for _, ev := range events {
		copied := *ev
		result = append(result, &copied)
	}
	return result, nil
}

// PruneExecution deletes all history of an execution.
func (s *MemoryStore) PruneExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ExecutionID == executionID {
			delete(s.byID, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	delete(s.events, executionID)
	return nil
}
