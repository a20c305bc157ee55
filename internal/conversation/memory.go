package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// MemoryStore provides in-memory conversation storage.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*v1.Conversation
	byInitialMsg  map[string]string
	events        map[string][]*v1.ConversationEvent
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*v1.Conversation),
		byInitialMsg:  make(map[string]string),
		events:        make(map[string][]*v1.ConversationEvent),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Create persists a new conversation together with its creation event.
func (s *MemoryStore) Create(ctx context.Context, conv *v1.Conversation, event *v1.ConversationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if _, dup := s.conversations[conv.ID]; dup {
		return errors.Conflict("conversation already exists")
	}
	if existing, dup := s.byInitialMsg[conv.InitialMessageID]; dup {
		return errors.Conflict("message already tracked by conversation " + existing)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	conv.Version = 1

	event.ConversationID = conv.ID
	s.appendEventLocked(conv.ID, event)

	copied := *conv
	s.conversations[conv.ID] = &copied
	s.byInitialMsg[conv.InitialMessageID] = conv.ID
	return nil
}

// Get retrieves a conversation by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*v1.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, errors.NotFound("conversation", id)
	}
	copied := *conv
	return &copied, nil
}

// GetByInitialMessage retrieves the conversation tracking a question message.
func (s *MemoryStore) GetByInitialMessage(ctx context.Context, messageID string) (*v1.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInitialMsg[messageID]
	if !ok {
		return nil, errors.NotFound("conversation for message", messageID)
	}
	copied := *s.conversations[id]
	return &copied, nil
}

// Transition appends the audit event and applies the update in one step.
// A stale expectedVersion yields Conflict; an invalid edge IllegalTransition.
func (s *MemoryStore) Transition(ctx context.Context, id string, expectedVersion int64, update Update, event *v1.ConversationEvent) (*v1.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, errors.NotFound("conversation", id)
	}
	if conv.Version != expectedVersion {
		return nil, errors.Conflict("conversation was modified concurrently")
	}
	if update.State != nil && !CanTransition(conv.State, *update.State) {
		return nil, errors.IllegalTransition(string(conv.State), string(*update.State))
	}

	event.ConversationID = id
	event.FromState = conv.State
	s.appendEventLocked(id, event)

	if update.State != nil {
		conv.State = *update.State
	}
	if update.CurrentResponderID != nil {
		conv.CurrentResponderID = *update.CurrentResponderID
	}
	if update.EscalationLevel != nil {
		conv.EscalationLevel = *update.EscalationLevel
	}
	if update.FollowUps != nil {
		conv.FollowUps = *update.FollowUps
	}
	if update.DeadlineAt != nil {
		conv.DeadlineAt = *update.DeadlineAt
	}
	if update.AckedAt != nil {
		conv.AckedAt = update.AckedAt
	}
	if update.Closed {
		now := time.Now().UTC()
		conv.ClosedAt = &now
	}
	conv.Version++

	copied := *conv
	return &copied, nil
}

// ListByExecution returns all conversations of an execution.
func (s *MemoryStore) ListByExecution(ctx context.Context, executionID string) ([]*v1.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.Conversation
	for _, conv := range s.conversations {
		if conv.ExecutionID == executionID {
			copied := *conv
			result = append(result, &copied)
		}
	}
	sortConversations(result)
	return result, nil
}

// ListActive returns all conversations in a non-terminal state.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*v1.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*v1.Conversation
	for _, conv := range s.conversations {
		if !conv.State.IsTerminal() {
			copied := *conv
			result = append(result, &copied)
		}
	}
	sortConversations(result)
	return result, nil
}

// Events returns the audit trail of a conversation in append order.
func (s *MemoryStore) Events(ctx context.Context, conversationID string) ([]*v1.ConversationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[conversationID]
	result := make([]*v1.ConversationEvent, len(events))
	for i, ev := range events {
		copied := *ev
		result[i] = &copied
	}
	return result, nil
}

func (s *MemoryStore) appendEventLocked(conversationID string, event *v1.ConversationEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	copied := *event
	s.events[conversationID] = append(s.events[conversationID], &copied)
}

func sortConversations(convs []*v1.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
}
