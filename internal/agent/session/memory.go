package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadflow/squadflow/internal/common/errors"
)

// MemoryStore provides in-memory session storage.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// Save inserts or replaces a session.
func (s *MemoryStore) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	copied := *sess
	copied.History = append([]byte(nil), sess.History...)
	s.sessions[sess.ID] = &copied
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	copied := *sess
	copied.History = append([]byte(nil), sess.History...)
	return &copied, nil
}

// FindByAgent returns the most recently updated session of an agent.
func (s *MemoryStore) FindByAgent(ctx context.Context, agentID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Session
	for _, sess := range s.sessions {
		if sess.AgentID != agentID {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, errors.NotFound("session for agent", agentID)
	}
	copied := *latest
	copied.History = append([]byte(nil), latest.History...)
	return &copied, nil
}
