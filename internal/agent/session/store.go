// Package session persists per-agent conversational memory. The core treats
// the history as an opaque blob; only the agent runtime interprets it.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one turn of an agent's conversational history.
type Entry struct {
	Role      string    `json:"role"` // "user", "assistant", "tool"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the durable conversation memory of one agent. Sessions survive
// process restarts and agent removal; the core never deletes them.
type Session struct {
	ID        string          `json:"session_id"`
	AgentID   string          `json:"agent_id"`
	History   json.RawMessage `json:"history"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entries decodes the history blob.
func (s *Session) Entries() ([]Entry, error) {
	if len(s.History) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(s.History, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SetEntries encodes the history blob.
func (s *Session) SetEntries(entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	s.History = data
	return nil
}

// Store persists sessions keyed by session ID.
type Store interface {
	// Save inserts or replaces a session.
	Save(ctx context.Context, sess *Session) error
	// Get retrieves a session by ID.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// FindByAgent returns the most recently updated session of an agent.
	FindByAgent(ctx context.Context, agentID string) (*Session, error)
	// Close closes the store (for database connections)
	Close() error
}
