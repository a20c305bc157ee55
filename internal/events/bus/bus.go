// Package bus provides the persistent agent message bus.
//
// Two implementations exist behind one interface: an in-memory bus for tests
// and single-node development, and a NATS JetStream bus for everything else.
// Both deliver at-least-once; consumers deduplicate by message ID.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common bus errors.
var (
	ErrBusClosed      = errors.New("message bus is closed")
	ErrPublishTimeout = errors.New("publish not confirmed within ack timeout")
)

// Message is the unit of transport on the bus. ID is the deduplication key:
// publishing the same ID twice is observable as one message.
type Message struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessage wraps a payload for transport. The payload must be JSON-serializable.
func NewMessage(id, subject, msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.New().String()
	}
	return &Message{
		ID:        id,
		Subject:   subject,
		Type:      msgType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the message payload into out.
func (m *Message) Decode(out interface{}) error {
	return json.Unmarshal(m.Data, out)
}

// Handler processes a delivered message. Returning an error nacks the
// delivery; the bus redelivers after the ack-wait deadline.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Stats exposes bus observability counters.
type Stats struct {
	MessagesStored int64 `json:"messages_stored"`
	BytesStored    int64 `json:"bytes_stored"`
	Subscribers    int   `json:"subscribers"`
	StreamCount    int   `json:"stream_count"`
}

// Options tunes retention and redelivery for a bus instance.
type Options struct {
	StreamName        string
	RetentionMessages int64
	RetentionAge      time.Duration
	AckWait           time.Duration
}

// DefaultOptions mirrors the documented defaults: 1M messages, 7 days, 30s ack wait.
func DefaultOptions() Options {
	return Options{
		StreamName:        "AGENT_MSG",
		RetentionMessages: 1_000_000,
		RetentionAge:      7 * 24 * time.Hour,
		AckWait:           30 * time.Second,
	}
}

// Bus is the persistent pub/sub contract. Publish is synchronous: the message
// is durably stored before the call returns. Subscribe patterns support NATS
// wildcards (* for one token, > for the rest).
type Bus interface {
	// Publish durably stores and fans out a message. Duplicate IDs are no-ops.
	Publish(ctx context.Context, subject string, msg *Message) error

	// Subscribe creates a durable subscription to a subject pattern.
	// Messages are delivered at-least-once, per-subject FIFO.
	Subscribe(pattern, durable string, handler Handler) (Subscription, error)

	// Stats returns observability counters.
	Stats() Stats

	// Close shuts the bus down.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
