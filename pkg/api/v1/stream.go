package v1

import "time"

// StreamEventType identifies a frame sent to broadcast-stream subscribers
type StreamEventType string

const (
	StreamEventConnected    StreamEventType = "connected"
	StreamEventMessage      StreamEventType = "message"
	StreamEventStateChanged StreamEventType = "state_changed"
	StreamEventConversation StreamEventType = "conversation"
	StreamEventProgress     StreamEventType = "progress"
	StreamEventLog          StreamEventType = "log"
	StreamEventCompleted    StreamEventType = "completed"
	StreamEventError        StreamEventType = "error"
	StreamEventHeartbeat    StreamEventType = "heartbeat"
)

// StreamScope identifies what a subscriber observes
type StreamScope string

const (
	StreamScopeExecution StreamScope = "execution"
	StreamScopeSquad     StreamScope = "squad"
)

// StreamEvent is one framed event on a broadcast-stream connection.
// Seq is per-subscriber monotonic and usable as since_id on reconnect.
type StreamEvent struct {
	Seq       uint64          `json:"id"`
	Event     StreamEventType `json:"event"`
	Data      interface{}     `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StateChangedPayload is the data carried by state_changed frames
type StateChangedPayload struct {
	ExecutionID string        `json:"execution_id"`
	From        WorkflowState `json:"from"`
	To          WorkflowState `json:"to"`
	ProgressPct int           `json:"progress_pct"`
	ActorID     string        `json:"actor_id"`
	Reason      string        `json:"reason,omitempty"`
}

// ConversationPayload is the data carried by conversation frames
type ConversationPayload struct {
	ConversationID  string `json:"conversation_id"`
	ExecutionID     string `json:"execution_id"`
	State           string `json:"state"`
	EscalationLevel int    `json:"escalation_level"`
}

// ProgressPayload is the periodic progress refresh
type ProgressPayload struct {
	ExecutionID string `json:"execution_id"`
	ProgressPct int    `json:"progress_pct"`
}

// CompletedPayload announces a finished execution
type CompletedPayload struct {
	ExecutionID string    `json:"execution_id"`
	Outcome     string    `json:"outcome"`
	CompletedAt time.Time `json:"completed_at"`
}

// ErrorPayload carries stream-level errors such as "lagged"
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
