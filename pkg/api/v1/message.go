package v1

import "time"

// MessageType classifies an agent message on the wire
type MessageType string

const (
	MessageTypeTaskAssignment       MessageType = "task_assignment"
	MessageTypeQuestion             MessageType = "question"
	MessageTypeAnswer               MessageType = "answer"
	MessageTypeStatusUpdate         MessageType = "status_update"
	MessageTypeCodeReviewRequest    MessageType = "code_review_request"
	MessageTypeCodeReviewResponse   MessageType = "code_review_response"
	MessageTypeTaskCompletion       MessageType = "task_completion"
	MessageTypeStandup              MessageType = "standup"
	MessageTypeHumanIntervention    MessageType = "human_intervention_required"
)

// BroadcastScope identifies the recipient set of a fanout message.
// Valid values: "squad", "execution", or "role:<role>".
type BroadcastScope string

const (
	ScopeSquad     BroadcastScope = "squad"
	ScopeExecution BroadcastScope = "execution"
)

// RoleScope builds the broadcast scope addressing every member with the given role.
func RoleScope(role AgentRole) BroadcastScope {
	return BroadcastScope("role:" + string(role))
}

// Visibility values recognized in message metadata.
const (
	VisibilityPublic   = "public"
	VisibilityInternal = "internal"
)

// MessageFlags carries lifecycle markers for a message
type MessageFlags struct {
	Acknowledgment bool `json:"ack,omitempty"`
	FollowUp       bool `json:"follow_up,omitempty"`
	Escalation     bool `json:"escalation,omitempty"`
}

// AgentMessage is the immutable message envelope exchanged between agents.
// Exactly one of RecipientID and BroadcastScope is set. Corrections are new
// messages carrying ParentMessageID; rows are never updated in place.
type AgentMessage struct {
	ID              string                 `json:"id"`
	ExecutionID     string                 `json:"execution_id"`
	SenderID        string                 `json:"sender_id"`
	RecipientID     string                 `json:"recipient_id,omitempty"`
	BroadcastScope  BroadcastScope         `json:"broadcast_scope,omitempty"`
	Type            MessageType            `json:"type"`
	Content         string                 `json:"content"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ConversationID  string                 `json:"conversation_id,omitempty"`
	ParentMessageID string                 `json:"parent_message_id,omitempty"`
	Flags           MessageFlags           `json:"flags"`
	CreatedAt       time.Time              `json:"created_at"`
}

// IsBroadcast reports whether the message is addressed to a scope rather than a single agent.
func (m *AgentMessage) IsBroadcast() bool {
	return m.BroadcastScope != ""
}

// Visibility returns the metadata visibility flag, defaulting to internal.
func (m *AgentMessage) Visibility() string {
	if v, ok := m.Metadata["visibility"].(string); ok && v == VisibilityPublic {
		return VisibilityPublic
	}
	return VisibilityInternal
}

// Blocked reports whether the message carries the blocked marker used by
// status updates to raise a blocker.
func (m *AgentMessage) Blocked() bool {
	v, ok := m.Metadata["blocked"].(bool)
	return ok && v
}

// Validate checks the envelope addressing invariant.
func (m *AgentMessage) Validate() error {
	if m.ID == "" {
		return ErrMissingMessageID
	}
	if m.ExecutionID == "" {
		return ErrMissingExecutionID
	}
	if m.SenderID == "" {
		return ErrMissingSenderID
	}
	if (m.RecipientID == "") == (m.BroadcastScope == "") {
		return ErrInvalidAddressing
	}
	return nil
}
