package v1

import "time"

// ConversationState tracks the lifecycle of a question
type ConversationState string

const (
	ConversationInitiated  ConversationState = "initiated"
	ConversationWaiting    ConversationState = "waiting"
	ConversationTimeout    ConversationState = "timeout"
	ConversationFollowUp   ConversationState = "follow_up"
	ConversationEscalating ConversationState = "escalating"
	ConversationEscalated  ConversationState = "escalated"
	ConversationAnswered   ConversationState = "answered"
	ConversationCancelled  ConversationState = "cancelled"
)

// IsTerminal reports whether the state closes the conversation.
func (s ConversationState) IsTerminal() bool {
	return s == ConversationAnswered || s == ConversationCancelled
}

// Conversation wraps one question message with lifecycle tracking. Version
// implements the optimistic concurrency check; every state change increments it.
type Conversation struct {
	ID                 string            `json:"id"`
	ExecutionID        string            `json:"execution_id"`
	InitialMessageID   string            `json:"initial_message_id"`
	State              ConversationState `json:"state"`
	AskerID            string            `json:"asker_id"`
	CurrentResponderID string            `json:"current_responder_id"`
	EscalationLevel    int               `json:"escalation_level"`
	FollowUps          int               `json:"follow_ups"`
	DeadlineAt         time.Time         `json:"deadline_at"`
	AckedAt            *time.Time        `json:"acked_at,omitempty"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	ClosedAt           *time.Time        `json:"closed_at,omitempty"`
}

// ConversationEvent is one append-only audit record. The event is durable
// before the state change it describes becomes externally visible.
type ConversationEvent struct {
	ID                 string            `json:"id"`
	ConversationID     string            `json:"conversation_id"`
	EventType          string            `json:"event_type"`
	FromState          ConversationState `json:"from_state"`
	ToState            ConversationState `json:"to_state"`
	MessageID          string            `json:"message_id,omitempty"`
	TriggeredByAgentID string            `json:"triggered_by_agent_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// Conversation event types.
const (
	ConvEventCreated           = "conversation.created"
	ConvEventAcknowledged      = "conversation.acknowledged"
	ConvEventTimeout           = "conversation.timeout"
	ConvEventFollowUp          = "conversation.follow_up"
	ConvEventEscalating        = "conversation.escalating"
	ConvEventEscalated         = "conversation.escalated"
	ConvEventAnswered          = "conversation.answered"
	ConvEventCancelled         = "conversation.cancelled"
	ConvEventHumanIntervention = "conversation.human_intervention"
)
