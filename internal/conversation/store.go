// Package conversation tracks the lifecycle of question messages.
package conversation

import (
	"context"
	"time"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Update carries the fields a conversation transition may change. Nil
// pointers leave the column untouched.
type Update struct {
	State              *v1.ConversationState
	CurrentResponderID *string
	EscalationLevel    *int
	FollowUps          *int
	DeadlineAt         *time.Time
	AckedAt            *time.Time
	Closed             bool
}

// Store persists conversations and their audit trail. Transition applies the
// event and the row update atomically under an optimistic version check;
// readers never observe a state whose event is not yet durable.
type Store interface {
	Create(ctx context.Context, conv *v1.Conversation, event *v1.ConversationEvent) error
	Get(ctx context.Context, id string) (*v1.Conversation, error)
	GetByInitialMessage(ctx context.Context, messageID string) (*v1.Conversation, error)
	Transition(ctx context.Context, id string, expectedVersion int64, update Update, event *v1.ConversationEvent) (*v1.Conversation, error)
	ListByExecution(ctx context.Context, executionID string) ([]*v1.Conversation, error)
	ListActive(ctx context.Context) ([]*v1.Conversation, error)
	Events(ctx context.Context, conversationID string) ([]*v1.ConversationEvent, error)
	Close() error
}

// validTransitions is the conversation edge set. Terminal states have no
// outgoing edges; answered and cancelled are reachable from any live state.
//
// The conceptual ladder is waiting -> follow_up -> escalating; this table
// interposes an explicit timeout state on every deadline expiry so the audit
// trail records the expiry separately from the recovery chosen (follow-up
// while the budget lasts, escalation after). Observable behavior is the
// same: one timed-out question gets its follow-ups, then climbs the
// escalation ladder.
var validTransitions = map[v1.ConversationState][]v1.ConversationState{
	v1.ConversationInitiated:  {v1.ConversationWaiting, v1.ConversationTimeout},
	v1.ConversationWaiting:    {v1.ConversationTimeout},
	v1.ConversationTimeout:    {v1.ConversationFollowUp, v1.ConversationEscalating},
	v1.ConversationFollowUp:   {v1.ConversationWaiting, v1.ConversationTimeout, v1.ConversationEscalating},
	v1.ConversationEscalating: {v1.ConversationEscalated},
	v1.ConversationEscalated:  {v1.ConversationWaiting, v1.ConversationTimeout},
}

// CanTransition reports whether from -> to is a legal conversation edge.
func CanTransition(from, to v1.ConversationState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == v1.ConversationAnswered || to == v1.ConversationCancelled {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
