package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Directory resolves agent identities within an execution's squad. The
// orchestrator backs it with the squad repository.
type Directory interface {
	Role(ctx context.Context, executionID, agentID string) (v1.AgentRole, error)
	FindByRole(ctx context.Context, executionID string, role v1.AgentRole) (string, error)
}

// Tracker watches agent traffic for questions and drives each conversation
// through its lifecycle. Deadlines are enforced by one timer per
// conversation; all timer callbacks for a conversation run serially.
type Tracker struct {
	store   Store
	history history.Store
	bus     bus.Bus
	dir     Directory
	cfg     config.ConversationConfig
	log     *logger.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	sub    bus.Subscription
	closed bool
}

// NewTracker creates the conversation tracker.
func NewTracker(store Store, hist history.Store, b bus.Bus, dir Directory, cfg config.ConversationConfig, log *logger.Logger) *Tracker {
	return &Tracker{
		store:   store,
		history: hist,
		bus:     b,
		dir:     dir,
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "conversation_tracker")),
		timers:  make(map[string]*time.Timer),
	}
}

// Start subscribes to agent traffic and re-arms deadlines for conversations
// that were live before a restart.
func (t *Tracker) Start(ctx context.Context) error {
	sub, err := t.bus.Subscribe("agent.msg.>", "conversation-tracker", t.handleBusMessage)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to agent traffic")
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()

	active, err := t.store.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load active conversations")
	}
	for _, conv := range active {
		t.armDeadline(conv.ID, time.Until(conv.DeadlineAt))
	}
	t.log.Info("conversation tracker started", zap.Int("active", len(active)))
	return nil
}

// Stop cancels all timers and the bus subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	sub := t.sub
	t.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Get returns the current conversation row.
func (t *Tracker) Get(ctx context.Context, id string) (*v1.Conversation, error) {
	return t.store.Get(ctx, id)
}

// Events returns the audit trail of a conversation.
func (t *Tracker) Events(ctx context.Context, id string) ([]*v1.ConversationEvent, error) {
	return t.store.Events(ctx, id)
}

// ListByExecution returns all conversations of an execution.
func (t *Tracker) ListByExecution(ctx context.Context, executionID string) ([]*v1.Conversation, error) {
	return t.store.ListByExecution(ctx, executionID)
}

// Cancel closes a conversation on behalf of its asker.
func (t *Tracker) Cancel(ctx context.Context, conversationID, askerID string) error {
	conv, err := t.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State.IsTerminal() {
		return errors.Conflict("conversation already closed")
	}
	if conv.AskerID != askerID {
		return errors.Conflict("only the asker may cancel a conversation")
	}

	cancelled := v1.ConversationCancelled
	updated, err := t.store.Transition(ctx, conversationID, conv.Version,
		Update{State: &cancelled, Closed: true},
		&v1.ConversationEvent{
			EventType:          v1.ConvEventCancelled,
			ToState:            cancelled,
			TriggeredByAgentID: askerID,
		})
	if err != nil {
		return err
	}
	t.disarm(conversationID)
	t.publishLifecycle(ctx, updated)
	return nil
}

// handleBusMessage classifies one observed agent message.
func (t *Tracker) handleBusMessage(ctx context.Context, msg *bus.Message) error {
	var m v1.AgentMessage
	if err := msg.Decode(&m); err != nil {
		// not an agent envelope, skip rather than poison the subscription
		t.log.Warn("skipping undecodable message", zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}

	switch {
	case m.Type == v1.MessageTypeQuestion && m.ConversationID == "" && m.RecipientID != "":
		return t.initiate(ctx, &m)
	case m.Type == v1.MessageTypeAnswer:
		return t.onAnswer(ctx, &m)
	case m.ConversationID != "" && m.Type != v1.MessageTypeQuestion:
		return t.onResponderActivity(ctx, &m)
	}
	return nil
}

// initiate opens a conversation for a fresh question.
func (t *Tracker) initiate(ctx context.Context, m *v1.AgentMessage) error {
	conv := &v1.Conversation{
		ID:                 uuid.New().String(),
		ExecutionID:        m.ExecutionID,
		InitialMessageID:   m.ID,
		State:              v1.ConversationInitiated,
		AskerID:            m.SenderID,
		CurrentResponderID: m.RecipientID,
		DeadlineAt:         time.Now().UTC().Add(t.cfg.AckTimeout),
	}
	err := t.store.Create(ctx, conv, &v1.ConversationEvent{
		EventType:          v1.ConvEventCreated,
		ToState:            v1.ConversationInitiated,
		MessageID:          m.ID,
		TriggeredByAgentID: m.SenderID,
	})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		// redelivery of an already-tracked question
		return nil
	}
	if err != nil {
		return err
	}

	t.armDeadline(conv.ID, t.cfg.AckTimeout)
	t.publishLifecycle(ctx, conv)
	t.log.Info("conversation initiated",
		zap.String("conversation_id", conv.ID),
		zap.String("asker_id", conv.AskerID),
		zap.String("responder_id", conv.CurrentResponderID))
	return nil
}

// onAnswer closes the conversation the answer belongs to.
func (t *Tracker) onAnswer(ctx context.Context, m *v1.AgentMessage) error {
	conv, err := t.lookup(ctx, m)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if conv.State.IsTerminal() {
		return nil
	}

	answered := v1.ConversationAnswered
	updated, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &answered, Closed: true},
		&v1.ConversationEvent{
			EventType:          v1.ConvEventAnswered,
			ToState:            answered,
			MessageID:          m.ID,
			TriggeredByAgentID: m.SenderID,
		})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		return err // redeliver and retry against the fresh version
	}
	if err != nil {
		return err
	}

	t.disarm(conv.ID)
	t.publishLifecycle(ctx, updated)
	t.log.Info("conversation answered",
		zap.String("conversation_id", conv.ID),
		zap.String("responder_id", m.SenderID))
	return nil
}

// onResponderActivity records the acknowledgment when the responder reacts
// to a fresh question with anything but an answer.
func (t *Tracker) onResponderActivity(ctx context.Context, m *v1.AgentMessage) error {
	conv, err := t.store.Get(ctx, m.ConversationID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if conv.State != v1.ConversationInitiated &&
		conv.State != v1.ConversationFollowUp &&
		conv.State != v1.ConversationEscalated {
		return nil
	}
	if m.SenderID != conv.CurrentResponderID || m.RecipientID != conv.AskerID {
		return nil
	}

	waiting := v1.ConversationWaiting
	now := time.Now().UTC()
	deadline := now.Add(t.cfg.AnswerTimeout)
	updated, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &waiting, AckedAt: &now, DeadlineAt: &deadline},
		&v1.ConversationEvent{
			EventType:          v1.ConvEventAcknowledged,
			ToState:            waiting,
			MessageID:          m.ID,
			TriggeredByAgentID: m.SenderID,
		})
	if errors.IsCode(err, errors.ErrCodeConflict) {
		return err
	}
	if err != nil {
		return err
	}

	t.armDeadline(conv.ID, t.cfg.AnswerTimeout)
	t.publishLifecycle(ctx, updated)
	return nil
}

// lookup finds the conversation an answer message refers to, either through
// the explicit conversation ID or through the parent question.
func (t *Tracker) lookup(ctx context.Context, m *v1.AgentMessage) (*v1.Conversation, error) {
	if m.ConversationID != "" {
		return t.store.Get(ctx, m.ConversationID)
	}
	if m.ParentMessageID != "" {
		return t.store.GetByInitialMessage(ctx, m.ParentMessageID)
	}
	return nil, errors.NotFound("conversation for message", m.ID)
}

// armDeadline (re)schedules the deadline callback for a conversation.
func (t *Tracker) armDeadline(conversationID string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[conversationID]; ok {
		old.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(d, func() {
		t.onDeadline(conversationID)
	})
}

func (t *Tracker) disarm(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[conversationID]; ok {
		timer.Stop()
		delete(t.timers, conversationID)
	}
}

// onDeadline advances an overdue conversation. The chain per tick is:
// live state -> timeout, then either follow_up (policy budget left) or
// escalating -> escalated.
func (t *Tracker) onDeadline(conversationID string) {
	ctx := context.Background()
	log := t.log.WithConversationID(conversationID)

	conv, err := t.store.Get(ctx, conversationID)
	if err != nil {
		log.Error("deadline fired for unknown conversation", zap.Error(err))
		return
	}
	if conv.State.IsTerminal() {
		return
	}
	if remaining := time.Until(conv.DeadlineAt); remaining > time.Millisecond {
		// deadline was extended after the timer fired
		t.armDeadline(conversationID, remaining)
		return
	}

	timeout := v1.ConversationTimeout
	conv, err = t.store.Transition(ctx, conversationID, conv.Version,
		Update{State: &timeout},
		&v1.ConversationEvent{EventType: v1.ConvEventTimeout, ToState: timeout})
	if err != nil {
		log.Warn("timeout transition rejected, rechecking later", zap.Error(err))
		t.armDeadline(conversationID, t.cfg.AckTimeout)
		return
	}
	t.publishLifecycle(ctx, conv)

	if conv.FollowUps < t.cfg.FollowUpLimit {
		t.followUp(ctx, conv, log)
		return
	}
	t.escalate(ctx, conv, log)
}

// followUp nudges the current responder with a synthetic message from the
// asker and grants a fresh ack window.
func (t *Tracker) followUp(ctx context.Context, conv *v1.Conversation, log *logger.Logger) {
	followUps := conv.FollowUps + 1
	state := v1.ConversationFollowUp
	deadline := time.Now().UTC().Add(t.cfg.AckTimeout)

	msg := &v1.AgentMessage{
		ID:              uuid.New().String(),
		ExecutionID:     conv.ExecutionID,
		SenderID:        conv.AskerID,
		RecipientID:     conv.CurrentResponderID,
		Type:            v1.MessageTypeQuestion,
		Content:         "Following up on my earlier question, could you take a look?",
		ConversationID:  conv.ID,
		ParentMessageID: conv.InitialMessageID,
		Flags:           v1.MessageFlags{FollowUp: true},
	}

	updated, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &state, FollowUps: &followUps, DeadlineAt: &deadline},
		&v1.ConversationEvent{
			EventType: v1.ConvEventFollowUp,
			ToState:   state,
			MessageID: msg.ID,
		})
	if err != nil {
		log.Warn("follow-up transition rejected", zap.Error(err))
		return
	}

	if err := t.deliver(ctx, msg); err != nil {
		log.Error("failed to deliver follow-up message", zap.Error(err))
	}
	t.armDeadline(conv.ID, t.cfg.AckTimeout)
	t.publishLifecycle(ctx, updated)
	log.Info("follow-up sent", zap.Int("follow_ups", followUps))
}

// escalate walks one rung up the role ladder, or requests human intervention
// when the ladder is exhausted.
func (t *Tracker) escalate(ctx context.Context, conv *v1.Conversation, log *logger.Logger) {
	level := conv.EscalationLevel + 1
	escalating := v1.ConversationEscalating
	conv, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &escalating, EscalationLevel: &level},
		&v1.ConversationEvent{EventType: v1.ConvEventEscalating, ToState: escalating})
	if err != nil {
		log.Warn("escalating transition rejected", zap.Error(err))
		return
	}
	t.publishLifecycle(ctx, conv)

	responderRole, err := t.dir.Role(ctx, conv.ExecutionID, conv.CurrentResponderID)
	targetRole, hasTarget := v1.AgentRole(""), false
	if err == nil {
		targetRole, hasTarget = v1.EscalationTarget(responderRole)
	}

	if !hasTarget || level >= t.cfg.MaxEscalation {
		t.requestHumanIntervention(ctx, conv, log)
		return
	}

	targetID, err := t.dir.FindByRole(ctx, conv.ExecutionID, targetRole)
	if err != nil {
		log.Warn("no agent available for escalation target",
			zap.String("target_role", string(targetRole)), zap.Error(err))
		t.requestHumanIntervention(ctx, conv, log)
		return
	}

	escalated := v1.ConversationEscalated
	deadline := time.Now().UTC().Add(t.cfg.AckTimeout)
	question, content := t.originalQuestion(ctx, conv)
	msg := &v1.AgentMessage{
		ID:              uuid.New().String(),
		ExecutionID:     conv.ExecutionID,
		SenderID:        conv.AskerID,
		RecipientID:     targetID,
		Type:            v1.MessageTypeQuestion,
		Content:         content,
		ConversationID:  conv.ID,
		ParentMessageID: question,
		Flags:           v1.MessageFlags{Escalation: true},
	}

	updated, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &escalated, CurrentResponderID: &targetID, DeadlineAt: &deadline},
		&v1.ConversationEvent{
			EventType:          v1.ConvEventEscalated,
			ToState:            escalated,
			MessageID:          msg.ID,
			TriggeredByAgentID: targetID,
		})
	if err != nil {
		log.Warn("escalated transition rejected", zap.Error(err))
		return
	}

	if err := t.deliver(ctx, msg); err != nil {
		log.Error("failed to redeliver question to escalation target", zap.Error(err))
	}
	t.armDeadline(conv.ID, t.cfg.AckTimeout)
	t.publishLifecycle(ctx, updated)
	log.Info("conversation escalated",
		zap.Int("escalation_level", level),
		zap.String("new_responder_id", targetID))
}

// requestHumanIntervention hands the conversation to a human. The execution
// scope broadcast lets the orchestrator block the execution.
func (t *Tracker) requestHumanIntervention(ctx context.Context, conv *v1.Conversation, log *logger.Logger) {
	escalated := v1.ConversationEscalated
	human := "human"
	msg := &v1.AgentMessage{
		ID:             uuid.New().String(),
		ExecutionID:    conv.ExecutionID,
		SenderID:       conv.AskerID,
		BroadcastScope: v1.ScopeExecution,
		Type:           v1.MessageTypeHumanIntervention,
		Content:        "Escalation ladder exhausted, a human needs to answer this question.",
		ConversationID: conv.ID,
		Flags:          v1.MessageFlags{Escalation: true},
	}

	updated, err := t.store.Transition(ctx, conv.ID, conv.Version,
		Update{State: &escalated, CurrentResponderID: &human},
		&v1.ConversationEvent{
			EventType: v1.ConvEventHumanIntervention,
			ToState:   escalated,
			MessageID: msg.ID,
		})
	if err != nil {
		log.Warn("human intervention transition rejected", zap.Error(err))
		return
	}

	if err := t.deliver(ctx, msg); err != nil {
		log.Error("failed to publish human intervention request", zap.Error(err))
	}
	// no new deadline: the conversation waits for an external answer or cancel
	t.publishLifecycle(ctx, updated)
	log.Warn("human intervention requested")
}

// originalQuestion returns the initial message ID and its content, falling
// back to a generic prompt when history is unavailable.
func (t *Tracker) originalQuestion(ctx context.Context, conv *v1.Conversation) (string, string) {
	msgs, err := t.history.QueryByConversation(ctx, conv.ID, history.Query{Limit: 1})
	if err == nil && len(msgs) > 0 {
		return conv.InitialMessageID, msgs[0].Content
	}
	return conv.InitialMessageID, "An unanswered question needs your attention."
}

// deliver writes a synthetic message to history first and then publishes it,
// matching the write-ahead ordering used by the agent runtime.
func (t *Tracker) deliver(ctx context.Context, m *v1.AgentMessage) error {
	if err := t.history.Append(ctx, m); err != nil {
		return errors.Wrap(err, "failed to journal synthetic message")
	}

	subject := ""
	if m.IsBroadcast() {
		subject = bus.BroadcastSubject(m.ExecutionID, m.BroadcastScope)
	} else {
		role, err := t.dir.Role(ctx, m.ExecutionID, m.RecipientID)
		if err != nil {
			return err
		}
		subject = bus.AgentSubject(m.ExecutionID, role, m.RecipientID)
	}

	busMsg, err := bus.NewMessage(m.ID, subject, string(m.Type), m)
	if err != nil {
		return err
	}
	if err := t.bus.Publish(ctx, subject, busMsg); err != nil {
		return errors.BusUnavailable(err)
	}
	return nil
}

// publishLifecycle emits the conversation frame consumed by the broadcast
// stream.
func (t *Tracker) publishLifecycle(ctx context.Context, conv *v1.Conversation) {
	payload := v1.ConversationPayload{
		ConversationID:  conv.ID,
		ExecutionID:     conv.ExecutionID,
		State:           string(conv.State),
		EscalationLevel: conv.EscalationLevel,
	}
	subject := bus.ConversationSubject(conv.ExecutionID, conv.ID)
	msg, err := bus.NewMessage("", subject, string(v1.StreamEventConversation), payload)
	if err != nil {
		t.log.Error("failed to encode conversation event", zap.Error(err))
		return
	}
	if err := t.bus.Publish(ctx, subject, msg); err != nil {
		t.log.Error("failed to publish conversation event", zap.Error(err))
	}
}
