package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

type fakeDirectory struct {
	mu     sync.Mutex
	roles  map[string]v1.AgentRole
	byRole map[v1.AgentRole]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		roles: map[string]v1.AgentRole{
			"p1": v1.RoleProjectManager,
			"t1": v1.RoleTechLead,
			"b1": v1.RoleBackendDeveloper,
		},
		byRole: map[v1.AgentRole]string{
			v1.RoleProjectManager:   "p1",
			v1.RoleTechLead:         "t1",
			v1.RoleBackendDeveloper: "b1",
		},
	}
}

func (d *fakeDirectory) Role(ctx context.Context, executionID, agentID string) (v1.AgentRole, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	role, ok := d.roles[agentID]
	if !ok {
		return "", errors.NotFound("agent", agentID)
	}
	return role, nil
}

func (d *fakeDirectory) FindByRole(ctx context.Context, executionID string, role v1.AgentRole) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byRole[role]
	if !ok {
		return "", errors.NotFound("agent with role", string(role))
	}
	return id, nil
}

type trackerFixture struct {
	tracker *Tracker
	store   Store
	bus     bus.Bus
	history history.Store
}

func newTrackerFixture(t *testing.T, cfg config.ConversationConfig) *trackerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store := NewMemoryStore()
	hist := history.NewMemoryStore()
	b := bus.NewMemoryBus(bus.Options{
		StreamName:        "AGENT_MSG",
		RetentionMessages: 1000,
		RetentionAge:      time.Hour,
		AckWait:           50 * time.Millisecond,
	}, log)

	tracker := NewTracker(store, hist, b, newFakeDirectory(), cfg, log)
	require.NoError(t, tracker.Start(context.Background()))
	t.Cleanup(func() {
		tracker.Stop()
		b.Close()
	})
	return &trackerFixture{tracker: tracker, store: store, bus: b, history: hist}
}

func fastConfig() config.ConversationConfig {
	return config.ConversationConfig{
		AckTimeout:    60 * time.Millisecond,
		AnswerTimeout: 120 * time.Millisecond,
		MaxEscalation: 2,
		FollowUpLimit: 1,
	}
}

func slowConfig() config.ConversationConfig {
	return config.ConversationConfig{
		AckTimeout:    time.Minute,
		AnswerTimeout: 10 * time.Minute,
		MaxEscalation: 2,
		FollowUpLimit: 1,
	}
}

// publishAgentMessage mimics an agent's history-first send.
func (f *trackerFixture) publishAgentMessage(t *testing.T, m *v1.AgentMessage) {
	t.Helper()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	require.NoError(t, f.history.Append(context.Background(), m))

	subject := bus.AgentSubject(m.ExecutionID, v1.RoleBackendDeveloper, m.RecipientID)
	if m.IsBroadcast() {
		subject = bus.BroadcastSubject(m.ExecutionID, m.BroadcastScope)
	}
	msg, err := bus.NewMessage(m.ID, subject, string(m.Type), m)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), subject, msg))
}

func question(id string) *v1.AgentMessage {
	return &v1.AgentMessage{
		ID:          id,
		ExecutionID: "e1",
		SenderID:    "p1",
		RecipientID: "b1",
		Type:        v1.MessageTypeQuestion,
		Content:     "which database should the health endpoint ping?",
	}
}

func (f *trackerFixture) waitForConversation(t *testing.T, messageID string) *v1.Conversation {
	t.Helper()
	var conv *v1.Conversation
	require.Eventually(t, func() bool {
		got, err := f.store.GetByInitialMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		conv = got
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return conv
}

func (f *trackerFixture) waitForState(t *testing.T, conversationID string, state v1.ConversationState) *v1.Conversation {
	t.Helper()
	var conv *v1.Conversation
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), conversationID)
		if err != nil || got.State != state {
			return false
		}
		conv = got
		return true
	}, 3*time.Second, 5*time.Millisecond)
	return conv
}

func TestQuestionInitiatesConversation(t *testing.T) {
	f := newTrackerFixture(t, slowConfig())

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	assert.Equal(t, v1.ConversationInitiated, conv.State)
	assert.Equal(t, "p1", conv.AskerID)
	assert.Equal(t, "b1", conv.CurrentResponderID)
	assert.Equal(t, 0, conv.EscalationLevel)
}

func TestDuplicateQuestionDeliveryTrackedOnce(t *testing.T) {
	f := newTrackerFixture(t, slowConfig())

	q := question("q1")
	f.publishAgentMessage(t, q)
	f.waitForConversation(t, "q1")

	// a redelivered copy must not open a second conversation
	require.NoError(t, f.tracker.initiate(context.Background(), q))

	active, err := f.store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestResponderActivityAcknowledges(t *testing.T) {
	f := newTrackerFixture(t, slowConfig())

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	f.publishAgentMessage(t, &v1.AgentMessage{
		ExecutionID:    "e1",
		SenderID:       "b1",
		RecipientID:    "p1",
		Type:           v1.MessageTypeStatusUpdate,
		Content:        "looking into it",
		ConversationID: conv.ID,
	})

	acked := f.waitForState(t, conv.ID, v1.ConversationWaiting)
	require.NotNil(t, acked.AckedAt)
	assert.True(t, acked.DeadlineAt.After(time.Now().Add(5*time.Minute)),
		"ack extends the deadline to the answer timeout")
}

func TestAnswerClosesConversation(t *testing.T) {
	f := newTrackerFixture(t, slowConfig())

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	f.publishAgentMessage(t, &v1.AgentMessage{
		ExecutionID:     "e1",
		SenderID:        "b1",
		RecipientID:     "p1",
		Type:            v1.MessageTypeAnswer,
		Content:         "ping the primary postgres",
		ParentMessageID: "q1",
	})

	closed := f.waitForState(t, conv.ID, v1.ConversationAnswered)
	require.NotNil(t, closed.ClosedAt)

	events, err := f.store.Events(context.Background(), conv.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, v1.ConvEventAnswered, last.EventType)
	assert.Equal(t, "b1", last.TriggeredByAgentID)
}

func TestSilentResponderFollowUpThenEscalation(t *testing.T) {
	f := newTrackerFixture(t, fastConfig())

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	// one follow-up is granted before the ladder starts
	f.waitForState(t, conv.ID, v1.ConversationFollowUp)

	// still silent: escalate from developer to tech lead
	escalated := f.waitForState(t, conv.ID, v1.ConversationEscalated)
	assert.Equal(t, "t1", escalated.CurrentResponderID)
	assert.Equal(t, 1, escalated.EscalationLevel)

	// the redelivered question reaches the tech lead inbox
	msgs, err := f.history.QueryByConversation(context.Background(), conv.ID, history.Query{})
	require.NoError(t, err)
	var sawFollowUp, sawEscalation bool
	for _, m := range msgs {
		if m.Flags.FollowUp {
			sawFollowUp = true
		}
		if m.Flags.Escalation && m.RecipientID == "t1" {
			sawEscalation = true
		}
	}
	assert.True(t, sawFollowUp, "expected a synthetic follow-up message")
	assert.True(t, sawEscalation, "expected the question redelivered to t1")
}

func TestLadderExhaustionRequestsHumanIntervention(t *testing.T) {
	f := newTrackerFixture(t, config.ConversationConfig{
		AckTimeout:    50 * time.Millisecond,
		AnswerTimeout: 100 * time.Millisecond,
		MaxEscalation: 1,
		FollowUpLimit: 0,
	})

	humanRequests := make(chan *v1.AgentMessage, 1)
	_, err := f.bus.Subscribe(bus.BroadcastSubject("e1", v1.ScopeExecution), "human-watch",
		func(ctx context.Context, msg *bus.Message) error {
			var m v1.AgentMessage
			if err := msg.Decode(&m); err != nil {
				return err
			}
			if m.Type == v1.MessageTypeHumanIntervention {
				humanRequests <- &m
			}
			return nil
		})
	require.NoError(t, err)

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	select {
	case m := <-humanRequests:
		assert.Equal(t, conv.ID, m.ConversationID)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a human_intervention_required broadcast")
	}

	final := f.waitForState(t, conv.ID, v1.ConversationEscalated)
	assert.Equal(t, "human", final.CurrentResponderID)
}

func TestCancelOnlyByAsker(t *testing.T) {
	f := newTrackerFixture(t, slowConfig())

	f.publishAgentMessage(t, question("q1"))
	conv := f.waitForConversation(t, "q1")

	err := f.tracker.Cancel(context.Background(), conv.ID, "b1")
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	require.NoError(t, f.tracker.Cancel(context.Background(), conv.ID, "p1"))
	cancelled, err := f.store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ConversationCancelled, cancelled.State)
	require.NotNil(t, cancelled.ClosedAt)
}

func TestRestartReArmsDeadlines(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store := NewMemoryStore()
	hist := history.NewMemoryStore()
	b := bus.NewMemoryBus(bus.DefaultOptions(), log)
	defer b.Close()

	// a conversation whose deadline already passed while nothing was running
	conv := &v1.Conversation{
		ID:                 "c1",
		ExecutionID:        "e1",
		InitialMessageID:   "q1",
		State:              v1.ConversationInitiated,
		AskerID:            "p1",
		CurrentResponderID: "b1",
		DeadlineAt:         time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, store.Create(context.Background(), conv, createdEvent("q1")))
	require.NoError(t, hist.Append(context.Background(), question("q1")))

	tracker := NewTracker(store, hist, b, newFakeDirectory(), fastConfig(), log)
	require.NoError(t, tracker.Start(context.Background()))
	defer tracker.Stop()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), "c1")
		return err == nil && got.State != v1.ConversationInitiated
	}, 3*time.Second, 5*time.Millisecond, "restart must pick the overdue conversation back up")
}
