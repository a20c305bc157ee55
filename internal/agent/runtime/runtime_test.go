package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// scriptedBrain answers every question with a fixed reply and records what it saw.
type scriptedBrain struct {
	mu       sync.Mutex
	requests []ThinkRequest
	respond  func(req ThinkRequest) (ThinkResponse, error)
}

func (b *scriptedBrain) Think(ctx context.Context, req ThinkRequest) (ThinkResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.respond != nil {
		return b.respond(req)
	}
	return ThinkResponse{Reply: "ack"}, nil
}

func (b *scriptedBrain) seen() []ThinkRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ThinkRequest(nil), b.requests...)
}

type fixture struct {
	bus      bus.Bus
	history  history.Store
	sessions session.Store
	log      *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := bus.NewMemoryBus(bus.Options{
		StreamName:        "AGENT_MSG",
		RetentionMessages: 1000,
		RetentionAge:      time.Hour,
		AckWait:           50 * time.Millisecond,
	}, log)
	t.Cleanup(b.Close)
	return &fixture{
		bus:      b,
		history:  history.NewMemoryStore(),
		sessions: session.NewMemoryStore(),
		log:      log,
	}
}

func (f *fixture) newAgent(t *testing.T, id string, role v1.AgentRole, brain Brain) *Agent {
	t.Helper()
	a := New(Config{
		AgentID:     id,
		Role:        role,
		ExecutionID: "e1",
	}, brain, nil, f.bus, f.history, f.sessions, f.log)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func TestSendMessageWritesHistoryBeforeBus(t *testing.T) {
	f := newFixture(t)
	sender := f.newAgent(t, "p1", v1.RoleProjectManager, &scriptedBrain{})

	delivered := make(chan *v1.AgentMessage, 1)
	_, err := f.bus.Subscribe(bus.AgentInboxPattern("e1", "b1"), "observer", func(ctx context.Context, msg *bus.Message) error {
		var m v1.AgentMessage
		if err := msg.Decode(&m); err != nil {
			return err
		}
		// write-ahead: by the time the bus delivers, history has the row
		if _, err := f.history.QueryByExecution(ctx, "e1", history.Query{}); err != nil {
			return err
		}
		delivered <- &m
		return nil
	})
	require.NoError(t, err)

	id, err := sender.SendMessage(context.Background(), "b1", v1.RoleBackendDeveloper,
		v1.MessageTypeTaskAssignment, "add /health endpoint", nil)
	require.NoError(t, err)

	select {
	case m := <-delivered:
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "p1", m.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	msgs, err := f.history.QueryByExecution(context.Background(), "e1", history.Query{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
}

func TestQuestionGetsAnswered(t *testing.T) {
	f := newFixture(t)
	responder := &scriptedBrain{respond: func(req ThinkRequest) (ThinkResponse, error) {
		return ThinkResponse{Reply: "use the primary postgres"}, nil
	}}
	f.newAgent(t, "b1", v1.RoleBackendDeveloper, responder)
	asker := f.newAgent(t, "p1", v1.RoleProjectManager, &scriptedBrain{})

	answers := make(chan *v1.AgentMessage, 1)
	_, err := f.bus.Subscribe(bus.AgentInboxPattern("e1", "p1"), "answer-observer", func(ctx context.Context, msg *bus.Message) error {
		var m v1.AgentMessage
		if err := msg.Decode(&m); err != nil {
			return err
		}
		if m.Type == v1.MessageTypeAnswer {
			answers <- &m
		}
		return nil
	})
	require.NoError(t, err)

	qid, err := asker.SendMessage(context.Background(), "b1", v1.RoleBackendDeveloper,
		v1.MessageTypeQuestion, "which database?", nil)
	require.NoError(t, err)

	select {
	case m := <-answers:
		assert.Equal(t, "b1", m.SenderID)
		assert.Equal(t, qid, m.ParentMessageID)
		assert.Equal(t, "use the primary postgres", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("question was never answered")
	}
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	f := newFixture(t)
	brain := &scriptedBrain{}
	f.newAgent(t, "b1", v1.RoleBackendDeveloper, brain)

	m := &v1.AgentMessage{
		ID:          "dup-1",
		ExecutionID: "e1",
		SenderID:    "p1",
		RecipientID: "b1",
		Type:        v1.MessageTypeStatusUpdate,
		Content:     "heads up",
	}
	subject := bus.AgentSubject("e1", v1.RoleBackendDeveloper, "b1")
	busMsg, err := bus.NewMessage(m.ID, subject, string(m.Type), m)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), subject, busMsg))

	require.Eventually(t, func() bool {
		return len(brain.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// simulate a redelivery with the same message ID on a fresh envelope
	dup := *busMsg
	require.NoError(t, f.bus.Publish(context.Background(), subject+".x", &dup))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, brain.seen(), 1, "duplicate delivery must not reach the brain twice")
}

func TestDelegationUpTheHierarchyNeverReachesInbox(t *testing.T) {
	f := newFixture(t)
	tlBrain := &scriptedBrain{}
	f.newAgent(t, "t1", v1.RoleTechLead, tlBrain)
	be := f.newAgent(t, "b1", v1.RoleBackendDeveloper, &scriptedBrain{})

	// a developer may not assign work to the tech lead; the runtime drops
	// the message before the brain sees it
	_, err := be.SendMessage(context.Background(), "t1", v1.RoleTechLead,
		v1.MessageTypeTaskAssignment, "you do it", nil)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, tlBrain.seen(), "invalid delegation must not reach the recipient's inbox")

	// other traffic from the same sender still goes through
	_, err = be.SendMessage(context.Background(), "t1", v1.RoleTechLead,
		v1.MessageTypeQuestion, "which branch?", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(tlBrain.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPeerDelegationReachesInbox(t *testing.T) {
	f := newFixture(t)
	feBrain := &scriptedBrain{}
	f.newAgent(t, "f1", v1.RoleFrontendDeveloper, feBrain)
	be := f.newAgent(t, "b1", v1.RoleBackendDeveloper, &scriptedBrain{})

	_, err := be.SendMessage(context.Background(), "f1", v1.RoleFrontendDeveloper,
		v1.MessageTypeTaskAssignment, "wire the /health badge into the dashboard", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(feBrain.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond, "equal-rank delegation must be processed")
}

func TestBroadcastReachesSquadScope(t *testing.T) {
	f := newFixture(t)
	b1 := &scriptedBrain{}
	b2 := &scriptedBrain{}
	f.newAgent(t, "b1", v1.RoleBackendDeveloper, b1)
	f.newAgent(t, "t1", v1.RoleTechLead, b2)
	pm := f.newAgent(t, "p1", v1.RoleProjectManager, &scriptedBrain{})

	_, err := pm.BroadcastMessage(context.Background(), v1.ScopeSquad,
		v1.MessageTypeStandup, "daily standup", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b1.seen()) == 1 && len(b2.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionPersistsAcrossRestart(t *testing.T) {
	f := newFixture(t)
	brain := &scriptedBrain{respond: func(req ThinkRequest) (ThinkResponse, error) {
		return ThinkResponse{Reply: "noted"}, nil
	}}

	first := f.newAgent(t, "b1", v1.RoleBackendDeveloper, brain)
	_, err := first.ProcessMessage(context.Background(), "remember the port is 8443", nil)
	require.NoError(t, err)
	sessionID := first.SessionID()
	require.NotEmpty(t, sessionID)
	first.Stop()

	resumed := New(Config{
		AgentID:     "b1",
		Role:        v1.RoleBackendDeveloper,
		ExecutionID: "e1",
		SessionID:   sessionID,
	}, brain, nil, f.bus, f.history, f.sessions, f.log)
	_, err = resumed.ProcessMessage(context.Background(), "what port?", nil)
	require.NoError(t, err)

	reqs := brain.seen()
	last := reqs[len(reqs)-1]
	require.NotEmpty(t, last.History, "resumed agent must see prior history")
	assert.Equal(t, "remember the port is 8443", last.History[0].Content)
}

func TestResumeUnknownSessionFails(t *testing.T) {
	f := newFixture(t)
	a := New(Config{
		AgentID:     "b1",
		Role:        v1.RoleBackendDeveloper,
		ExecutionID: "e1",
		SessionID:   "missing",
	}, &scriptedBrain{}, nil, f.bus, f.history, f.sessions, f.log)

	_, err := a.ProcessMessage(context.Background(), "hello", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionCorrupted))
}

// brainFunc adapts a function to the Brain interface.
type brainFunc func(ctx context.Context, req ThinkRequest) (ThinkResponse, error)

func (f brainFunc) Think(ctx context.Context, req ThinkRequest) (ThinkResponse, error) {
	return f(ctx, req)
}

func TestProcessTimeoutLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	slow := brainFunc(func(ctx context.Context, req ThinkRequest) (ThinkResponse, error) {
		select {
		case <-ctx.Done():
			return ThinkResponse{}, ctx.Err()
		case <-time.After(time.Second):
			return ThinkResponse{Reply: "too late"}, nil
		}
	})
	a := New(Config{
		AgentID:        "b1",
		Role:           v1.RoleBackendDeveloper,
		ExecutionID:    "e1",
		ProcessTimeout: 20 * time.Millisecond,
	}, slow, nil, f.bus, f.history, f.sessions, f.log)

	_, err := a.ProcessMessage(context.Background(), "hello", nil)
	require.Error(t, err)

	sess, err := f.sessions.Get(context.Background(), a.SessionID())
	require.NoError(t, err)
	entries, err := sess.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries, "a timed-out reasoning step must not persist history")
}

func TestMalformedOutgoingRejected(t *testing.T) {
	f := newFixture(t)
	a := f.newAgent(t, "p1", v1.RoleProjectManager, &scriptedBrain{})

	_, err := a.SendMessage(context.Background(), "", v1.RoleBackendDeveloper,
		v1.MessageTypeTaskAssignment, "no recipient", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeMalformedMessage))
}
