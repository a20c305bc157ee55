// Package runtime hosts the in-process agents. Each agent is a cooperative
// unit wrapping a reasoning capability, a tool belt, its inbox subscription
// and a persistent session.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	"github.com/squadflow/squadflow/internal/history"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// ThinkRequest is what the reasoning capability sees for one inbound message.
type ThinkRequest struct {
	Agent        *v1.SquadMember
	SystemPrompt string
	Message      *v1.AgentMessage
	History      []session.Entry
}

// Outgoing is a message the reasoning step wants emitted. Exactly one of
// RecipientID and Scope must be set.
type Outgoing struct {
	RecipientID   string
	RecipientRole v1.AgentRole
	Scope         v1.BroadcastScope
	Type          v1.MessageType
	Content       string
	Metadata      map[string]interface{}
}

// ThinkResponse is the result of one reasoning step. Reply, when non-empty
// and the inbound message was a question, is sent back as an answer.
type ThinkResponse struct {
	Reply    string
	Messages []Outgoing
}

// Brain is the reasoning capability. Implementations call an LLM provider;
// tests use scripted brains. Errors should carry the LLM error codes so the
// runtime can distinguish transient throttling from hard failures.
type Brain interface {
	Think(ctx context.Context, req ThinkRequest) (ThinkResponse, error)
}

// Tools is the external capability set exposed to agents.
type Tools interface {
	Call(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Config describes one agent instance.
type Config struct {
	Member       *v1.SquadMember
	AgentID      string
	Role         v1.AgentRole
	ExecutionID  string
	SystemPrompt string
	// SessionID resumes a prior session; empty starts fresh on demand.
	SessionID string
	// ProcessTimeout bounds one reasoning step. Zero means no deadline.
	ProcessTimeout time.Duration
}

// Agent is one running squad member. A single goroutine per subscription
// feeds processEnvelope, and procMu keeps reasoning strictly serial, so an
// agent handles one message at a time.
type Agent struct {
	cfg      Config
	brain    Brain
	tools    Tools
	bus      bus.Bus
	history  history.Store
	sessions session.Store
	log      *logger.Logger

	procMu sync.Mutex
	sess   *session.Session

	mu     sync.Mutex
	seen   map[string]struct{}
	subs   []bus.Subscription
	closed bool
}

// New creates an agent instance. The agent does not consume its inbox until
// Start is called.
func New(cfg Config, brain Brain, tools Tools, b bus.Bus, hist history.Store, sessions session.Store, log *logger.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		brain:    brain,
		tools:    tools,
		bus:      b,
		history:  hist,
		sessions: sessions,
		log:      log.WithAgentID(cfg.AgentID).WithExecutionID(cfg.ExecutionID),
		seen:     make(map[string]struct{}),
	}
}

// ID returns the agent identity.
func (a *Agent) ID() string { return a.cfg.AgentID }

// Role returns the agent role.
func (a *Agent) Role() v1.AgentRole { return a.cfg.Role }

// SessionID returns the resolved session ID, or empty before the first
// processed message.
func (a *Agent) SessionID() string {
	a.procMu.Lock()
	defer a.procMu.Unlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.ID
}

// Start begins the receive loop: the inbox subscription plus the broadcast
// scopes this agent belongs to.
func (a *Agent) Start(ctx context.Context) error {
	patterns := []struct{ pattern, durable string }{
		{bus.AgentInboxPattern(a.cfg.ExecutionID, a.cfg.AgentID), a.cfg.AgentID + "-inbox"},
		{bus.BroadcastSubject(a.cfg.ExecutionID, v1.ScopeExecution), a.cfg.AgentID + "-bcast-exec"},
		{bus.BroadcastSubject(a.cfg.ExecutionID, v1.ScopeSquad), a.cfg.AgentID + "-bcast-squad"},
		{bus.BroadcastSubject(a.cfg.ExecutionID, v1.RoleScope(a.cfg.Role)), a.cfg.AgentID + "-bcast-role"},
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.Conflict("agent is stopped")
	}
	for _, p := range patterns {
		sub, err := a.bus.Subscribe(p.pattern, p.durable, a.handleDelivery)
		if err != nil {
			return errors.Wrap(err, "failed to subscribe agent inbox")
		}
		a.subs = append(a.subs, sub)
	}
	a.log.Info("agent started", zap.String("role", string(a.cfg.Role)))
	return nil
}

// Stop cancels the inbox subscriptions. The session stays persisted.
func (a *Agent) Stop() {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.closed = true
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// handleDelivery is the bus handler: dedup, decode, process, ack. Returning
// an error nacks the delivery for redelivery after the ack wait.
func (a *Agent) handleDelivery(ctx context.Context, msg *bus.Message) error {
	a.mu.Lock()
	if _, dup := a.seen[msg.ID]; dup {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var m v1.AgentMessage
	if err := msg.Decode(&m); err != nil {
		// poison message: ack and drop, redelivery cannot fix it
		a.log.Warn("dropping undecodable inbox message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if m.SenderID == a.cfg.AgentID {
		return nil
	}
	if !a.acceptsDelegation(&m) {
		// ack and discard: redelivery cannot make the delegation valid, and
		// the sender gets its rejection from the orchestrator
		a.log.Warn("dropping task assignment violating the delegation hierarchy",
			zap.String("message_id", m.ID),
			zap.String("sender_id", m.SenderID))
		return nil
	}

	if err := a.processEnvelope(ctx, &m); err != nil {
		a.log.Warn("message processing failed, nacking for redelivery",
			zap.String("message_id", m.ID), zap.Error(err))
		return err
	}

	a.mu.Lock()
	a.seen[msg.ID] = struct{}{}
	a.mu.Unlock()
	return nil
}

// acceptsDelegation filters task assignments before they reach the brain.
// Agent sends stamp the sender's role in metadata; an assignment whose sender
// role may not delegate to this agent never enters the inbox. Assignments
// without a role stamp come from the orchestrator and are trusted.
func (a *Agent) acceptsDelegation(m *v1.AgentMessage) bool {
	if m.Type != v1.MessageTypeTaskAssignment {
		return true
	}
	senderRole, ok := m.Metadata["sender_role"].(string)
	if !ok {
		return true
	}
	return v1.CanDelegate(v1.AgentRole(senderRole), a.cfg.Role)
}

// ProcessMessage routes content through the reasoning capability, appends
// the exchange to the session and returns the produced text.
func (a *Agent) ProcessMessage(ctx context.Context, content string, metadata map[string]interface{}) (string, error) {
	m := &v1.AgentMessage{
		ID:          uuid.New().String(),
		ExecutionID: a.cfg.ExecutionID,
		SenderID:    "external",
		RecipientID: a.cfg.AgentID,
		Type:        v1.MessageTypeStatusUpdate,
		Content:     content,
		Metadata:    metadata,
	}
	resp, err := a.think(ctx, m)
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// processEnvelope is the receive-loop body: reason about the message, emit
// any outgoing traffic, and answer questions with the reply text.
func (a *Agent) processEnvelope(ctx context.Context, m *v1.AgentMessage) error {
	resp, err := a.think(ctx, m)
	if err != nil {
		return err
	}

	for _, out := range resp.Messages {
		if err := a.emit(ctx, m, out); err != nil {
			return err
		}
	}

	if resp.Reply != "" && m.Type == v1.MessageTypeQuestion {
		_, err := a.reply(ctx, m, resp.Reply)
		return err
	}
	return nil
}

// think runs one serial reasoning step under the configured deadline. On
// deadline expiry nothing is persisted; the caller nacks for redelivery.
func (a *Agent) think(ctx context.Context, m *v1.AgentMessage) (ThinkResponse, error) {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	if a.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ProcessTimeout)
		defer cancel()
	}

	if err := a.ensureSession(ctx); err != nil {
		return ThinkResponse{}, err
	}
	entries, err := a.sess.Entries()
	if err != nil {
		return ThinkResponse{}, errors.SessionCorrupted(a.sess.ID, err)
	}

	resp, err := a.brain.Think(ctx, ThinkRequest{
		Agent:        a.cfg.Member,
		SystemPrompt: a.cfg.SystemPrompt,
		Message:      m,
		History:      entries,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ThinkResponse{}, errors.Wrap(ctx.Err(), "reasoning deadline expired")
		}
		return ThinkResponse{}, err
	}

	now := time.Now().UTC()
	entries = append(entries,
		session.Entry{Role: "user", Content: m.Content, CreatedAt: now},
		session.Entry{Role: "assistant", Content: resp.Reply, CreatedAt: now},
	)
	if err := a.sess.SetEntries(entries); err != nil {
		return ThinkResponse{}, errors.SessionCorrupted(a.sess.ID, err)
	}
	if err := a.sessions.Save(ctx, a.sess); err != nil {
		return ThinkResponse{}, errors.Wrap(err, "failed to persist session")
	}
	return resp, nil
}

// ensureSession lazily resolves the persistent session. A configured session
// ID restores prior conversational history; otherwise a fresh session is
// created on first use.
func (a *Agent) ensureSession(ctx context.Context) error {
	if a.sess != nil {
		return nil
	}
	if a.cfg.SessionID != "" {
		sess, err := a.sessions.Get(ctx, a.cfg.SessionID)
		if err != nil {
			return errors.SessionCorrupted(a.cfg.SessionID, err)
		}
		a.sess = sess
		a.log.Info("session resumed", zap.String("session_id", sess.ID))
		return nil
	}
	a.sess = &session.Session{ID: uuid.New().String(), AgentID: a.cfg.AgentID}
	if err := a.sessions.Save(ctx, a.sess); err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	a.log.Info("session created", zap.String("session_id", a.sess.ID))
	return nil
}

// SendMessage publishes a point-to-point message: history first, then bus.
// Publish retries reuse the same message ID, so redundant confirmations
// deduplicate downstream.
func (a *Agent) SendMessage(ctx context.Context, recipientID string, recipientRole v1.AgentRole, msgType v1.MessageType, content string, metadata map[string]interface{}) (string, error) {
	m := &v1.AgentMessage{
		ID:          uuid.New().String(),
		ExecutionID: a.cfg.ExecutionID,
		SenderID:    a.cfg.AgentID,
		RecipientID: recipientID,
		Type:        msgType,
		Content:     content,
		Metadata:    metadata,
	}
	return a.dispatch(ctx, m, bus.AgentSubject(a.cfg.ExecutionID, recipientRole, recipientID))
}

// BroadcastMessage publishes a fanout message to a scope.
func (a *Agent) BroadcastMessage(ctx context.Context, scope v1.BroadcastScope, msgType v1.MessageType, content string, metadata map[string]interface{}) (string, error) {
	m := &v1.AgentMessage{
		ID:             uuid.New().String(),
		ExecutionID:    a.cfg.ExecutionID,
		SenderID:       a.cfg.AgentID,
		BroadcastScope: scope,
		Type:           msgType,
		Content:        content,
		Metadata:       metadata,
	}
	return a.dispatch(ctx, m, bus.BroadcastSubject(a.cfg.ExecutionID, scope))
}

// reply answers a question, threading the conversation identifiers so the
// tracker can close the loop.
func (a *Agent) reply(ctx context.Context, q *v1.AgentMessage, text string) (string, error) {
	m := &v1.AgentMessage{
		ID:              uuid.New().String(),
		ExecutionID:     a.cfg.ExecutionID,
		SenderID:        a.cfg.AgentID,
		RecipientID:     q.SenderID,
		Type:            v1.MessageTypeAnswer,
		Content:         text,
		ConversationID:  q.ConversationID,
		ParentMessageID: firstNonEmpty(q.ParentMessageID, q.ID),
	}
	// the inbox wildcard matches any role token, so a best-effort guess from
	// metadata is enough to route the answer
	role := v1.AgentRole("unknown")
	if r, ok := q.Metadata["sender_role"].(string); ok {
		role = v1.AgentRole(r)
	}
	return a.dispatch(ctx, m, bus.AgentSubject(a.cfg.ExecutionID, role, q.SenderID))
}

func (a *Agent) emit(ctx context.Context, inbound *v1.AgentMessage, out Outgoing) error {
	meta := out.Metadata
	if inbound.ConversationID != "" && out.Type == v1.MessageTypeStatusUpdate {
		// keep conversation threading on progress reports
		m := &v1.AgentMessage{
			ID:             uuid.New().String(),
			ExecutionID:    a.cfg.ExecutionID,
			SenderID:       a.cfg.AgentID,
			RecipientID:    out.RecipientID,
			Type:           out.Type,
			Content:        out.Content,
			Metadata:       meta,
			ConversationID: inbound.ConversationID,
		}
		_, err := a.dispatch(ctx, m, bus.AgentSubject(a.cfg.ExecutionID, out.RecipientRole, out.RecipientID))
		return err
	}
	if out.Scope != "" {
		_, err := a.BroadcastMessage(ctx, out.Scope, out.Type, out.Content, meta)
		return err
	}
	_, err := a.SendMessage(ctx, out.RecipientID, out.RecipientRole, out.Type, out.Content, meta)
	return err
}

// dispatch is the write path shared by all sends: validate, journal to
// history, then publish. History-before-bus means every message observable
// on the bus is already retrievable from history.
func (a *Agent) dispatch(ctx context.Context, m *v1.AgentMessage, subject string) (string, error) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	if _, ok := m.Metadata["sender_role"]; !ok {
		m.Metadata["sender_role"] = string(a.cfg.Role)
	}
	if err := m.Validate(); err != nil {
		return "", errors.MalformedMessage(err)
	}
	if err := a.history.Append(ctx, m); err != nil {
		return "", errors.Wrap(err, "failed to journal message")
	}

	busMsg, err := bus.NewMessage(m.ID, subject, string(m.Type), m)
	if err != nil {
		return "", errors.InternalError("failed to encode message", err)
	}
	err = errors.Retry(ctx, errors.DefaultRetryPolicy, func() error {
		if err := a.bus.Publish(ctx, subject, busMsg); err != nil {
			return errors.BusUnavailable(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// CallTool invokes an external tool on behalf of the agent.
func (a *Agent) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if a.tools == nil {
		return "", errors.ToolFailure(name, errors.NotFound("tool belt", a.cfg.AgentID))
	}
	result, err := a.tools.Call(ctx, name, args)
	if err != nil {
		return "", errors.ToolFailure(name, err)
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
