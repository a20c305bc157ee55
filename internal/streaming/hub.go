// Package streaming fans execution events out to external observers. Each
// subscriber watches one scope, an execution or a squad, over a long-lived
// connection. Delivery is best-effort and in-order per subscriber; slow
// consumers are cut off with a lagged signal and must re-fetch from history.
package streaming

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/events/bus"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Directory resolves sender roles and execution ownership for the
// visibility filter and squad-scope fanout.
type Directory interface {
	Role(ctx context.Context, executionID, agentID string) (v1.AgentRole, error)
	SquadOf(ctx context.Context, executionID string) (string, error)
}

type topicKey struct {
	scope v1.StreamScope
	id    string
}

// stamped is one buffered event plus its end-user visibility verdict, kept
// so since_id replay applies the same filter as live delivery.
type stamped struct {
	event   v1.StreamEvent
	endUser bool
}

type topic struct {
	seq         uint64
	ring        []stamped
	subscribers map[*Subscriber]struct{}
}

// Subscriber is one attached observer. Events arrive on the channel returned
// by Events; after the channel closes, Lagged reports whether the hub cut
// the subscriber off for falling behind.
type Subscriber struct {
	ID      string
	Scope   v1.StreamScope
	ScopeID string

	internal bool
	key      topicKey
	ch       chan v1.StreamEvent
	closed   bool
	lagged   bool
}

// Events returns the subscriber's event channel. It closes when the
// subscriber is cut off or the hub shuts down.
func (s *Subscriber) Events() <-chan v1.StreamEvent {
	return s.ch
}

// Lagged reports whether the subscriber was dropped for falling behind.
// Only meaningful after the event channel has closed.
func (s *Subscriber) Lagged() bool {
	return s.lagged
}

// Hub multiplexes bus traffic onto stream subscribers.
type Hub struct {
	bus bus.Bus
	dir Directory
	cfg config.StreamConfig
	log *logger.Logger

	mu     sync.Mutex
	topics map[topicKey]*topic
	subs   []bus.Subscription
	closed bool
	stop   chan struct{}
}

// NewHub creates the broadcast stream hub.
func NewHub(b bus.Bus, dir Directory, cfg config.StreamConfig, log *logger.Logger) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Hub{
		bus:    b,
		dir:    dir,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "stream_hub")),
		topics: make(map[topicKey]*topic),
		stop:   make(chan struct{}),
	}
}

// Start attaches the hub to the bus and begins the heartbeat ticker.
func (h *Hub) Start(ctx context.Context) error {
	specs := []struct {
		pattern string
		durable string
		handler bus.Handler
	}{
		{"agent.msg.>", "stream-hub-msg", h.handleAgentMessage},
		{"conv.>", "stream-hub-conv", h.handleConversationEvent},
		{"state.>", "stream-hub-state", h.handleStateEvent},
	}
	for _, spec := range specs {
		sub, err := h.bus.Subscribe(spec.pattern, spec.durable, spec.handler)
		if err != nil {
			h.Stop()
			return errors.Wrap(err, "failed to attach stream hub to bus")
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	go h.heartbeatLoop()
	return nil
}

// Stop detaches from the bus and closes every subscriber.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.stop)
	subs := h.subs
	h.subs = nil
	var attached []*Subscriber
	for _, t := range h.topics {
		for s := range t.subscribers {
			attached = append(attached, s)
			delete(t.subscribers, s)
		}
	}
	for _, s := range attached {
		s.closed = true
		close(s.ch)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Subscribe attaches an observer to a scope. A non-zero sinceID resumes
// after the given event; buffered events past it are replayed before live
// ones. Internal subscribers bypass the end-user visibility filter.
func (h *Hub) Subscribe(scope v1.StreamScope, scopeID string, sinceID uint64, internal bool) (*Subscriber, error) {
	if scope != v1.StreamScopeExecution && scope != v1.StreamScopeSquad {
		return nil, errors.Conflict("unknown stream scope: " + string(scope))
	}
	if scopeID == "" {
		return nil, errors.Conflict("stream scope id is required")
	}

	key := topicKey{scope: scope, id: scopeID}
	sub := &Subscriber{
		ID:       uuid.New().String(),
		Scope:    scope,
		ScopeID:  scopeID,
		internal: internal,
		key:      key,
		ch:       make(chan v1.StreamEvent, h.cfg.BufferSize+8),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.Conflict("stream hub is shut down")
	}
	t := h.topicLocked(key)

	sub.ch <- v1.StreamEvent{
		Event: v1.StreamEventConnected,
		Data: map[string]interface{}{
			"subscriber_id": sub.ID,
			"scope":         string(scope),
			"since":         sinceID,
		},
		CreatedAt: time.Now().UTC(),
	}

	if sinceID > 0 {
		if len(t.ring) > 0 && t.ring[0].event.Seq > sinceID+1 {
			// the requested resume point fell out of the buffer
			sub.lagged = true
			sub.closed = true
			close(sub.ch)
			return sub, nil
		}
		for _, st := range t.ring {
			if st.event.Seq <= sinceID {
				continue
			}
			if !sub.internal && !st.endUser {
				continue
			}
			sub.ch <- st.event
		}
	}

	t.subscribers[sub] = struct{}{}
	h.log.Debug("stream subscriber attached",
		zap.String("subscriber_id", sub.ID),
		zap.String("scope", string(scope)),
		zap.String("scope_id", scopeID),
		zap.Uint64("since", sinceID))
	return sub, nil
}

// Unsubscribe detaches and closes a subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub, false)
}

func (h *Hub) dropLocked(sub *Subscriber, lagged bool) {
	if sub.closed {
		return
	}
	if t, ok := h.topics[sub.key]; ok {
		delete(t.subscribers, sub)
	}
	sub.lagged = lagged
	sub.closed = true
	close(sub.ch)
}

func (h *Hub) topicLocked(key topicKey) *topic {
	t, ok := h.topics[key]
	if !ok {
		t = &topic{subscribers: make(map[*Subscriber]struct{})}
		h.topics[key] = t
	}
	return t
}

// emit stamps an event onto a topic and fans it out. endUser marks whether
// end-user subscribers may see it.
func (h *Hub) emit(key topicKey, eventType v1.StreamEventType, data interface{}, endUser bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	t := h.topicLocked(key)
	t.seq++
	ev := v1.StreamEvent{
		Seq:       t.seq,
		Event:     eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	t.ring = append(t.ring, stamped{event: ev, endUser: endUser})
	if len(t.ring) > h.cfg.BufferSize {
		t.ring = t.ring[len(t.ring)-h.cfg.BufferSize:]
	}

	for sub := range t.subscribers {
		if !sub.internal && !endUser {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// subscriber fell behind the buffer; cut it off
			h.log.Warn("dropping lagged stream subscriber",
				zap.String("subscriber_id", sub.ID),
				zap.String("scope_id", sub.ScopeID))
			h.dropLocked(sub, true)
		}
	}
}

// emitBoth publishes to the execution topic and the owning squad topic.
func (h *Hub) emitBoth(ctx context.Context, executionID string, eventType v1.StreamEventType, data interface{}, endUser bool) {
	h.emit(topicKey{v1.StreamScopeExecution, executionID}, eventType, data, endUser)
	if squadID, err := h.dir.SquadOf(ctx, executionID); err == nil {
		h.emit(topicKey{v1.StreamScopeSquad, squadID}, eventType, data, endUser)
	}
}

func (h *Hub) handleAgentMessage(ctx context.Context, msg *bus.Message) error {
	var m v1.AgentMessage
	if err := msg.Decode(&m); err != nil {
		return nil
	}
	endUser := false
	if role, err := h.dir.Role(ctx, m.ExecutionID, m.SenderID); err == nil {
		endUser = (role == v1.RoleProjectManager || role == v1.RoleTechLead) &&
			m.Visibility() == v1.VisibilityPublic
	}
	h.emitBoth(ctx, m.ExecutionID, v1.StreamEventMessage, &m, endUser)
	return nil
}

func (h *Hub) handleConversationEvent(ctx context.Context, msg *bus.Message) error {
	var p v1.ConversationPayload
	if err := msg.Decode(&p); err != nil {
		return nil
	}
	h.emitBoth(ctx, p.ExecutionID, v1.StreamEventConversation, &p, true)
	return nil
}

func (h *Hub) handleStateEvent(ctx context.Context, msg *bus.Message) error {
	executionID := executionFromStateSubject(msg.Subject)
	if executionID == "" {
		return nil
	}

	switch v1.StreamEventType(msg.Type) {
	case v1.StreamEventStateChanged:
		var p v1.StateChangedPayload
		if err := msg.Decode(&p); err != nil {
			return nil
		}
		h.emitBoth(ctx, executionID, v1.StreamEventStateChanged, &p, true)
		h.emitBoth(ctx, executionID, v1.StreamEventProgress, &v1.ProgressPayload{
			ExecutionID: executionID,
			ProgressPct: p.ProgressPct,
		}, true)
	case v1.StreamEventCompleted:
		var p v1.CompletedPayload
		if err := msg.Decode(&p); err != nil {
			return nil
		}
		h.emitBoth(ctx, executionID, v1.StreamEventCompleted, &p, true)
	case v1.StreamEventLog:
		var fields map[string]interface{}
		if err := msg.Decode(&fields); err != nil {
			return nil
		}
		// operational detail, never shown to end users
		h.emitBoth(ctx, executionID, v1.StreamEventLog, fields, false)
	}
	return nil
}

// heartbeatLoop keeps idle connections distinguishable from dead ones.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			hb := v1.StreamEvent{Event: v1.StreamEventHeartbeat, CreatedAt: time.Now().UTC()}
			h.mu.Lock()
			for _, t := range h.topics {
				for sub := range t.subscribers {
					select {
					case sub.ch <- hb:
					default:
						// a full buffer is handled on the next data event
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

func laggedEvent() v1.StreamEvent {
	return v1.StreamEvent{
		Event: v1.StreamEventError,
		Data: &v1.ErrorPayload{
			Code:    "lagged",
			Message: "subscriber fell behind the event buffer, re-fetch from history",
		},
		CreatedAt: time.Now().UTC(),
	}
}

// executionFromStateSubject extracts the execution ID from a state.<id>
// subject.
func executionFromStateSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 2 || parts[0] != "state" {
		return ""
	}
	return parts[1]
}
