package bus

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/logger"
)

// MemoryBus implements Bus with an in-process append-only log. Subscribers
// are cursor-driven readers over the log, which gives per-subject FIFO,
// durable resume and redelivery-after-ack-wait without a broker. Intended
// for tests and single-node development; production uses JetStreamBus.
type MemoryBus struct {
	opts   Options
	logger *logger.Logger

	mu      sync.RWMutex
	closed  bool
	nextSeq uint64
	log     []*storedMessage
	seen    map[string]struct{} // message ID dedup
	bytes   int64
	cursors map[string]uint64 // durable name -> next sequence
	subs    map[*memorySubscription]struct{}
}

type storedMessage struct {
	seq      uint64
	msg      *Message
	storedAt time.Time
}

// memorySubscription reads the shared log from its cursor position.
type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	re      *regexp.Regexp
	durable string
	handler Handler

	notify chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	active bool
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(opts Options, log *logger.Logger) *MemoryBus {
	if opts.AckWait <= 0 {
		opts = DefaultOptions()
	}
	return &MemoryBus{
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "memory_bus")),
		seen:    make(map[string]struct{}),
		cursors: make(map[string]uint64),
		subs:    make(map[*memorySubscription]struct{}),
	}
}

// Publish durably appends the message to the log and wakes subscribers.
// Re-publishing an already-stored message ID is a no-op.
func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *Message) error {
	if msg.ID == "" {
		return ErrPublishTimeout
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if _, dup := b.seen[msg.ID]; dup {
		b.mu.Unlock()
		b.logger.Debug("duplicate publish ignored",
			zap.String("subject", subject),
			zap.String("message_id", msg.ID))
		return nil
	}

	msg.Subject = subject
	b.nextSeq++
	b.log = append(b.log, &storedMessage{seq: b.nextSeq, msg: msg, storedAt: time.Now()})
	b.seen[msg.ID] = struct{}{}
	b.bytes += int64(len(msg.Data))
	b.pruneLocked()

	subs := make([]*memorySubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}

	b.logger.Debug("published message",
		zap.String("subject", subject),
		zap.String("message_id", msg.ID))
	return nil
}

// Subscribe creates a durable cursor-driven subscription. A durable name
// that was seen before resumes from its committed position; new durables
// start at the head of the retained log.
func (b *MemoryBus) Subscribe(pattern, durable string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		re:      compilePattern(pattern),
		durable: durable,
		handler: handler,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subs[sub] = struct{}{}

	go sub.run()

	b.logger.Debug("subscribed",
		zap.String("pattern", pattern),
		zap.String("durable", durable))
	return sub, nil
}

// Stats returns observability counters.
func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	streams := make(map[string]struct{})
	for _, sm := range b.log {
		root := sm.msg.Subject
		for i := 0; i < len(root); i++ {
			if root[i] == '.' {
				root = root[:i]
				break
			}
		}
		streams[root] = struct{}{}
	}

	return Stats{
		MessagesStored: int64(len(b.log)),
		BytesStored:    b.bytes,
		Subscribers:    len(b.subs),
		StreamCount:    len(streams),
	}
}

// Close shuts the bus down and stops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.logger.Info("memory bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// pruneLocked enforces count and age retention. Caller holds b.mu.
func (b *MemoryBus) pruneLocked() {
	cutoff := time.Now().Add(-b.opts.RetentionAge)
	drop := 0
	for _, sm := range b.log {
		overCount := b.opts.RetentionMessages > 0 &&
			int64(len(b.log)-drop) > b.opts.RetentionMessages
		if !overCount && !sm.storedAt.Before(cutoff) {
			break
		}
		b.bytes -= int64(len(sm.msg.Data))
		delete(b.seen, sm.msg.ID)
		drop++
	}
	if drop > 0 {
		b.log = append([]*storedMessage(nil), b.log[drop:]...)
	}
}

// next returns the first retained message at or past the cursor that matches
// the subscription pattern, or nil when the subscriber is caught up.
func (b *MemoryBus) next(sub *memorySubscription, cursor uint64) *storedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sm := range b.log {
		if sm.seq < cursor {
			continue
		}
		if sub.matches(sm.msg.Subject) {
			return sm
		}
	}
	return nil
}

func (b *MemoryBus) loadCursor(durable string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursors[durable]
}

func (b *MemoryBus) commitCursor(durable string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.cursors[durable] {
		b.cursors[durable] = seq
	}
}

// run is the delivery loop: read, handle, commit; on handler error the same
// message is redelivered after the ack-wait deadline.
func (s *memorySubscription) run() {
	cursor := s.bus.loadCursor(s.durable)
	ctx := context.Background()

	for {
		sm := s.bus.next(s, cursor)
		if sm == nil {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		for {
			if err := s.handler(ctx, sm.msg); err == nil {
				break
			} else {
				s.bus.logger.Warn("handler nacked message, will redeliver",
					zap.String("subject", sm.msg.Subject),
					zap.String("message_id", sm.msg.ID),
					zap.Error(err))
			}
			select {
			case <-time.After(s.bus.opts.AckWait):
			case <-s.done:
				return
			}
		}

		cursor = sm.seq + 1
		s.bus.commitCursor(s.durable, cursor)
	}
}

func (s *memorySubscription) matches(subject string) bool {
	if s.re != nil {
		return s.re.MatchString(subject)
	}
	return subject == s.pattern
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	if s.active {
		s.active = false
		close(s.done)
	}
	s.mu.Unlock()
}

// Unsubscribe stops delivery. The durable cursor is retained so a later
// subscription under the same durable name resumes where this one stopped.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
