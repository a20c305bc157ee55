package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/config"
	"github.com/squadflow/squadflow/internal/common/logger"
)

// dedupWindow is the JetStream duplicate-detection window. Publishers that
// retry a failed publish with the same message ID inside this window are
// deduplicated by the server.
const dedupWindow = 2 * time.Minute

// JetStreamBus implements Bus on NATS JetStream. The stream persists every
// subject the core uses; publishes carry the message ID as the JetStream
// Msg-Id header so duplicates collapse server-side.
type JetStreamBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   Options
	logger *logger.Logger

	mu   sync.Mutex
	subs int
}

// NewJetStreamBus connects to NATS and ensures the core stream exists.
func NewJetStreamBus(cfg config.MessageBusConfig, log *logger.Logger) (*JetStreamBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	busOpts := Options{
		StreamName:        cfg.StreamName,
		RetentionMessages: cfg.RetentionMessages,
		RetentionAge:      cfg.RetentionAge,
		AckWait:           cfg.AckWait,
	}
	if busOpts.StreamName == "" {
		busOpts = DefaultOptions()
	}

	b := &JetStreamBus{
		conn:   conn,
		js:     js,
		opts:   busOpts,
		logger: log.WithFields(zap.String("component", "jetstream_bus")),
	}

	if err := b.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("connected to NATS JetStream",
		zap.String("url", cfg.URL),
		zap.String("stream", busOpts.StreamName))
	return b, nil
}

// ensureStream creates or updates the core stream with the configured retention.
func (b *JetStreamBus) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:       b.opts.StreamName,
		Subjects:   []string{"agent.msg.>", "conv.>", "state.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    b.opts.RetentionMessages,
		MaxAge:     b.opts.RetentionAge,
		Duplicates: dedupWindow,
	}

	_, err := b.js.StreamInfo(b.opts.StreamName)
	if err == nats.ErrStreamNotFound {
		_, err = b.js.AddStream(cfg)
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", b.opts.StreamName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up stream %s: %w", b.opts.StreamName, err)
	}

	if _, err := b.js.UpdateStream(cfg); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", b.opts.StreamName, err)
	}
	return nil
}

// Publish stores the message durably before returning. A failed ack surfaces
// as ErrPublishTimeout; callers retry with the same message ID and the
// duplicate window collapses the replay.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, msg *Message) error {
	msg.Subject = subject
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = b.js.Publish(subject, data, nats.MsgId(msg.ID), nats.Context(ctx))
	if err != nil {
		b.logger.Error("publish failed",
			zap.String("subject", subject),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		if err == nats.ErrTimeout || ctx.Err() != nil {
			return ErrPublishTimeout
		}
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("published message",
		zap.String("subject", subject),
		zap.String("message_id", msg.ID))
	return nil
}

// Subscribe creates a durable push consumer on the pattern. Unacked messages
// are redelivered after the configured ack wait.
func (b *JetStreamBus) Subscribe(pattern, durable string, handler Handler) (Subscription, error) {
	sub, err := b.js.Subscribe(pattern, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("subject", m.Subject),
				zap.Error(err))
			// Poison message: ack so it is not redelivered forever.
			_ = m.Ack()
			return
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Warn("handler nacked message, will redeliver",
				zap.String("subject", m.Subject),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(b.opts.AckWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs++
	b.mu.Unlock()

	b.logger.Debug("subscribed",
		zap.String("pattern", pattern),
		zap.String("durable", durable))
	return &jetStreamSubscription{bus: b, sub: sub}, nil
}

// Stats reads stream counters from the server.
func (b *JetStreamBus) Stats() Stats {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	stats := Stats{Subscribers: subs}

	info, err := b.js.StreamInfo(b.opts.StreamName)
	if err != nil {
		b.logger.Warn("failed to read stream info", zap.Error(err))
		return stats
	}
	stats.MessagesStored = int64(info.State.Msgs)
	stats.BytesStored = int64(info.State.Bytes)

	for range b.js.StreamNames() {
		stats.StreamCount++
	}
	return stats
}

// Close drains the connection, processing pending messages first.
func (b *JetStreamBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
	b.logger.Info("NATS connection closed")
}

// IsConnected returns whether the NATS connection is active.
func (b *JetStreamBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type jetStreamSubscription struct {
	bus *JetStreamBus
	sub *nats.Subscription
}

// Unsubscribe stops delivery but keeps the durable consumer state server-side.
func (s *jetStreamSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	s.bus.subs--
	s.bus.mu.Unlock()
	return s.sub.Drain()
}

// IsValid returns whether the subscription is still active.
func (s *jetStreamSubscription) IsValid() bool {
	return s.sub.IsValid()
}
