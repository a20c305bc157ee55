package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/squadflow/squadflow/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AckWait = 50 * time.Millisecond
	return opts
}

func mustPublish(t *testing.T, b *MemoryBus, subject string, id string) *Message {
	t.Helper()
	msg, err := NewMessage(id, subject, "test", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := b.Publish(context.Background(), subject, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	return msg
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	received := make(chan *Message, 1)
	sub, err := b.Subscribe("test.subject", "d1", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	want := mustPublish(t, b, "test.subject", "")

	select {
	case got := <-received:
		if got.ID != want.ID {
			t.Errorf("Expected message ID %s, got %s", want.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_DuplicatePublishIsNoOp(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("dedup.subject", "d1", func(ctx context.Context, msg *Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	mustPublish(t, b, "dedup.subject", "fixed-id")
	mustPublish(t, b, "dedup.subject", "fixed-id")

	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&count); n != 1 {
		t.Errorf("Expected 1 delivery, got %d", n)
	}
	if stats := b.Stats(); stats.MessagesStored != 1 {
		t.Errorf("Expected 1 stored message, got %d", stats.MessagesStored)
	}
}

func TestMemoryBus_WildcardInbox(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	received := make(chan string, 2)
	sub, err := b.Subscribe("agent.msg.e1.*.a2", "inbox-a2", func(ctx context.Context, msg *Message) error {
		received <- msg.Subject
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	mustPublish(t, b, "agent.msg.e1.tech_lead.a2", "")
	mustPublish(t, b, "agent.msg.e1.backend_developer.a2", "")
	mustPublish(t, b, "agent.msg.e1.tech_lead.other", "")

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for delivery %d", i)
		}
	}
	select {
	case subj := <-received:
		t.Errorf("Unexpected delivery for %s", subj)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBus_RedeliveryAfterNack(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	var attempts int32
	done := make(chan struct{})
	sub, err := b.Subscribe("retry.subject", "d1", func(ctx context.Context, msg *Message) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("not ready")
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	mustPublish(t, b, "retry.subject", "")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for redelivery")
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestMemoryBus_DurableResume(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	first := make(chan *Message, 1)
	sub, err := b.Subscribe("durable.subject", "worker", func(ctx context.Context, msg *Message) error {
		first <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mustPublish(t, b, "durable.subject", "m1")
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for first delivery")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	// Published while the durable consumer is offline.
	mustPublish(t, b, "durable.subject", "m2")

	second := make(chan *Message, 1)
	resumed, err := b.Subscribe("durable.subject", "worker", func(ctx context.Context, msg *Message) error {
		second <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Resubscribe failed: %v", err)
	}
	defer func() {
		_ = resumed.Unsubscribe()
	}()

	select {
	case got := <-second:
		if got.ID != "m2" {
			t.Errorf("Expected resumed delivery of m2, got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for resumed delivery")
	}
}

func TestMemoryBus_PerSubjectFIFO(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	var order []string
	done := make(chan struct{})
	sub, err := b.Subscribe("fifo.subject", "d1", func(ctx context.Context, msg *Message) error {
		order = append(order, msg.ID)
		if len(order) == 5 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		mustPublish(t, b, "fifo.subject", id)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Timeout; got %d deliveries", len(order))
	}
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("Out of order at %d: got %v", i, order)
		}
	}
}

func TestMemoryBus_RetentionByCount(t *testing.T) {
	opts := testOptions()
	opts.RetentionMessages = 3
	b := NewMemoryBus(opts, newTestLogger(t))
	defer b.Close()

	for i := 0; i < 5; i++ {
		mustPublish(t, b, "retain.subject", "")
	}

	if stats := b.Stats(); stats.MessagesStored != 3 {
		t.Errorf("Expected 3 retained messages, got %d", stats.MessagesStored)
	}
}

func TestMemoryBus_Stats(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	defer b.Close()

	sub, err := b.Subscribe("stats.subject", "d1", func(ctx context.Context, msg *Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	mustPublish(t, b, "stats.subject", "")
	mustPublish(t, b, "state.e1", "")

	stats := b.Stats()
	if stats.MessagesStored != 2 {
		t.Errorf("Expected 2 stored, got %d", stats.MessagesStored)
	}
	if stats.Subscribers != 1 {
		t.Errorf("Expected 1 subscriber, got %d", stats.Subscribers)
	}
	if stats.StreamCount != 2 {
		t.Errorf("Expected 2 streams, got %d", stats.StreamCount)
	}
	if stats.BytesStored <= 0 {
		t.Errorf("Expected positive bytes stored, got %d", stats.BytesStored)
	}
}

func TestMemoryBus_ClosedRejectsPublish(t *testing.T) {
	b := NewMemoryBus(testOptions(), newTestLogger(t))
	b.Close()

	msg, err := NewMessage("", "x.y", "test", nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := b.Publish(context.Background(), "x.y", msg); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
}
