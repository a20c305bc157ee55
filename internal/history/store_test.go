package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

func testMessage(id, execID, sender string) *v1.AgentMessage {
	return &v1.AgentMessage{
		ID:          id,
		ExecutionID: execID,
		SenderID:    sender,
		RecipientID: "a2",
		Type:        v1.MessageTypeStatusUpdate,
		Content:     "progress report",
	}
}

// Both implementations must satisfy the same ordering and idempotency
// contract, so the suite runs against each.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("AppendAssignsMonotonicTimestamps", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		for i := 0; i < 10; i++ {
			require.NoError(t, store.Append(ctx, testMessage(fmt.Sprintf("m%d", i), "e1", "a1")))
		}

		msgs, err := store.QueryByExecution(ctx, "e1", Query{})
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for i := 1; i < len(msgs); i++ {
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt),
				"timestamps must be strictly increasing at index %d", i)
		}
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		msg := testMessage("dup", "e1", "a1")
		require.NoError(t, store.Append(ctx, msg))
		require.NoError(t, store.Append(ctx, msg))

		msgs, err := store.QueryByExecution(ctx, "e1", Query{})
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("RejectsMalformedEnvelope", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		bad := testMessage("m1", "e1", "a1")
		bad.BroadcastScope = v1.ScopeSquad // both recipient and scope set
		assert.Error(t, store.Append(ctx, bad))
	})

	t.Run("QueryBySenderAndRecipient", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, testMessage("m1", "e1", "a1")))
		other := testMessage("m2", "e1", "a3")
		other.RecipientID = "a9"
		require.NoError(t, store.Append(ctx, other))

		sent, err := store.QueryByAgent(ctx, "a1", Query{})
		require.NoError(t, err)
		assert.Len(t, sent, 1)

		received, err := store.QueryByAgent(ctx, "a2", Query{})
		require.NoError(t, err)
		assert.Len(t, received, 1)
	})

	t.Run("QueryByConversation", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		msg := testMessage("m1", "e1", "a1")
		msg.Type = v1.MessageTypeQuestion
		msg.ConversationID = "c1"
		require.NoError(t, store.Append(ctx, msg))
		require.NoError(t, store.Append(ctx, testMessage("m2", "e1", "a1")))

		msgs, err := store.QueryByConversation(ctx, "c1", Query{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	})

	t.Run("SinceAndLimit", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append(ctx, testMessage(fmt.Sprintf("m%d", i), "e1", "a1")))
		}

		all, err := store.QueryByExecution(ctx, "e1", Query{})
		require.NoError(t, err)
		require.Len(t, all, 5)

		since := all[2].CreatedAt
		tail, err := store.QueryByExecution(ctx, "e1", Query{Since: since})
		require.NoError(t, err)
		assert.Len(t, tail, 3)

		limited, err := store.QueryByExecution(ctx, "e1", Query{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "m0", limited[0].ID)
	})

	t.Run("WorkflowEvents", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.AppendWorkflowEvent(ctx, &WorkflowEvent{
			ExecutionID: "e1",
			FromState:   v1.StatePending,
			ToState:     v1.StateAnalyzing,
			ActorID:     "orchestrator",
		}))
		require.NoError(t, store.AppendWorkflowEvent(ctx, &WorkflowEvent{
			ExecutionID: "e1",
			FromState:   v1.StateAnalyzing,
			ToState:     v1.StatePlanning,
			ActorID:     "pm-1",
		}))

		events, err := store.WorkflowEvents(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, v1.StateAnalyzing, events[0].ToState)
		assert.Equal(t, v1.StatePlanning, events[1].ToState)
	})

	t.Run("PruneExecution", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, testMessage("m1", "e1", "a1")))
		require.NoError(t, store.Append(ctx, testMessage("m2", "e2", "a1")))
		require.NoError(t, store.PruneExecution(ctx, "e1"))

		gone, err := store.QueryByExecution(ctx, "e1", Query{})
		require.NoError(t, err)
		assert.Empty(t, gone)

		kept, err := store.QueryByExecution(ctx, "e2", Query{})
		require.NoError(t, err)
		assert.Len(t, kept, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		return store
	})
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	var c clock
	prev := c.now()
	for i := 0; i < 1000; i++ {
		next := c.now()
		if !next.After(prev) {
			t.Fatalf("clock went backwards: %v then %v", prev, next)
		}
		prev = next
	}
}
