package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveAndGetRoundTrip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		sess := &Session{AgentID: "b1"}
		require.NoError(t, sess.SetEntries([]Entry{
			{Role: "user", Content: "implement the endpoint", CreatedAt: time.Now().UTC()},
			{Role: "assistant", Content: "on it", CreatedAt: time.Now().UTC()},
		}))
		require.NoError(t, store.Save(ctx, sess))
		require.NotEmpty(t, sess.ID)

		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		entries, err := got.Entries()
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "on it", entries[1].Content)
	})

	t.Run("SaveReplacesHistory", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		sess := &Session{AgentID: "b1"}
		require.NoError(t, sess.SetEntries([]Entry{{Role: "user", Content: "first"}}))
		require.NoError(t, store.Save(ctx, sess))

		require.NoError(t, sess.SetEntries([]Entry{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "second"},
		}))
		require.NoError(t, store.Save(ctx, sess))

		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		entries, err := got.Entries()
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("FindByAgentReturnsNewest", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		older := &Session{ID: "s-old", AgentID: "b1"}
		require.NoError(t, store.Save(ctx, older))
		time.Sleep(5 * time.Millisecond)
		newer := &Session{ID: "s-new", AgentID: "b1"}
		require.NoError(t, store.Save(ctx, newer))

		got, err := store.FindByAgent(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "s-new", got.ID)

		_, err = store.FindByAgent(ctx, "nobody")
		assert.Error(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
		require.NoError(t, err)
		return store
	})
}

func TestCorruptHistoryBlobSurfacesOnDecode(t *testing.T) {
	sess := &Session{ID: "s1", AgentID: "b1", History: []byte("{not json")}
	_, err := sess.Entries()
	assert.Error(t, err)
}
