package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/common/errors"
)

func TestAcquireIsExclusive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "e1", "owner-a", time.Minute)
	require.NoError(t, err)
	defer lease.Release()

	_, err = locker.Acquire(ctx, "e1", "owner-b", time.Minute)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockContention))

	// re-entrant for the same owner
	again, err := locker.Acquire(ctx, "e1", "owner-a", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestReleaseFreesTheLock(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "e1", "owner-a", time.Minute)
	require.NoError(t, err)
	lease.Release()

	other, err := locker.Acquire(ctx, "e1", "owner-b", time.Minute)
	require.NoError(t, err)
	other.Release()
}

func TestExpiredLockCanBeTaken(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "e1", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)
	// stop the heartbeat so the lease actually expires
	lease.Release()
	locker.Steal("e1", "owner-a")
	locker.held["e1"].expires = time.Now().Add(-time.Second)

	other, err := locker.Acquire(ctx, "e1", "owner-b", time.Minute)
	require.NoError(t, err)
	other.Release()
}

func TestLostLockClosesDone(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "e1", "owner-a", 30*time.Millisecond)
	require.NoError(t, err)

	locker.Steal("e1", "owner-b")

	select {
	case <-lease.Done():
	case <-time.After(time.Second):
		t.Fatal("lease loss was not signalled")
	}
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "e1", "owner-a", 30*time.Millisecond)
	require.NoError(t, err)
	defer lease.Release()

	time.Sleep(100 * time.Millisecond)

	// still held after several TTL windows
	_, err = locker.Acquire(ctx, "e1", "owner-b", time.Minute)
	assert.True(t, errors.IsCode(err, errors.ErrCodeLockContention))
	select {
	case <-lease.Done():
		t.Fatal("renewed lease must not report loss")
	default:
	}
}
