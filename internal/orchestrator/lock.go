package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/squadflow/squadflow/internal/common/errors"
)

// Locker serializes orchestrator ownership of an execution. At most one
// lease per execution ID is live at a time; leases expire unless renewed.
type Locker interface {
	Acquire(ctx context.Context, executionID, ownerID string, ttl time.Duration) (*Lease, error)
}

// Lease is a held execution lock. A background heartbeat renews it at a
// third of the TTL; if renewal fails the Done channel closes and the owning
// orchestrator must abort.
type Lease struct {
	ExecutionID string
	OwnerID     string

	renew   func() error
	release func()

	done chan struct{}
	stop chan struct{}
	once sync.Once
}

// Done closes when the lease has been lost and the owner must stand down.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Release gives the lock up voluntarily.
func (l *Lease) Release() {
	l.once.Do(func() {
		close(l.stop)
		l.release()
	})
}

func (l *Lease) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				close(l.done)
				return
			}
		}
	}
}

type lockEntry struct {
	owner   string
	expires time.Time
}

// MemoryLocker is the single-process Locker. The TTL discipline matches a
// distributed implementation so the orchestrator code does not care which
// one it runs against.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

// NewMemoryLocker creates an in-process execution locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*lockEntry)}
}

// Acquire takes the execution lock or fails with LockContention when a live
// lease is held by somebody else.
func (m *MemoryLocker) Acquire(ctx context.Context, executionID, ownerID string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	m.mu.Lock()
	now := time.Now()
	if entry, ok := m.held[executionID]; ok && entry.owner != ownerID && entry.expires.After(now) {
		m.mu.Unlock()
		return nil, errors.LockContention(executionID)
	}
	m.held[executionID] = &lockEntry{owner: ownerID, expires: now.Add(ttl)}
	m.mu.Unlock()

	lease := &Lease{
		ExecutionID: executionID,
		OwnerID:     ownerID,
		renew:       func() error { return m.renew(executionID, ownerID, ttl) },
		release:     func() { m.release(executionID, ownerID) },
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
	go lease.heartbeat(ttl / 3)
	return lease, nil
}

func (m *MemoryLocker) renew(executionID, ownerID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.held[executionID]
	if !ok || entry.owner != ownerID {
		return errors.LockContention(executionID)
	}
	entry.expires = time.Now().Add(ttl)
	return nil
}

func (m *MemoryLocker) release(executionID, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.held[executionID]; ok && entry.owner == ownerID {
		delete(m.held, executionID)
	}
}

// Steal forcibly reassigns a lock. Used by tests to simulate lock loss.
func (m *MemoryLocker) Steal(executionID, newOwner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[executionID] = &lockEntry{owner: newOwner, expires: time.Now().Add(time.Hour)}
}
