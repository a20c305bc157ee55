package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// MemoryRepository provides in-memory squad storage.
type MemoryRepository struct {
	squads  map[string]*v1.Squad
	members map[string]*v1.SquadMember
	mu      sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		squads:  make(map[string]*v1.Squad),
		members: make(map[string]*v1.SquadMember),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateSquad creates a new squad.
func (r *MemoryRepository) CreateSquad(ctx context.Context, squad *v1.Squad) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if squad.ID == "" {
		squad.ID = uuid.New().String()
	}
	if squad.Status == "" {
		squad.Status = v1.SquadStatusActive
	}
	now := time.Now().UTC()
	squad.CreatedAt = now
	squad.UpdatedAt = now

	copied := *squad
	r.squads[squad.ID] = &copied
	return nil
}

// GetSquad retrieves a squad by ID.
func (r *MemoryRepository) GetSquad(ctx context.Context, id string) (*v1.Squad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	squad, ok := r.squads[id]
	if !ok {
		return nil, errors.NotFound("squad", id)
	}
	copied := *squad
	return &copied, nil
}

// UpdateSquadStatus updates the lifecycle status of a squad.
func (r *MemoryRepository) UpdateSquadStatus(ctx context.Context, id string, status v1.SquadStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	squad, ok := r.squads[id]
	if !ok {
		return errors.NotFound("squad", id)
	}
	squad.Status = status
	squad.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSquads returns all squads of an organization.
func (r *MemoryRepository) ListSquads(ctx context.Context, orgID string) ([]*v1.Squad, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Squad
	for _, squad := range r.squads {
		if squad.OrgID == orgID {
			copied := *squad
			result = append(result, &copied)
		}
	}
	return result, nil
}

// AddMember adds an agent definition to a squad. The role must be one the
// platform knows how to instantiate.
func (r *MemoryRepository) AddMember(ctx context.Context, member *v1.SquadMember) error {
	if !v1.IsKnownRole(member.Role) {
		return errors.UnsupportedRole(string(member.Role))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.squads[member.SquadID]; !ok {
		return errors.NotFound("squad", member.SquadID)
	}
	if member.ID == "" {
		member.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	member.CreatedAt = now
	member.UpdatedAt = now

	copied := *member
	r.members[member.ID] = &copied
	return nil
}

// GetMember retrieves a squad member by ID.
func (r *MemoryRepository) GetMember(ctx context.Context, id string) (*v1.SquadMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	member, ok := r.members[id]
	if !ok {
		return nil, errors.NotFound("squad member", id)
	}
	copied := *member
	return &copied, nil
}

// ListMembers returns all members of a squad.
func (r *MemoryRepository) ListMembers(ctx context.Context, squadID string) ([]*v1.SquadMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.SquadMember
	for _, member := range r.members {
		if member.SquadID == squadID {
			copied := *member
			result = append(result, &copied)
		}
	}
	return result, nil
}

// RemoveMember removes a member from its squad.
func (r *MemoryRepository) RemoveMember(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; !ok {
		return errors.NotFound("squad member", id)
	}
	delete(r.members, id)
	return nil
}
