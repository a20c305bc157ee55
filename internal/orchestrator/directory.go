package orchestrator

import (
	"context"
	"sync"

	"github.com/squadflow/squadflow/internal/common/errors"
	squadrepo "github.com/squadflow/squadflow/internal/squad/repository"
	taskrepo "github.com/squadflow/squadflow/internal/task/repository"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Directory resolves agent identities within an execution's squad. It backs
// the conversation tracker's escalation lookups and the orchestrator's
// delegation checks.
type Directory struct {
	tasks  taskrepo.Repository
	squads squadrepo.Repository

	mu      sync.RWMutex
	squadOf map[string]string // execution ID -> squad ID
}

// NewDirectory creates an agent directory over the task and squad stores.
func NewDirectory(tasks taskrepo.Repository, squads squadrepo.Repository) *Directory {
	return &Directory{
		tasks:   tasks,
		squads:  squads,
		squadOf: make(map[string]string),
	}
}

// Role returns the role of an agent within the execution's squad.
func (d *Directory) Role(ctx context.Context, executionID, agentID string) (v1.AgentRole, error) {
	member, err := d.member(ctx, executionID, agentID)
	if err != nil {
		return "", err
	}
	return member.Role, nil
}

// FindByRole returns the ID of a squad member holding the given role. When
// several members share the role the first by member listing order wins.
func (d *Directory) FindByRole(ctx context.Context, executionID string, role v1.AgentRole) (string, error) {
	members, err := d.members(ctx, executionID)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.Role == role {
			return m.ID, nil
		}
	}
	return "", errors.NotFound("squad member with role", string(role))
}

// Member returns the full member record of an agent within the execution's
// squad.
func (d *Directory) Member(ctx context.Context, executionID, agentID string) (*v1.SquadMember, error) {
	return d.member(ctx, executionID, agentID)
}

func (d *Directory) member(ctx context.Context, executionID, agentID string) (*v1.SquadMember, error) {
	members, err := d.members(ctx, executionID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.ID == agentID {
			return m, nil
		}
	}
	return nil, errors.NotFound("squad member", agentID)
}

// SquadOf resolves the squad an execution belongs to.
func (d *Directory) SquadOf(ctx context.Context, executionID string) (string, error) {
	return d.squadID(ctx, executionID)
}

func (d *Directory) members(ctx context.Context, executionID string) ([]*v1.SquadMember, error) {
	squadID, err := d.squadID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return d.squads.ListMembers(ctx, squadID)
}

// squadID resolves and caches the squad of an execution. The mapping is
// immutable for the lifetime of an execution, so the cache never invalidates.
func (d *Directory) squadID(ctx context.Context, executionID string) (string, error) {
	d.mu.RLock()
	id, ok := d.squadOf[executionID]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	exec, err := d.tasks.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.squadOf[executionID] = exec.SquadID
	d.mu.Unlock()
	return exec.SquadID, nil
}
