// Package repository provides storage for squads and their members.
package repository

import (
	"context"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Repository defines the interface for squad storage.
type Repository interface {
	CreateSquad(ctx context.Context, squad *v1.Squad) error
	GetSquad(ctx context.Context, id string) (*v1.Squad, error)
	UpdateSquadStatus(ctx context.Context, id string, status v1.SquadStatus) error
	ListSquads(ctx context.Context, orgID string) ([]*v1.Squad, error)

	AddMember(ctx context.Context, member *v1.SquadMember) error
	GetMember(ctx context.Context, id string) (*v1.SquadMember, error)
	ListMembers(ctx context.Context, squadID string) ([]*v1.SquadMember, error)
	RemoveMember(ctx context.Context, id string) error

	// Close closes the repository (for database connections)
	Close() error
}
