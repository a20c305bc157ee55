// Package repository provides storage for tasks and task executions.
package repository

import (
	"context"

	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// ExecutionUpdate carries the fields the workflow engine is allowed to change
// on an execution row. Nil pointers leave the column untouched.
type ExecutionUpdate struct {
	WorkflowState *v1.WorkflowState
	PrevState     *v1.WorkflowState
	ProgressPct   *int
	Error         *string
	Completed     bool
}

// Repository defines the interface for task and execution storage.
// TaskExecution rows are mutated only through the workflow engine; any other
// writer is a bug.
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error
	ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error)

	// Execution operations
	CreateExecution(ctx context.Context, exec *v1.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*v1.TaskExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*v1.TaskExecution, error)
	ListExecutionsBySquad(ctx context.Context, squadID string) ([]*v1.TaskExecution, error)

	// Close closes the repository (for database connections)
	Close() error
}
