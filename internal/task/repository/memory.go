package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// MemoryRepository provides in-memory task and execution storage.
type MemoryRepository struct {
	tasks      map[string]*v1.Task
	executions map[string]*v1.TaskExecution
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:      make(map[string]*v1.Task),
		executions: make(map[string]*v1.TaskExecution),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask creates a new task.
func (r *MemoryRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	if task.Priority == "" {
		task.Priority = v1.PriorityMedium
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	copied := *task
	r.tasks[task.ID] = &copied
	return nil
}

// GetTask retrieves a task by ID.
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	copied := *task
	return &copied, nil
}

// UpdateTaskStatus updates the status of a task.
func (r *MemoryRepository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return errors.NotFound("task", id)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasks returns all tasks of a project.
func (r *MemoryRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Task
	for _, task := range r.tasks {
		if task.ProjectID == projectID {
			copied := *task
			result = append(result, &copied)
		}
	}
	return result, nil
}

// CreateExecution creates a new task execution in state PENDING.
func (r *MemoryRepository) CreateExecution(ctx context.Context, exec *v1.TaskExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.WorkflowState == "" {
		exec.WorkflowState = v1.StatePending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	copied := *exec
	r.executions[exec.ID] = &copied
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*v1.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, errors.NotFound("execution", id)
	}
	copied := *exec
	return &copied, nil
}

// UpdateExecution applies a workflow-engine update and returns the new row.
func (r *MemoryRepository) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*v1.TaskExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, errors.NotFound("execution", id)
	}

	if update.WorkflowState != nil {
		exec.WorkflowState = *update.WorkflowState
	}
	if update.PrevState != nil {
		exec.PrevState = *update.PrevState
	}
	if update.ProgressPct != nil {
		exec.ProgressPct = *update.ProgressPct
	}
	if update.Error != nil {
		exec.Error = *update.Error
	}
	if update.Completed {
		now := time.Now().UTC()
		exec.CompletedAt = &now
	}

	copied := *exec
	return &copied, nil
}

// ListExecutionsBySquad returns all executions owned by a squad.
func (r *MemoryRepository) ListExecutionsBySquad(ctx context.Context, squadID string) ([]*v1.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.TaskExecution
	for _, exec := range r.executions {
		if exec.SquadID == squadID {
			copied := *exec
			result = append(result, &copied)
		}
	}
	return result, nil
}
