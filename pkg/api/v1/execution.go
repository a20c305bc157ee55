package v1

import "time"

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskPriority represents task urgency
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// PriorityWeight maps a priority to its scheduling weight.
func PriorityWeight(p TaskPriority) int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// Task is a unit of work to be carried out by a squad
type Task struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	ExternalID  string       `json:"external_id,omitempty"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssignedTo  string       `json:"assigned_to,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// WorkflowState represents the execution state machine position
type WorkflowState string

const (
	StatePending    WorkflowState = "PENDING"
	StateAnalyzing  WorkflowState = "ANALYZING"
	StatePlanning   WorkflowState = "PLANNING"
	StateDelegated  WorkflowState = "DELEGATED"
	StateInProgress WorkflowState = "IN_PROGRESS"
	StateReviewing  WorkflowState = "REVIEWING"
	StateTesting    WorkflowState = "TESTING"
	StateCompleted  WorkflowState = "COMPLETED"
	StateBlocked    WorkflowState = "BLOCKED"
	StateFailed     WorkflowState = "FAILED"
)

// IsTerminal reports whether the state ends the execution.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TaskExecution is one attempt at a task by a squad. PrevState records the
// state held before entering BLOCKED so that resume can restore it.
type TaskExecution struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	SquadID       string        `json:"squad_id"`
	WorkflowState WorkflowState `json:"workflow_state"`
	PrevState     WorkflowState `json:"prev_state,omitempty"`
	ProgressPct   int           `json:"progress_pct"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}
