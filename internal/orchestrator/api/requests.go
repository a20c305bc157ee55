package api

import (
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// CreateTaskRequest is the body of POST /api/v1/tasks
type CreateTaskRequest struct {
	ProjectID   string          `json:"project_id" binding:"required"`
	ExternalID  string          `json:"external_id,omitempty"`
	Title       string          `json:"title" binding:"required"`
	Description string          `json:"description"`
	Priority    v1.TaskPriority `json:"priority,omitempty"`
}

// CreateSquadRequest is the body of POST /api/v1/squads
type CreateSquadRequest struct {
	OrgID   string                 `json:"org_id" binding:"required"`
	OwnerID string                 `json:"owner_id" binding:"required"`
	Name    string                 `json:"name" binding:"required"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Members []CreateMemberRequest  `json:"members,omitempty"`
}

// CreateMemberRequest describes one squad member in a squad creation call.
type CreateMemberRequest struct {
	Role           v1.AgentRole `json:"role" binding:"required"`
	Specialization string       `json:"specialization,omitempty"`
	LLMProvider    string       `json:"llm_provider,omitempty"`
	LLMModel       string       `json:"llm_model,omitempty"`
	SystemPrompt   string       `json:"system_prompt,omitempty"`
}

// StartExecutionRequest is the body of POST /api/v1/executions
type StartExecutionRequest struct {
	TaskID  string `json:"task_id" binding:"required"`
	SquadID string `json:"squad_id" binding:"required"`
}

// ResumeExecutionRequest is the body of POST /api/v1/executions/:executionId/resume
type ResumeExecutionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// CancelExecutionRequest is the body of POST /api/v1/executions/:executionId/cancel
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelConversationRequest is the body of POST /api/v1/conversations/:conversationId/cancel
type CancelConversationRequest struct {
	AskerID string `json:"asker_id" binding:"required"`
}

// ExecutionResponse combines the durable execution row with the live run
// view, when this process drives the execution.
type ExecutionResponse struct {
	Execution   *v1.TaskExecution `json:"execution"`
	Run         interface{}       `json:"run,omitempty"`
	WorkingTime string            `json:"working_time,omitempty"`
	BlockedTime string            `json:"blocked_time,omitempty"`
}
