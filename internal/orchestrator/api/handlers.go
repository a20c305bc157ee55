package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/errors"
	"github.com/squadflow/squadflow/internal/common/logger"
	"github.com/squadflow/squadflow/internal/conversation"
	"github.com/squadflow/squadflow/internal/history"
	"github.com/squadflow/squadflow/internal/orchestrator"
	squadrepo "github.com/squadflow/squadflow/internal/squad/repository"
	taskrepo "github.com/squadflow/squadflow/internal/task/repository"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// Handler contains the HTTP handlers of the orchestrator control API.
type Handler struct {
	orch    *orchestrator.Orchestrator
	tracker *conversation.Tracker
	tasks   taskrepo.Repository
	squads  squadrepo.Repository
	history history.Store
	logger  *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Orchestrator, tracker *conversation.Tracker,
	tasks taskrepo.Repository, squads squadrepo.Repository, hist history.Store,
	log *logger.Logger) *Handler {
	return &Handler{
		orch:    orch,
		tracker: tracker,
		tasks:   tasks,
		squads:  squads,
		history: hist,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"error": gin.H{"message": err.Error()}})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "invalid request body: " + err.Error()}})
}

// CreateTask creates a task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = v1.PriorityMedium
	}
	task := &v1.Task{
		ID:          uuid.New().String(),
		ProjectID:   req.ProjectID,
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		Description: req.Description,
		Status:      v1.TaskStatusPending,
		Priority:    priority,
	}
	if err := h.tasks.CreateTask(c.Request.Context(), task); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask returns a task
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// CreateSquad creates a squad with its members
// POST /api/v1/squads
func (h *Handler) CreateSquad(c *gin.Context) {
	var req CreateSquadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	squad := &v1.Squad{
		ID:      uuid.New().String(),
		OrgID:   req.OrgID,
		OwnerID: req.OwnerID,
		Name:    req.Name,
		Status:  v1.SquadStatusActive,
		Config:  req.Config,
	}
	if err := h.squads.CreateSquad(ctx, squad); err != nil {
		h.respondError(c, err)
		return
	}

	members := make([]*v1.SquadMember, 0, len(req.Members))
	for _, m := range req.Members {
		member := &v1.SquadMember{
			ID:             uuid.New().String(),
			SquadID:        squad.ID,
			Role:           m.Role,
			Specialization: m.Specialization,
			LLMProvider:    m.LLMProvider,
			LLMModel:       m.LLMModel,
			SystemPrompt:   m.SystemPrompt,
		}
		if err := h.squads.AddMember(ctx, member); err != nil {
			h.respondError(c, err)
			return
		}
		members = append(members, member)
	}

	c.JSON(http.StatusCreated, gin.H{"squad": squad, "members": members})
}

// GetSquad returns a squad with its members
// GET /api/v1/squads/:squadId
func (h *Handler) GetSquad(c *gin.Context) {
	ctx := c.Request.Context()
	squad, err := h.squads.GetSquad(ctx, c.Param("squadId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	members, err := h.squads.ListMembers(ctx, squad.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"squad": squad, "members": members})
}

// StartExecution starts driving a task with a squad
// POST /api/v1/executions
func (h *Handler) StartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	exec, err := h.orch.StartExecution(c.Request.Context(), req.TaskID, req.SquadID)
	if err != nil {
		h.logger.Error("failed to start execution",
			zap.String("task_id", req.TaskID), zap.Error(err))
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// GetExecution returns the execution row plus the live run view
// GET /api/v1/executions/:executionId
func (h *Handler) GetExecution(c *gin.Context) {
	executionID := c.Param("executionId")
	exec, err := h.orch.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := ExecutionResponse{Execution: exec}
	if status, ok := h.orch.RunStatus(executionID); ok {
		resp.Run = status
		timing := h.orch.Timing(executionID)
		resp.WorkingTime = timing.WorkingTime.Round(time.Millisecond).String()
		resp.BlockedTime = timing.BlockedTime.Round(time.Millisecond).String()
	}
	c.JSON(http.StatusOK, resp)
}

// ResumeExecution restores a blocked execution to its pre-block state
// POST /api/v1/executions/:executionId/resume
func (h *Handler) ResumeExecution(c *gin.Context) {
	var req ResumeExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	exec, err := h.orch.Resume(c.Request.Context(), c.Param("executionId"), req.Resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution fails an execution on operator request
// POST /api/v1/executions/:executionId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	var req CancelExecutionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	executionID := c.Param("executionId")
	if err := h.orch.Cancel(c.Request.Context(), executionID, req.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "execution cancelled"})
}

// ListExecutionMessages returns the journalled messages of an execution
// GET /api/v1/executions/:executionId/messages
func (h *Handler) ListExecutionMessages(c *gin.Context) {
	q := history.Query{}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		q.Since = t
	}

	msgs, err := h.history.QueryByExecution(c.Request.Context(), c.Param("executionId"), q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// ListExecutionConversations returns the conversations of an execution
// GET /api/v1/executions/:executionId/conversations
func (h *Handler) ListExecutionConversations(c *gin.Context) {
	convs, err := h.tracker.ListByExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation returns one conversation with its audit trail
// GET /api/v1/conversations/:conversationId
func (h *Handler) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	conv, err := h.tracker.Get(ctx, c.Param("conversationId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	events, err := h.tracker.Events(ctx, conv.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv, "events": events})
}

// CancelConversation closes a conversation on behalf of its asker
// POST /api/v1/conversations/:conversationId/cancel
func (h *Handler) CancelConversation(c *gin.Context) {
	var req CancelConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.tracker.Cancel(c.Request.Context(), c.Param("conversationId"), req.AskerID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation cancelled"})
}

// GetStats reports orchestrator and bus load
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Stats())
}
