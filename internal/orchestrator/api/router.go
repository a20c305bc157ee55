package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the orchestrator control API routes.
// router should be the /api/v1 group. streamHandler, when non-nil, serves
// the websocket event stream endpoint.
func SetupRoutes(router *gin.RouterGroup, handler *Handler, streamHandler gin.HandlerFunc) {
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("/:taskId", handler.GetTask)
	}

	squads := router.Group("/squads")
	{
		squads.POST("", handler.CreateSquad)
		squads.GET("/:squadId", handler.GetSquad)
	}

	executions := router.Group("/executions")
	{
		executions.POST("", handler.StartExecution)
		executions.GET("/:executionId", handler.GetExecution)
		executions.POST("/:executionId/resume", handler.ResumeExecution)
		executions.POST("/:executionId/cancel", handler.CancelExecution)
		executions.GET("/:executionId/messages", handler.ListExecutionMessages)
		executions.GET("/:executionId/conversations", handler.ListExecutionConversations)
	}

	conversations := router.Group("/conversations")
	{
		conversations.GET("/:conversationId", handler.GetConversation)
		conversations.POST("/:conversationId/cancel", handler.CancelConversation)
	}

	router.GET("/stats", handler.GetStats)

	if streamHandler != nil {
		router.GET("/stream", streamHandler)
	}
}
