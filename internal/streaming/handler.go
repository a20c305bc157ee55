package streaming

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/squadflow/squadflow/internal/common/logger"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler exposes the broadcast stream over WebSocket.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a WebSocket handler over the hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// Stream upgrades the connection and attaches it to the requested scope.
//
//	WS /api/v1/stream?scope=execution&id=<id>&since_id=<n>&view=internal
//
// scope defaults to execution. since_id resumes delivery after a previously
// seen event ID. view=internal requests the unfiltered feed.
func (h *WSHandler) Stream(c *gin.Context) {
	scope := v1.StreamScope(c.DefaultQuery("scope", string(v1.StreamScopeExecution)))
	scopeID := c.Query("id")
	if scopeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_SCOPE_ID",
				"message": "query parameter 'id' is required",
			},
		})
		return
	}

	var sinceID uint64
	if raw := c.Query("since_id"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"code":    "INVALID_SINCE_ID",
					"message": "since_id must be a non-negative integer",
				},
			})
			return
		}
		sinceID = parsed
	}
	internal := c.Query("view") == "internal"

	sub, err := h.hub.Subscribe(scope, scopeID, sinceID, internal)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "SUBSCRIBE_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		h.logger.Error("Failed to upgrade connection",
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("WebSocket stream established",
		zap.String("subscriber_id", sub.ID),
		zap.String("scope", string(scope)),
		zap.String("scope_id", scopeID),
	)

	client := NewClient(h.hub, sub, conn, h.logger)
	go client.WritePump()
	go client.ReadPump()
}
