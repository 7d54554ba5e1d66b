// internal/api/websocket_handlers.go
package api

import (
	"github.com/Corphon/StoryForge/internal/services"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gin-gonic/gin"
)

// WebSocketHandler 处理会话事件流连接
type WebSocketHandler struct {
	manager      *WebSocketManager
	storyService *services.StoryService
	response     *ResponseHelper
	logger       *utils.Logger
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(manager *WebSocketManager, storyService *services.StoryService, logger *utils.Logger) *WebSocketHandler {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &WebSocketHandler{
		manager:      manager,
		storyService: storyService,
		response:     NewResponseHelper(),
		logger:       logger,
	}
}

// SessionStream GET /ws/story/:id，会话不存在时返回404而不升级
func (wh *WebSocketHandler) SessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := wh.storyService.GetSession(c.Request.Context(), sessionID); err != nil {
		wh.response.AppError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		wh.logger.Warn("websocket upgrade failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err,
		})
		return
	}

	client := newWebSocketClient(conn, sessionID)
	select {
	case wh.manager.register <- client:
	case <-wh.manager.stop:
		_ = conn.Close()
		return
	}

	go wh.manager.writePump(client)
	wh.manager.readPump(client)
}

// GetStatus GET /ws/status
func (wh *WebSocketHandler) GetStatus(c *gin.Context) {
	wh.response.Success(c, wh.manager.GetStatus())
}
