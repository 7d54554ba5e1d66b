// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocketClient 一个订阅会话事件的连接
type WebSocketClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	closeOnce sync.Once
	lastPing  atomic.Int64 // unix nano
	createdAt time.Time
}

func newWebSocketClient(conn *websocket.Conn, sessionID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 64),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// closeSend 只能在持有管理器写锁时调用
func (client *WebSocketClient) closeSend() {
	client.closeOnce.Do(func() { close(client.send) })
}

// WebSocketManager 按会话ID管理连接并推送会话事件
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // sessionID -> clients
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	stop        chan struct{}
	stopOnce    sync.Once
	mutex       sync.RWMutex
	pingTimeout time.Duration
	logger      *utils.Logger
}

// NewWebSocketManager 创建管理器并启动主循环
func NewWebSocketManager(logger *utils.Logger) *WebSocketManager {
	if logger == nil {
		logger = utils.GetLogger()
	}
	manager := &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		register:    make(chan *WebSocketClient, 64),
		unregister:  make(chan *WebSocketClient, 64),
		stop:        make(chan struct{}),
		pingTimeout: 2 * pongWait,
		logger:      logger,
	}
	go manager.run()
	return manager
}

func (manager *WebSocketManager) run() {
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-manager.register:
			manager.registerClient(client)
		case client := <-manager.unregister:
			manager.unregisterClient(client)
		case <-cleanupTicker.C:
			manager.cleanupExpiredConnections()
		case <-manager.stop:
			manager.shutdown()
			return
		}
	}
}

func (manager *WebSocketManager) registerClient(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.sessionID] == nil {
		manager.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.sessionID][client] = struct{}{}

	// 注册完成后再发送欢迎消息，客户端收到后即可收到后续事件
	manager.enqueueLocked(client, map[string]interface{}{
		"type":       "connected",
		"session_id": client.sessionID,
		"timestamp":  time.Now().Format(time.RFC3339),
	})

	manager.logger.Debug("websocket client connected", map[string]interface{}{
		"session_id": client.sessionID,
	})
}

func (manager *WebSocketManager) unregisterClient(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	manager.removeLocked(client)
}

func (manager *WebSocketManager) removeLocked(client *WebSocketClient) {
	if clients, exists := manager.connections[client.sessionID]; exists {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(manager.connections, client.sessionID)
			}
		}
	}
	client.closeSend()
}

func (manager *WebSocketManager) cleanupExpiredConnections() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, clients := range manager.connections {
		for client := range clients {
			if client.IsExpired(manager.pingTimeout) {
				manager.removeLocked(client)
			}
		}
	}
}

func (manager *WebSocketManager) shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, clients := range manager.connections {
		for client := range clients {
			client.closeSend()
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
}

// Stop 关闭所有连接
func (manager *WebSocketManager) Stop() {
	manager.stopOnce.Do(func() { close(manager.stop) })
}

// Publish 把会话事件推送给该会话的所有订阅者
func (manager *WebSocketManager) Publish(event models.SessionEvent) {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		manager.logger.Error("failed to encode session event", map[string]interface{}{"error": err})
		return
	}
	manager.BroadcastToSession(event.SessionID, msgBytes)
}

// BroadcastToSession 向指定会话广播消息，队列已满的连接会被断开
func (manager *WebSocketManager) BroadcastToSession(sessionID string, message []byte) {
	var slow []*WebSocketClient

	manager.mutex.RLock()
	for client := range manager.connections[sessionID] {
		select {
		case client.send <- message:
		default:
			slow = append(slow, client)
		}
	}
	manager.mutex.RUnlock()

	for _, client := range slow {
		manager.logger.Warn("websocket client too slow, disconnecting", map[string]interface{}{
			"session_id": sessionID,
		})
		manager.unregisterClient(client)
	}
}

func (manager *WebSocketManager) enqueueLocked(client *WebSocketClient, message map[string]interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case client.send <- msgBytes:
	default:
	}
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]int, len(manager.connections))
	total := 0
	for sessionID, clients := range manager.connections {
		sessions[sessionID] = len(clients)
		total += len(clients)
	}
	return map[string]interface{}{
		"total_sessions":    len(manager.connections),
		"total_connections": total,
		"sessions":          sessions,
	}
}

// readPump 只处理心跳，客户端发送的其他内容被忽略
func (manager *WebSocketManager) readPump(client *WebSocketClient) {
	defer func() {
		select {
		case manager.unregister <- client:
		case <-manager.stop:
		}
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				manager.logger.Debug("websocket read error", map[string]interface{}{"error": err})
			}
			return
		}
		client.UpdatePing()
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))

		var message struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &message) == nil && message.Type == "ping" {
			manager.mutex.RLock()
			manager.enqueueLocked(client, map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Unix(),
			})
			manager.mutex.RUnlock()
		}
	}
}

// writePump send 通道关闭时发送关闭帧并退出
func (manager *WebSocketManager) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
