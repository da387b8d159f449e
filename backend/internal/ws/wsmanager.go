package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabCoord/backend/internal/collab"
)

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub    *Hub
	logger *slog.Logger
}

func NewManager(h *Hub, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{hub: h, logger: logger.With("component", "ws")}
}

func (m *Manager) Hub() *Hub { return m.hub }

// Serve 把一个已打开的文档会话的状态推给 websocket 客户端，并接收客户端动作。
// 同一用户在该文档上的最后一个连接断开时关闭会话
func (m *Manager) Serve(c *gin.Context, ds *collab.DocumentSession) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	room := roomKey(ds.UserID(), ds.Key().String())
	wsConn := NewConn(conn, ds, m.logger.With("doc", ds.Key().String(), "user", ds.UserID()))
	m.hub.Join(room, wsConn)

	// 先启动写循环，再入队 welcome 和首个快照
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		wsConn.writeLoop()
	}()
	wsConn.Enqueue(ServerMessage{Type: TypeWelcome, DocKey: ds.Key().String(), UserID: ds.UserID()})
	wsConn.Enqueue(stateMessage(ds.Snapshot()))
	unsubscribe := ds.OnChange(func(st collab.State) { wsConn.Enqueue(stateMessage(st)) })

	// 阻塞至连接关闭
	closeRequested := wsConn.readLoop(c.Request.Context())

	unsubscribe()
	wsConn.Disconnect()
	<-writeDone
	remaining := m.hub.Leave(room, wsConn)
	if closeRequested || remaining == 0 {
		ds.Close()
	}
}
