package ws

import (
	"sync"
)

// Hub 按 (用户, 文档) 分房间记录连接。
// 一个用户可以开多个标签页，最后一个连接断开时才关闭文档会话
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func roomKey(userID, docKey string) string { return userID + "|" + docKey }

// Join 将连接加入房间
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// Leave 将连接移出房间，返回房间里剩余的连接数
func (h *Hub) Leave(room string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[room]
	if !ok {
		return 0
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, room)
		return 0
	}
	return len(conns)
}

// Count 所有房间的连接总数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.rooms {
		n += len(conns)
	}
	return n
}

// CloseAll 断开所有连接，进程退出时用
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0)
	for _, room := range h.rooms {
		for c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}
