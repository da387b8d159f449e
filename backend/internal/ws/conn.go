package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabCoord/backend/internal/collab"
)

const (
	sendQueueSize = 32
	writeWait     = 10 * time.Second
)

type Conn struct {
	ws     *websocket.Conn
	ds     *collab.DocumentSession
	logger *slog.Logger

	// send 有界出站队列，由 writeLoop 单独消费
	send chan ServerMessage
	done chan struct{}
	once sync.Once
}

func NewConn(ws *websocket.Conn, ds *collab.DocumentSession, logger *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		ds:     ds,
		logger: logger,
		send:   make(chan ServerMessage, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue 非阻塞入队；队列满时丢弃。state 消息是全量快照，下一条会覆盖丢掉的
func (c *Conn) Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Debug("ws send queue full, drop message", "type", msg.Type)
	}
}

// Disconnect 关闭底层连接，readLoop 随后退出
func (c *Conn) Disconnect() {
	c.stop()
	_ = c.ws.Close()
}

func (c *Conn) stop() {
	c.once.Do(func() { close(c.done) })
}

// readLoop 处理客户端动作，阻塞到连接断开。返回 true 表示客户端显式要求关闭文档
func (c *Conn) readLoop(ctx context.Context) bool {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.logger.Debug("ws read stopped", "error", err)
			return false
		}
		switch msg.Type {
		case TypePresence:
			c.ds.UpdatePresence(ctx, msg.EditingSection)

		case TypeEdit:
			applied := c.ds.RecordEdit(ctx)
			st := c.ds.Snapshot()
			c.Enqueue(ServerMessage{Type: TypeEditResult, Applied: &applied, State: &st})

		case TypeAck:
			v, err := c.ds.AcknowledgeConflict(ctx)
			if err != nil {
				c.Enqueue(errorMessage(err))
				continue
			}
			st := c.ds.Snapshot()
			c.Enqueue(ServerMessage{Type: TypeAckResult, Version: &v, State: &st})

		case TypeCheck:
			if err := c.ds.CheckConnection(ctx); err != nil {
				c.Enqueue(errorMessage(err))
			}
			c.Enqueue(stateMessage(c.ds.Snapshot()))

		case TypeClose:
			return true

		default:
			c.Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("ws write failed", "error", err)
				c.Disconnect()
				return
			}
		case <-c.done:
			return
		}
	}
}
