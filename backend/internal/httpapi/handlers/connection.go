package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"collabCoord/backend/internal/connection"
)

type ConnectionHandler struct {
	machine *connection.Machine
}

func NewConnectionHandler(m *connection.Machine) *ConnectionHandler {
	return &ConnectionHandler{machine: m}
}

func (h *ConnectionHandler) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.machine.State())
	}
}

// Check 手动连接检查；失败时状态机已经安排了重试
func (h *ConnectionHandler) Check() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.machine.CheckConnection(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "state": h.machine.State()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": h.machine.State()})
	}
}

// Network 浏览器 online/offline 事件
func (h *ConnectionHandler) Network() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Online *bool `json:"online" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.machine.SetBrowserOnline(*req.Online)
		c.JSON(http.StatusOK, h.machine.State())
	}
}
