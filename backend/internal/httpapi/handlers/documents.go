package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"collabCoord/backend/internal/collab"
	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/httpapi/middleware"
	"collabCoord/backend/internal/ws"
)

type DocumentHandler struct {
	coord *collab.Coordinator
	ws    *ws.Manager
}

func NewDocumentHandler(coord *collab.Coordinator, wsm *ws.Manager) *DocumentHandler {
	return &DocumentHandler{coord: coord, ws: wsm}
}

// docKey 从 /:type/:id 解析文档键
func docKey(c *gin.Context) (entity.DocKey, bool) {
	t, err := entity.ParseDocumentType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return entity.DocKey{}, false
	}
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing document id"})
		return entity.DocKey{}, false
	}
	return entity.DocKey{Type: t, ID: id}, true
}

// session 找到当前用户已打开的会话；没打开返回 404
func (h *DocumentHandler) session(c *gin.Context) (*collab.DocumentSession, bool) {
	key, ok := docKey(c)
	if !ok {
		return nil, false
	}
	ds, ok := h.coord.Get(c.GetString(middleware.CtxUserID), key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not open"})
		return nil, false
	}
	return ds, true
}

// Open 打开（或复用）文档会话
func (h *DocumentHandler) Open() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := docKey(c)
		if !ok {
			return
		}
		who, ok := middleware.ProviderFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ds, err := h.coord.Open(c.Request.Context(), who, key)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ds.Snapshot())
	}
}

func (h *DocumentHandler) State() gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, ok := h.session(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, ds.Snapshot())
	}
}

// Presence 更新正在编辑的区域；body 为空等于清空
func (h *DocumentHandler) Presence() gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, ok := h.session(c)
		if !ok {
			return
		}
		var req struct {
			EditingSection *string `json:"editingSection"`
		}
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ds.UpdatePresence(c.Request.Context(), req.EditingSection)
		c.JSON(http.StatusOK, ds.Snapshot())
	}
}

// Edit 记录一次编辑；冲突返回 409
func (h *DocumentHandler) Edit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, ok := h.session(c)
		if !ok {
			return
		}
		applied := ds.RecordEdit(c.Request.Context())
		st := ds.Snapshot()
		status := http.StatusOK
		if !applied && st.HasConflict {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"applied": applied, "state": st})
	}
}

func (h *DocumentHandler) AcknowledgeConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, ok := h.session(c)
		if !ok {
			return
		}
		v, err := ds.AcknowledgeConflict(c.Request.Context())
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": v, "state": ds.Snapshot()})
	}
}

func (h *DocumentHandler) Close() gin.HandlerFunc {
	return func(c *gin.Context) {
		ds, ok := h.session(c)
		if !ok {
			return
		}
		ds.Close()
		c.Status(http.StatusNoContent)
	}
}

// WebSocket 先打开（或复用）会话，再升级连接推送状态
func (h *DocumentHandler) WebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := docKey(c)
		if !ok {
			return
		}
		who, ok := middleware.ProviderFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ds, err := h.coord.Open(c.Request.Context(), who, key)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		h.ws.Serve(c, ds)
	}
}
