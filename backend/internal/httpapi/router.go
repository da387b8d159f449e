package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabCoord/backend/internal/collab"
	"collabCoord/backend/internal/httpapi/handlers"
	"collabCoord/backend/internal/httpapi/middleware"
	"collabCoord/backend/internal/identity"
	"collabCoord/backend/internal/ws"
)

type Deps struct {
	Coordinator *collab.Coordinator
	Signer      *identity.Signer
	WS          *ws.Manager
	Logger      *slog.Logger
	// StoreConfigured 为 false 时所有身份都只能本地使用
	StoreConfigured bool
	EnableCORS      bool
}

// NewRouter 组装 gin 路由
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.WS == nil {
		d.WS = ws.NewManager(ws.NewHub(), d.Logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(d.Logger))

	if d.EnableCORS {
		router.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "ok",
			"status":  d.Coordinator.Machine().Status(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	docs := handlers.NewDocumentHandler(d.Coordinator, d.WS)
	conn := handlers.NewConnectionHandler(d.Coordinator.Machine())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(d.Signer, d.StoreConfigured))
	{
		doc := v1.Group("/documents/:type/:id")
		doc.POST("/open", docs.Open())
		doc.GET("/state", docs.State())
		doc.POST("/presence", docs.Presence())
		doc.POST("/edits", docs.Edit())
		doc.POST("/conflict/ack", docs.AcknowledgeConflict())
		doc.POST("/close", docs.Close())
		doc.GET("/ws", docs.WebSocket())

		v1.GET("/connection", conn.Get())
		v1.POST("/connection/check", conn.Check())
		v1.POST("/connection/network", conn.Network())
	}
	return router
}

// requestLogger gin.Logger 的结构化版本
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
