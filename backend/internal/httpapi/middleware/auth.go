package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabCoord/backend/internal/identity"
)

// gin.Context 里的键
const (
	CtxUserID   = "userId"
	CtxUsername = "username"
	CtxProvider = "identityProvider"
)

// AuthMiddleware 本地校验 access token，把身份写进 gin.Context。
// storeConfigured=false 时身份仍然有效，但同步会被关闭
func AuthMiddleware(signer *identity.Signer, storeConfigured bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 从 Authorization 头中提取令牌
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		p := signer.Provider(tokenString, storeConfigured)
		id, err := p.Current()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set(CtxUserID, id.UserID)
		c.Set(CtxUsername, id.DisplayName)
		c.Set(CtxProvider, identity.Provider(p))
		c.Next()
	}
}

// ProviderFrom 取出中间件放进去的身份
func ProviderFrom(c *gin.Context) (identity.Provider, bool) {
	v, ok := c.Get(CtxProvider)
	if !ok {
		return nil, false
	}
	p, ok := v.(identity.Provider)
	return p, ok
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
