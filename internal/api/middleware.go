package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shelfcache-project/shelfcache/internal/logger"
	"github.com/shelfcache-project/shelfcache/internal/types"
)

// RequestID middleware adds a unique request ID to each request.
// An incoming X-Request-ID header is kept.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// ErrorHandler turns errors attached with c.Error into API responses
// when the handler did not write one itself
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last()
		log.Errorf("请求处理失败: %s", err.Error())

		if c.Writer.Written() {
			return
		}
		FromError(c, err.Err)
	}
}

// RecoveryMiddleware handles panics and converts them to errors
// RecoveryMiddleware 处理 panic 并转换为错误
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic recovered: %v", r)
				if !c.Writer.Written() {
					ErrorWithDetails(c, types.ErrInternalError, "Internal server error", fmt.Sprint(r))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// CORSMiddleware adds CORS headers for cross-origin requests
// CORSMiddleware 添加 CORS 头用于跨域请求
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowOrigin, ok := MatchOrigin(allowedOrigins, c.GetHeader("Origin")); ok {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// MatchOrigin reports whether origin is allowed and the value to echo back
func MatchOrigin(allowedOrigins []string, origin string) (string, bool) {
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return "*", true
		}
		if origin != "" && allowed == origin {
			return origin, true
		}
	}
	return "", false
}

// LoggerMiddleware logs request information
// LoggerMiddleware 记录请求信息
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}

		c.Next()

		entry := log.WithFields(map[string]interface{}{
			"method":    c.Request.Method,
			"path":      path,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"requestId": c.GetString("requestId"),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("API 请求")
		} else {
			entry.Debug("API 请求")
		}
	}
}
