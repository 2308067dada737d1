package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const contextKeyLogger = "beacon:logger"

// Middleware 创建 gin 访问日志中间件
func Middleware(l Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Set(contextKeyLogger, l)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			l.ErrorContext(ctx, "HTTP Request", fields...)
		case status >= 400:
			l.WarnContext(ctx, "HTTP Request", fields...)
		default:
			l.DebugContext(ctx, "HTTP Request", fields...)
		}
	}
}

// FromGin 获取 Middleware 注入的 Logger，不存在时返回 NewNop()
func FromGin(c *gin.Context) Logger {
	if v, ok := c.Get(contextKeyLogger); ok {
		if l, ok := v.(Logger); ok {
			return l
		}
	}
	return NewNop()
}
