package beacon

import (
	"net"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/signature"
)

const contextKeyApp = "beacon:app"

// Recovery 创建 panic 恢复中间件
// panic 时返回统一错误响应（500），并记录错误日志
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// 客户端主动断开
				if isBrokenPipe(err) {
					log.Error("broken pipe",
						zap.Any("error", err),
						zap.String("path", c.Request.URL.Path),
					)
					c.Abort()
					return
				}

				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
					zap.String("stack", string(debug.Stack())),
				)
				respondError(c, ErrInternal)
			}
		}()
		c.Next()
	}
}

// isBrokenPipe 检查是否为断开的连接错误
func isBrokenPipe(err any) bool {
	ne, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	se, ok := ne.Err.(*os.SyscallError)
	if !ok {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// authenticate 校验 HTTP API 请求签名，通过后记录一次 API 消息
func (e *Engine) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		app, err := e.apps.FindByID(c.Param("appId"))
		if err != nil {
			respondError(c, err)
			return
		}

		query := c.Request.URL.Query()
		if query.Get("auth_key") != app.Key {
			respondError(c, signature.ErrInvalidSignature.WithMessage("Invalid auth_key"))
			return
		}
		if err := signature.VerifyRequest(app.Secret, c.Request.Method, c.Request.URL.Path, query, time.Now()); err != nil {
			logger.FromGin(c).Debug("api signature rejected",
				zap.String("app_id", app.ID),
				zap.Error(err),
			)
			respondError(c, err)
			return
		}

		e.collector.APIMessage(c.Request.Context(), app.ID)
		c.Set(contextKeyApp, app)
		c.Next()
	}
}

// appOf 获取 authenticate 解析出的应用
func appOf(c *gin.Context) *apps.App {
	return c.MustGet(contextKeyApp).(*apps.App)
}
