package beacon

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/logger"
	"github.com/tokmz/beacon/pkg/ws"
)

// registerRoutes 注册 WebSocket 入口、查询 API 与运维接口
func (e *Engine) registerRoutes() {
	r := e.engine

	r.GET("/health", e.health)
	r.GET("/metrics", e.metricsJSON)

	// Pusher 客户端连接地址
	r.GET("/app/:appKey", e.upgrade)

	api := r.Group("/apps/:appId", e.authenticate())
	{
		api.GET("/channels", e.channels)
		api.GET("/channels/:channel", e.channelInfo)
		api.GET("/channels/:channel/users", e.channelUsers)
		api.GET("/channels/:channel/users/:userId/sockets", e.userSockets)
		api.GET("/connections", e.connections)
		api.GET("/statistics", e.statistics)
		api.GET("/statistics/history", e.statisticsHistory)
	}
}

// upgrade 升级为 WebSocket，应用校验在连接建立后由协议层完成并以 pusher:error 回复
func (e *Engine) upgrade(c *gin.Context) {
	err := e.sockets.HandleUpgrade(c.Writer, c.Request,
		ws.WithMetadata(metaAppKey, c.Param("appKey")),
		ws.WithMetadata(metaOrigin, c.GetHeader("Origin")),
	)
	if err != nil {
		logger.FromGin(c).Debug("websocket upgrade failed",
			zap.String("app_key", c.Param("appKey")),
			zap.Error(err),
		)
	}
}
