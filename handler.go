package beacon

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokmz/beacon/pkg/channel"
	"github.com/tokmz/beacon/pkg/stats"
)

// ChannelInfo 频道信息
type ChannelInfo struct {
	Occupied          *bool `json:"occupied,omitempty"`
	UserCount         *int  `json:"user_count,omitempty"`
	SubscriptionCount *int  `json:"subscription_count,omitempty"`
}

// infoFields 解析 info=user_count,subscription_count
func infoFields(c *gin.Context) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Split(c.Query("info"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			out[f] = true
		}
	}
	return out
}

// channelParam 读取并校验路径中的频道名
func channelParam(c *gin.Context) (string, bool) {
	name := c.Param("channel")
	if err := channel.ValidName(name); err != nil {
		respondError(c, err)
		return "", false
	}
	return name, true
}

// health 健康检查
func (e *Engine) health(c *gin.Context) {
	respond(c, gin.H{
		"status":      "ok",
		"connections": e.sockets.GetClientCount(),
		"uptime":      time.Since(startedAt).Round(time.Second).String(),
	})
}

// metricsJSON 以 JSON 输出传输层指标
func (e *Engine) metricsJSON(c *gin.Context) {
	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Status(http.StatusOK)
	e.metrics.WriteJSON(c.Writer)
}

// channels 有订阅的频道列表
// GET /apps/:appId/channels?filter_by_prefix=presence-&info=user_count
func (e *Engine) channels(c *gin.Context) {
	app := appOf(c)
	ctx := c.Request.Context()
	prefix := c.Query("filter_by_prefix")
	withUsers := infoFields(c)["user_count"]
	if withUsers && !strings.HasPrefix(prefix, channel.PresencePrefix) {
		respondError(c, ErrInvalidQuery.WithMessage("user_count requires filter_by_prefix=presence-"))
		return
	}

	all, err := e.manager.Channels(ctx, app.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make(map[string]ChannelInfo, len(all))
	for name := range all {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var info ChannelInfo
		if withUsers {
			members, err := e.manager.ChannelMembers(ctx, app.ID, name)
			if err != nil {
				respondError(c, err)
				return
			}
			n := len(members)
			info.UserCount = &n
		}
		out[name] = info
	}
	respond(c, gin.H{"channels": out})
}

// channelInfo 单个频道信息
// GET /apps/:appId/channels/:channel?info=user_count,subscription_count
func (e *Engine) channelInfo(c *gin.Context) {
	name, ok := channelParam(c)
	if !ok {
		return
	}
	app := appOf(c)
	ctx := c.Request.Context()
	fields := infoFields(c)
	if fields["user_count"] && channel.KindOf(name) != channel.Presence {
		respondError(c, ErrInvalidQuery.WithMessage("user_count is only available for presence channels"))
		return
	}

	subscriptions, err := e.manager.GlobalConnectionsCount(ctx, app.ID, name)
	if err != nil {
		respondError(c, err)
		return
	}
	occupied := subscriptions > 0
	info := ChannelInfo{Occupied: &occupied}
	if fields["subscription_count"] {
		info.SubscriptionCount = &subscriptions
	}
	if fields["user_count"] {
		members, err := e.manager.ChannelMembers(ctx, app.ID, name)
		if err != nil {
			respondError(c, err)
			return
		}
		n := len(members)
		info.UserCount = &n
	}
	respond(c, info)
}

// channelUsers presence 频道的用户列表
func (e *Engine) channelUsers(c *gin.Context) {
	name, ok := channelParam(c)
	if !ok {
		return
	}
	if channel.KindOf(name) != channel.Presence {
		respondError(c, ErrInvalidQuery.WithMessage("users are only available for presence channels"))
		return
	}

	members, err := e.manager.ChannelMembers(c.Request.Context(), appOf(c).ID, name)
	if err != nil {
		respondError(c, err)
		return
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	users := make([]gin.H, 0, len(members))
	for _, m := range members {
		users = append(users, gin.H{"id": m.UserID})
	}
	respond(c, gin.H{"users": users})
}

// userSockets 用户在 presence 频道上的连接
func (e *Engine) userSockets(c *gin.Context) {
	name, ok := channelParam(c)
	if !ok {
		return
	}
	if channel.KindOf(name) != channel.Presence {
		respondError(c, ErrInvalidQuery.WithMessage("users are only available for presence channels"))
		return
	}

	sockets, err := e.manager.MemberSockets(c.Request.Context(), appOf(c).ID, name, c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if sockets == nil {
		sockets = []string{}
	}
	sort.Strings(sockets)
	respond(c, gin.H{"sockets": sockets})
}

// connections 应用的全局与本节点连接数
func (e *Engine) connections(c *gin.Context) {
	app := appOf(c)
	global, err := e.manager.GlobalConnectionsCount(c.Request.Context(), app.ID, "")
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, gin.H{
		"connections":       global,
		"local_connections": e.manager.LocalConnectionsCount(app.ID),
	})
}

// statistics 当前时间桶的统计
func (e *Engine) statistics(c *gin.Context) {
	snap, err := e.collector.AppStatistics(c.Request.Context(), appOf(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, snap)
}

// statisticsHistory 已持久化的统计记录
// from/to 接受 unix 秒或 RFC3339，缺省不限制
func (e *Engine) statisticsHistory(c *gin.Context) {
	if e.history == nil {
		respondError(c, ErrHistoryDisabled)
		return
	}
	from, err := parseTime(c.Query("from"))
	if err != nil {
		respondError(c, ErrInvalidQuery.WithError(err).WithMessage("invalid from"))
		return
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		respondError(c, ErrInvalidQuery.WithError(err).WithMessage("invalid to"))
		return
	}

	entries, err := e.history.List(c.Request.Context(), appOf(c).ID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []stats.Entry{}
	}
	respond(c, gin.H{"entries": entries})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}
