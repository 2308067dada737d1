package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/beacon/pkg/broker"
	"github.com/tokmz/beacon/pkg/logger"
)

var (
	addConnectionScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
return 1`)

	removeConnectionScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 1 then
  if redis.call('HINCRBY', KEYS[2], ARGV[2], -1) <= 0 then
    redis.call('HDEL', KEYS[2], ARGV[2])
  end
end
return 1`)

	addMemberScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return {added, redis.call('SCARD', KEYS[1])}`)

	removeMemberScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
  redis.call('HDEL', KEYS[2], ARGV[2])
end
return {removed, n}`)
)

// RedisBackend 基于 redis 的复制后端
// 同一应用的所有 key 使用 {appID} 哈希标签，保证集群模式下脚本操作落在同一槽位
type RedisBackend struct {
	client redis.UniversalClient
	bus    broker.Bus
	prefix string
	nodeID string
	log    logger.Logger

	mu   sync.Mutex
	apps map[string]struct{} // 本节点计过连接数的应用
}

// RedisOption 复制后端选项
type RedisOption func(*RedisBackend)

// WithPrefix 设置 key 前缀
func WithPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) { b.prefix = prefix }
}

// WithNodeID 指定节点 id，默认随机 uuid
func WithNodeID(id string) RedisOption {
	return func(b *RedisBackend) { b.nodeID = id }
}

// WithRedisLogger 设置日志
func WithRedisLogger(l logger.Logger) RedisOption {
	return func(b *RedisBackend) { b.log = l }
}

// NewRedisBackend 创建复制后端，Close 会关闭 bus，client 由调用方关闭
func NewRedisBackend(client redis.UniversalClient, bus broker.Bus, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		client: client,
		bus:    bus,
		prefix: "beacon",
		nodeID: uuid.NewString(),
		log:    logger.NewNop(),
		apps:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NodeID 本节点 id
func (b *RedisBackend) NodeID() string { return b.nodeID }

func (b *RedisBackend) appKey(appID, suffix string) string {
	return b.prefix + ":{" + appID + "}:" + suffix
}

func (b *RedisBackend) channelKey(appID, channel, suffix string) string {
	return b.appKey(appID, "ch:"+channel+":"+suffix)
}

func (b *RedisBackend) SubscribeToApp(ctx context.Context, appID string) error {
	b.mu.Lock()
	b.apps[appID] = struct{}{}
	b.mu.Unlock()
	return b.client.HIncrBy(ctx, b.appKey(appID, "nodes"), b.nodeID, 1).Err()
}

func (b *RedisBackend) UnsubscribeFromApp(ctx context.Context, appID string) error {
	key := b.appKey(appID, "nodes")
	n, err := b.client.HIncrBy(ctx, key, b.nodeID, -1).Result()
	if err != nil {
		return err
	}
	if n <= 0 {
		return b.client.HDel(ctx, key, b.nodeID).Err()
	}
	return nil
}

func (b *RedisBackend) AddConnection(ctx context.Context, appID, channel, socketID string) error {
	keys := []string{b.channelKey(appID, channel, "sockets"), b.appKey(appID, "channels")}
	return addConnectionScript.Run(ctx, b.client, keys, socketID, channel).Err()
}

func (b *RedisBackend) RemoveConnection(ctx context.Context, appID, channel, socketID string) error {
	keys := []string{b.channelKey(appID, channel, "sockets"), b.appKey(appID, "channels")}
	return removeConnectionScript.Run(ctx, b.client, keys, socketID, channel).Err()
}

func (b *RedisBackend) AddMember(ctx context.Context, appID, channel, socketID string, m Member) (bool, error) {
	keys := []string{b.channelKey(appID, channel, "user:"+m.UserID), b.channelKey(appID, channel, "users")}
	res, err := addMemberScript.Run(ctx, b.client, keys, socketID, m.UserID, string(m.UserInfo)).Int64Slice()
	if err != nil {
		return false, err
	}
	return res[0] == 1 && res[1] == 1, nil
}

func (b *RedisBackend) RemoveMember(ctx context.Context, appID, channel, socketID, userID string) (bool, error) {
	keys := []string{b.channelKey(appID, channel, "user:"+userID), b.channelKey(appID, channel, "users")}
	res, err := removeMemberScript.Run(ctx, b.client, keys, socketID, userID).Int64Slice()
	if err != nil {
		return false, err
	}
	return res[0] == 1 && res[1] == 0, nil
}

func (b *RedisBackend) ConnectionsCount(ctx context.Context, appID, channel string) (int, error) {
	if channel != "" {
		n, err := b.client.SCard(ctx, b.channelKey(appID, channel, "sockets")).Result()
		return int(n), err
	}
	vals, err := b.client.HVals(ctx, b.appKey(appID, "nodes")).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, s := range vals {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("node count %q: %w", s, err)
		}
		if n > 0 {
			total += n
		}
	}
	return total, nil
}

func (b *RedisBackend) Channels(ctx context.Context, appID string) (map[string]int, error) {
	all, err := b.client.HGetAll(ctx, b.appKey(appID, "channels")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for name, s := range all {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			out[name] = n
		}
	}
	return out, nil
}

func (b *RedisBackend) Members(ctx context.Context, appID, channel string) ([]Member, error) {
	users, err := b.client.HGetAll(ctx, b.channelKey(appID, channel, "users")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(users))
	for uid, info := range users {
		m := Member{UserID: uid}
		if info != "" {
			m.UserInfo = json.RawMessage(info)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (b *RedisBackend) MemberSockets(ctx context.Context, appID, channel, userID string) ([]string, error) {
	return b.client.SMembers(ctx, b.channelKey(appID, channel, "user:"+userID)).Result()
}

// Publish 附上本节点 id 后发布到总线
func (b *RedisBackend) Publish(ctx context.Context, env Envelope) error {
	env.NodeID = b.nodeID
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, payload)
}

// Listen 接收其它节点的广播，丢弃本节点发出的消息
func (b *RedisBackend) Listen(ctx context.Context, handler func(Envelope)) error {
	return b.bus.Subscribe(ctx, func(payload []byte) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			b.log.Warn("drop malformed envelope", zap.Error(err))
			return
		}
		if env.NodeID == b.nodeID {
			return
		}
		handler(env)
	})
}

// Close 清除本节点的应用连接计数并关闭总线
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	apps := make([]string, 0, len(b.apps))
	for id := range b.apps {
		apps = append(apps, id)
	}
	b.mu.Unlock()

	ctx := context.Background()
	for _, appID := range apps {
		if err := b.client.HDel(ctx, b.appKey(appID, "nodes"), b.nodeID).Err(); err != nil {
			b.log.Warn("clear node connection count failed", zap.String("app_id", appID), zap.Error(err))
		}
	}
	return b.bus.Close()
}
