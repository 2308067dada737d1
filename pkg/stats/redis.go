package stats

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	connectScript = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[1], 'current', 1)
local p = tonumber(redis.call('HGET', KEYS[1], 'peak') or '0')
if c > p then
  redis.call('HSET', KEYS[1], 'peak', c)
end
return c`)

	disconnectScript = redis.NewScript(`
local c = redis.call('HINCRBY', KEYS[1], 'current', -1)
if c < 0 then
  redis.call('HSET', KEYS[1], 'current', 0)
  c = 0
end
return c`)

	// rollScript 取出时间桶并重置，返回 {peak, ws, api, current}
	rollScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'current', 'peak', 'ws', 'api')
local c = tonumber(v[1] or '0')
local out = {tonumber(v[2] or '0'), tonumber(v[3] or '0'), tonumber(v[4] or '0'), c}
if c <= 0 then
  redis.call('DEL', KEYS[1])
else
  redis.call('HSET', KEYS[1], 'peak', c, 'ws', 0, 'api', 0)
end
return out`)

	restoreScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'ws', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'api', ARGV[3])
local p = tonumber(redis.call('HGET', KEYS[1], 'peak') or '0')
if tonumber(ARGV[1]) > p then
  redis.call('HSET', KEYS[1], 'peak', ARGV[1])
end
return 1`)
)

// Redis 基于 redis 的收集器，所有节点共享同一组计数
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	lockTTL time.Duration
	token   string
	opts    options
}

// NewRedis 创建 redis 收集器
// lockTTL 为 Save 互斥锁的有效期，应小于保存间隔，使每个间隔只有一个节点持久化
func NewRedis(client redis.UniversalClient, prefix string, lockTTL time.Duration, opts ...Option) *Redis {
	if prefix == "" {
		prefix = "beacon"
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Redis{
		client:  client,
		prefix:  prefix,
		lockTTL: lockTTL,
		token:   uuid.NewString(),
		opts:    buildOptions(opts),
	}
}

func (r *Redis) appsKey() string { return r.prefix + ":stats:apps" }

func (r *Redis) lockKey() string { return r.prefix + ":stats:lock" }

func (r *Redis) bucketKey(appID string) string { return r.prefix + ":stats:{" + appID + "}" }

func (r *Redis) track(ctx context.Context, appID string) {
	if err := r.client.SAdd(ctx, r.appsKey(), appID).Err(); err != nil {
		r.opts.log.Warn("statistics track app failed", zap.String("app_id", appID), zap.Error(err))
	}
}

func (r *Redis) warn(msg, appID string, err error) {
	if err != nil {
		r.opts.log.Warn(msg, zap.String("app_id", appID), zap.Error(err))
	}
}

func (r *Redis) NewConnection(ctx context.Context, appID string) {
	r.track(ctx, appID)
	r.warn("statistics connection failed", appID, connectScript.Run(ctx, r.client, []string{r.bucketKey(appID)}).Err())
}

func (r *Redis) NewDisconnection(ctx context.Context, appID string) {
	r.warn("statistics disconnection failed", appID, disconnectScript.Run(ctx, r.client, []string{r.bucketKey(appID)}).Err())
}

func (r *Redis) WebSocketMessage(ctx context.Context, appID string) {
	r.track(ctx, appID)
	r.warn("statistics websocket message failed", appID, r.client.HIncrBy(ctx, r.bucketKey(appID), "ws", 1).Err())
}

func (r *Redis) APIMessage(ctx context.Context, appID string) {
	r.track(ctx, appID)
	r.warn("statistics api message failed", appID, r.client.HIncrBy(ctx, r.bucketKey(appID), "api", 1).Err())
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (r *Redis) AppStatistics(ctx context.Context, appID string) (Snapshot, error) {
	v, err := r.client.HGetAll(ctx, r.bucketKey(appID)).Result()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		AppID:                  appID,
		PeakConnectionsCount:   atoi(v["peak"]),
		WebSocketMessagesCount: atoi(v["ws"]),
		APIMessagesCount:       atoi(v["api"]),
	}, nil
}

func (r *Redis) Statistics(ctx context.Context) ([]Snapshot, error) {
	ids, err := r.client.SMembers(ctx, r.appsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		s, err := r.AppStatistics(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Save 取得锁的节点负责本次持久化，锁到期前其它节点跳过
func (r *Redis) Save(ctx context.Context) error {
	ok, err := r.client.SetNX(ctx, r.lockKey(), r.token, r.lockTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ids, err := r.client.SMembers(ctx, r.appsKey()).Result()
	if err != nil {
		return err
	}
	sort.Strings(ids)

	rows := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		v, err := rollScript.Run(ctx, r.client, []string{r.bucketKey(id)}).Int64Slice()
		if err != nil {
			return err
		}
		rows = append(rows, Snapshot{
			AppID:                  id,
			PeakConnectionsCount:   int(v[0]),
			WebSocketMessagesCount: int(v[1]),
			APIMessagesCount:       int(v[2]),
		})
		if v[3] <= 0 {
			r.warn("statistics untrack app failed", id, r.client.SRem(ctx, r.appsKey(), id).Err())
		}
	}

	if r.opts.saver == nil {
		return nil
	}
	rows = r.opts.persistable(rows)
	if len(rows) == 0 {
		return nil
	}
	if err := r.opts.saver.Save(ctx, rows); err != nil {
		for _, s := range rows {
			r.track(ctx, s.AppID)
			r.warn("statistics restore failed", s.AppID, restoreScript.Run(ctx, r.client, []string{r.bucketKey(s.AppID)},
				s.PeakConnectionsCount, s.WebSocketMessagesCount, s.APIMessagesCount).Err())
		}
		return err
	}
	return nil
}

func (r *Redis) Flush(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.appsKey()).Result()
	if err != nil {
		return err
	}
	keys := []string{r.appsKey(), r.lockKey()}
	for _, id := range ids {
		keys = append(keys, r.bucketKey(id))
	}
	for _, k := range keys {
		if err := r.client.Del(ctx, k).Err(); err != nil {
			return err
		}
	}
	return nil
}
