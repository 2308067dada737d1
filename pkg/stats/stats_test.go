package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tokmz/beacon/pkg/orm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql 连接池的后台协程在 db.Close 之后异步退出
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type recordingSaver struct {
	mu   sync.Mutex
	rows []Snapshot
	err  error
}

func (s *recordingSaver) Save(_ context.Context, rows []Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *recordingSaver) saved() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.rows...)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := orm.DefaultConfig()
	cfg.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	cfg.MaxOpenConns = 1
	db, err := orm.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orm.Close(db) })

	s := NewStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestRedis(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test", time.Minute, opts...), mr
}

// collectors 两种实现跑同一组用例
func collectors(t *testing.T, opts ...Option) map[string]Collector {
	r, _ := newTestRedis(t, opts...)
	return map[string]Collector{
		"memory": NewMemory(opts...),
		"redis":  r,
	}
}

func TestOneConnectionTwoMessages(t *testing.T) {
	for name, c := range collectors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.NewConnection(ctx, "1234")
			c.WebSocketMessage(ctx, "1234")
			c.WebSocketMessage(ctx, "1234")

			s, err := c.AppStatistics(ctx, "1234")
			require.NoError(t, err)
			assert.Equal(t, Snapshot{AppID: "1234", PeakConnectionsCount: 1, WebSocketMessagesCount: 2}, s)

			all, err := c.Statistics(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestPeakTracking(t *testing.T) {
	for name, c := range collectors(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.NewConnection(ctx, "1234")
			c.NewConnection(ctx, "1234")
			c.NewDisconnection(ctx, "1234")
			c.NewConnection(ctx, "1234")
			c.APIMessage(ctx, "1234")

			s, err := c.AppStatistics(ctx, "1234")
			require.NoError(t, err)
			assert.Equal(t, 2, s.PeakConnectionsCount)
			assert.Equal(t, 1, s.APIMessagesCount)

			require.NoError(t, c.Flush(ctx))
			s, err = c.AppStatistics(ctx, "1234")
			require.NoError(t, err)
			assert.Equal(t, Snapshot{AppID: "1234"}, s)
		})
	}
}

func TestSaveRollsBucket(t *testing.T) {
	saver := &recordingSaver{}
	enabled := WithEnabled(func(id string) bool { return id != "muted" })
	for name, c := range collectors(t, WithSaver(saver), enabled) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			saver.rows = nil

			c.NewConnection(ctx, "1234")
			c.NewConnection(ctx, "1234")
			c.NewDisconnection(ctx, "1234")
			c.WebSocketMessage(ctx, "1234")
			c.NewConnection(ctx, "gone")
			c.NewDisconnection(ctx, "gone")
			c.NewConnection(ctx, "muted")

			require.NoError(t, c.Save(ctx))
			assert.ElementsMatch(t, []Snapshot{
				{AppID: "1234", PeakConnectionsCount: 2, WebSocketMessagesCount: 1},
				{AppID: "gone", PeakConnectionsCount: 1},
			}, saver.saved())

			s, err := c.AppStatistics(ctx, "1234")
			require.NoError(t, err)
			assert.Equal(t, Snapshot{AppID: "1234", PeakConnectionsCount: 1}, s, "峰值取当前连接数")

			all, err := c.Statistics(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(all))
			for _, s := range all {
				ids = append(ids, s.AppID)
			}
			assert.ElementsMatch(t, []string{"1234", "muted"}, ids, "无连接的应用被移除")
		})
	}
}

func TestSaveFailureRestores(t *testing.T) {
	saver := &recordingSaver{err: errors.New("db down")}
	for name, c := range collectors(t, WithSaver(saver)) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c.NewConnection(ctx, "1234")
			c.WebSocketMessage(ctx, "1234")

			assert.Error(t, c.Save(ctx))
			s, err := c.AppStatistics(ctx, "1234")
			require.NoError(t, err)
			assert.Equal(t, Snapshot{AppID: "1234", PeakConnectionsCount: 1, WebSocketMessagesCount: 1}, s)
		})
	}
}

func TestRedisSaveLock(t *testing.T) {
	saver := &recordingSaver{}
	a, mr := newTestRedis(t, WithSaver(saver))
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	b := NewRedis(client, "test", time.Minute, WithSaver(saver))
	ctx := context.Background()

	a.NewConnection(ctx, "1234")
	b.WebSocketMessage(ctx, "1234")

	require.NoError(t, a.Save(ctx))
	require.NoError(t, b.Save(ctx))
	assert.Len(t, saver.saved(), 1, "锁有效期内只保存一次")

	mr.FastForward(2 * time.Minute)
	require.NoError(t, b.Save(ctx))
	assert.Len(t, saver.saved(), 2)
}

func TestStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, s.Save(ctx, []Snapshot{
			{AppID: "1234", PeakConnectionsCount: i + 1, WebSocketMessagesCount: 10 * i},
			{AppID: "5678", APIMessagesCount: i},
		}))
	}
	require.NoError(t, s.Save(ctx, nil))

	entries, err := s.List(ctx, "1234", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].PeakConnectionsCount)
	assert.Equal(t, 20, entries[2].WebSocketMessagesCount)

	entries, err = s.List(ctx, "1234", base.Add(30*time.Minute), base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].PeakConnectionsCount)

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	entries, err = s.List(ctx, "5678", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunnerSavesPeriodicallyAndOnStop(t *testing.T) {
	store := newTestStore(t)
	c := NewMemory(WithSaver(store))
	ctx, cancel := context.WithCancel(context.Background())

	c.NewConnection(ctx, "1234")
	c.WebSocketMessage(ctx, "1234")

	done := make(chan error, 1)
	go func() { done <- NewRunner(c, 20*time.Millisecond, nil).Run(ctx) }()

	assert.Eventually(t, func() bool {
		entries, err := store.List(context.Background(), "1234", time.Time{}, time.Time{})
		return err == nil && len(entries) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	c.WebSocketMessage(ctx, "1234")
	cancel()
	require.NoError(t, <-done)

	entries, err := store.List(context.Background(), "1234", time.Time{}, time.Time{})
	require.NoError(t, err)
	total := 0
	for _, e := range entries {
		total += e.WebSocketMessagesCount
	}
	assert.Equal(t, 2, total, "停止时做最后一次保存")
}
