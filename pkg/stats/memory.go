package stats

import (
	"context"
	"sort"
	"sync"
)

type bucket struct {
	current int
	peak    int
	ws      int
	api     int
}

func (b *bucket) snapshot(appID string) Snapshot {
	return Snapshot{
		AppID:                  appID,
		PeakConnectionsCount:   b.peak,
		WebSocketMessagesCount: b.ws,
		APIMessagesCount:       b.api,
	}
}

// Memory 进程内收集器
type Memory struct {
	opts options

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemory 创建进程内收集器
func NewMemory(opts ...Option) *Memory {
	return &Memory{opts: buildOptions(opts), buckets: make(map[string]*bucket)}
}

func (m *Memory) bucket(appID string) *bucket {
	b, ok := m.buckets[appID]
	if !ok {
		b = &bucket{}
		m.buckets[appID] = b
	}
	return b
}

func (m *Memory) NewConnection(_ context.Context, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(appID)
	b.current++
	if b.current > b.peak {
		b.peak = b.current
	}
}

func (m *Memory) NewDisconnection(_ context.Context, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(appID)
	if b.current > 0 {
		b.current--
	}
}

func (m *Memory) WebSocketMessage(_ context.Context, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(appID).ws++
}

func (m *Memory) APIMessage(_ context.Context, appID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(appID).api++
}

func (m *Memory) Statistics(context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.buckets))
	for id, b := range m.buckets {
		out = append(out, b.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (m *Memory) AppStatistics(_ context.Context, appID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[appID]; ok {
		return b.snapshot(appID), nil
	}
	return Snapshot{AppID: appID}, nil
}

// Save 取出当前时间桶并重置：峰值取当前连接数，计数清零，无连接的应用移除
// 持久化失败时把取出的计数合并回去
func (m *Memory) Save(ctx context.Context) error {
	m.mu.Lock()
	rows := make([]Snapshot, 0, len(m.buckets))
	for id, b := range m.buckets {
		rows = append(rows, b.snapshot(id))
		if b.current == 0 {
			delete(m.buckets, id)
			continue
		}
		b.peak, b.ws, b.api = b.current, 0, 0
	}
	m.mu.Unlock()

	if m.opts.saver == nil {
		return nil
	}
	rows = m.opts.persistable(rows)
	if len(rows) == 0 {
		return nil
	}
	if err := m.opts.saver.Save(ctx, rows); err != nil {
		m.restore(rows)
		return err
	}
	return nil
}

func (m *Memory) restore(rows []Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range rows {
		b := m.bucket(s.AppID)
		b.ws += s.WebSocketMessagesCount
		b.api += s.APIMessagesCount
		b.peak = max(b.peak, s.PeakConnectionsCount)
	}
}

func (m *Memory) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[string]*bucket)
	return nil
}
