package channel

import (
	"context"
	"sync"
)

type localChannel struct {
	sockets map[string]struct{}
	users   map[string]*presenceUser
	order   []string
}

type localApp struct {
	connections int
	channels    map[string]*localChannel
}

// LocalBackend 进程内后端
type LocalBackend struct {
	mu   sync.RWMutex
	apps map[string]*localApp
}

// NewLocalBackend 创建进程内后端
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{apps: make(map[string]*localApp)}
}

func (b *LocalBackend) app(appID string) *localApp {
	a, ok := b.apps[appID]
	if !ok {
		a = &localApp{channels: make(map[string]*localChannel)}
		b.apps[appID] = a
	}
	return a
}

func (b *LocalBackend) channel(appID, name string) *localChannel {
	a := b.app(appID)
	ch, ok := a.channels[name]
	if !ok {
		ch = &localChannel{sockets: make(map[string]struct{}), users: make(map[string]*presenceUser)}
		a.channels[name] = ch
	}
	return ch
}

// lookup 只读查找，不创建
func (b *LocalBackend) lookup(appID, name string) *localChannel {
	if a, ok := b.apps[appID]; ok {
		return a.channels[name]
	}
	return nil
}

func (b *LocalBackend) gc(appID, name string) {
	a, ok := b.apps[appID]
	if !ok {
		return
	}
	if ch, ok := a.channels[name]; ok && len(ch.sockets) == 0 && len(ch.users) == 0 {
		delete(a.channels, name)
	}
	if a.connections <= 0 && len(a.channels) == 0 {
		delete(b.apps, appID)
	}
}

func (b *LocalBackend) SubscribeToApp(_ context.Context, appID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.app(appID).connections++
	return nil
}

func (b *LocalBackend) UnsubscribeFromApp(_ context.Context, appID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.apps[appID]; ok && a.connections > 0 {
		a.connections--
		b.gc(appID, "")
	}
	return nil
}

func (b *LocalBackend) AddConnection(_ context.Context, appID, channel, socketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel(appID, channel).sockets[socketID] = struct{}{}
	return nil
}

func (b *LocalBackend) RemoveConnection(_ context.Context, appID, channel, socketID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch := b.lookup(appID, channel); ch != nil {
		delete(ch.sockets, socketID)
		b.gc(appID, channel)
	}
	return nil
}

func (b *LocalBackend) AddMember(_ context.Context, appID, channel, socketID string, m Member) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.channel(appID, channel)
	u, ok := ch.users[m.UserID]
	if !ok {
		u = &presenceUser{sockets: make(map[string]struct{})}
		ch.users[m.UserID] = u
		ch.order = append(ch.order, m.UserID)
	}
	u.info = m.UserInfo
	_, had := u.sockets[socketID]
	u.sockets[socketID] = struct{}{}
	return !had && len(u.sockets) == 1, nil
}

func (b *LocalBackend) RemoveMember(_ context.Context, appID, channel, socketID, userID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := b.lookup(appID, channel)
	if ch == nil {
		return false, nil
	}
	u, ok := ch.users[userID]
	if !ok {
		return false, nil
	}
	if _, had := u.sockets[socketID]; !had {
		return false, nil
	}
	delete(u.sockets, socketID)
	if len(u.sockets) > 0 {
		return false, nil
	}
	delete(ch.users, userID)
	for i, uid := range ch.order {
		if uid == userID {
			ch.order = append(ch.order[:i], ch.order[i+1:]...)
			break
		}
	}
	b.gc(appID, channel)
	return true, nil
}

func (b *LocalBackend) ConnectionsCount(_ context.Context, appID, channel string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if channel == "" {
		if a, ok := b.apps[appID]; ok {
			return a.connections, nil
		}
		return 0, nil
	}
	if ch := b.lookup(appID, channel); ch != nil {
		return len(ch.sockets), nil
	}
	return 0, nil
}

func (b *LocalBackend) Channels(_ context.Context, appID string) (map[string]int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int)
	if a, ok := b.apps[appID]; ok {
		for name, ch := range a.channels {
			if n := len(ch.sockets); n > 0 {
				out[name] = n
			}
		}
	}
	return out, nil
}

func (b *LocalBackend) Members(_ context.Context, appID, channel string) ([]Member, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch := b.lookup(appID, channel)
	if ch == nil {
		return []Member{}, nil
	}
	out := make([]Member, 0, len(ch.order))
	for _, uid := range ch.order {
		out = append(out, Member{UserID: uid, UserInfo: ch.users[uid].info})
	}
	return out, nil
}

func (b *LocalBackend) MemberSockets(_ context.Context, appID, channel, userID string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := []string{}
	if ch := b.lookup(appID, channel); ch != nil {
		if u, ok := ch.users[userID]; ok {
			for id := range u.sockets {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// Publish 单进程无其它节点
func (b *LocalBackend) Publish(context.Context, Envelope) error { return nil }

// Listen 单进程无远端消息，阻塞到 ctx 结束
func (b *LocalBackend) Listen(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}

func (b *LocalBackend) Close() error { return nil }
