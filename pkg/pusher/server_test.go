package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/beacon/pkg/apps"
	"github.com/tokmz/beacon/pkg/channel"
	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/protocol"
	"github.com/tokmz/beacon/pkg/signature"
	"github.com/tokmz/beacon/pkg/stats"
)

const (
	testAppID  = "1234"
	testKey    = "TestKey"
	testSecret = "TestSecret"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) SocketID() string { return c.id }

func (c *fakeConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(name string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil && m["event"] == name {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) raw() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type testServer struct {
	*Server
	manager *channel.Manager
	stats   *stats.Memory
	n       int
}

func newTestServer(t *testing.T, mutate func(*apps.App), opts ...Option) *testServer {
	t.Helper()
	return newTestServerOn(t, channel.NewLocalBackend(), mutate, opts...)
}

func newTestServerOn(t *testing.T, backend channel.Backend, mutate func(*apps.App), opts ...Option) *testServer {
	t.Helper()
	app := apps.App{ID: testAppID, Key: testKey, Secret: testSecret}
	if mutate != nil {
		mutate(&app)
	}
	registry, err := apps.NewRegistry([]apps.App{app})
	require.NoError(t, err)

	manager := channel.NewManager(backend, registry)
	collector := stats.NewMemory()
	return &testServer{
		Server:  New(registry, manager, collector, opts...),
		manager: manager,
		stats:   collector,
	}
}

// open 建立一个已准入的连接
func (s *testServer) open(t *testing.T) *fakeConn {
	t.Helper()
	s.n++
	c := &fakeConn{id: fmt.Sprintf("%d.%d", s.n, s.n)}
	require.NoError(t, s.OnOpen(t.Context(), c, OpenRequest{AppKey: testKey}))
	return c
}

func (s *testServer) send(t *testing.T, c *fakeConn, v any) error {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return s.OnMessage(t.Context(), c, b)
}

func (s *testServer) subscribe(t *testing.T, c *fakeConn, name string) {
	t.Helper()
	require.NoError(t, s.send(t, c, map[string]any{
		"event": protocol.EventSubscribe,
		"data":  map[string]any{"channel": name},
	}))
}

func (s *testServer) joinPresence(t *testing.T, c *fakeConn, name string, userID any) {
	t.Helper()
	b, _ := json.Marshal(map[string]any{"user_id": userID})
	data := string(b)
	require.NoError(t, s.send(t, c, map[string]any{
		"event": protocol.EventSubscribe,
		"data": map[string]any{
			"channel":      name,
			"auth":         signature.SignChannel(testKey, testSecret, c.id, name, data),
			"channel_data": data,
		},
	}))
}

var errBackendDown = fmt.Errorf("dial tcp 127.0.0.1:6379: connect: connection refused")

// downBackend 模拟共享存储不可达：本地状态照常，所有跨节点读写失败
type downBackend struct {
	*channel.LocalBackend
}

func (downBackend) SubscribeToApp(context.Context, string) error { return errBackendDown }

func (downBackend) ConnectionsCount(context.Context, string, string) (int, error) {
	return 0, errBackendDown
}

func (downBackend) AddMember(context.Context, string, string, string, channel.Member) (bool, error) {
	return false, errBackendDown
}

func (downBackend) RemoveMember(context.Context, string, string, string, string) (bool, error) {
	return false, errBackendDown
}

func (downBackend) Members(context.Context, string, string) ([]channel.Member, error) {
	return nil, errBackendDown
}

func (downBackend) Publish(context.Context, channel.Envelope) error { return errBackendDown }

func dataOf(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	s, ok := frame["data"].(string)
	require.True(t, ok, "data 应为字符串")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestOpenSendsConnectionEstablished(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)

	frames := c.events(protocol.EventConnectionEstablished)
	require.Len(t, frames, 1)
	data := dataOf(t, frames[0])
	assert.Equal(t, c.id, data["socket_id"])
	assert.EqualValues(t, protocol.ActivityTimeout, data["activity_timeout"])
	assert.Equal(t, 1, s.Sessions())
	assert.Equal(t, 1, s.manager.LocalConnectionsCount(testAppID))
}

func TestOpenRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*apps.App)
		req    OpenRequest
		code   int
	}{
		{"unknown app", nil, OpenRequest{AppKey: "nope"}, 4001},
		{"origin not allowed", func(a *apps.App) {
			a.AllowedOrigins = []string{"https://good.example.com"}
		}, OpenRequest{AppKey: testKey, Origin: "https://evil.example.com"}, 4009},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.mutate)
			c := &fakeConn{id: "1.1"}

			err := s.OnOpen(t.Context(), c, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err, 0))

			frames := c.events(protocol.EventError)
			require.Len(t, frames, 1)
			assert.EqualValues(t, tt.code, frames[0]["data"].(map[string]any)["code"])
			assert.Empty(t, c.events(protocol.EventConnectionEstablished))
			assert.True(t, c.isClosed())
			assert.Zero(t, s.Sessions())
		})
	}
}

func TestOpenOverCapacity(t *testing.T) {
	s := newTestServer(t, func(a *apps.App) { a.Capacity = 1 })
	first := s.open(t)

	second := &fakeConn{id: "2.2"}
	err := s.OnOpen(t.Context(), second, OpenRequest{AppKey: testKey})
	assert.True(t, errors.Is(err, ErrOverCapacity))
	assert.True(t, second.isClosed())
	assert.False(t, first.isClosed())

	s.OnClose(t.Context(), first)
	third := &fakeConn{id: "3.3"}
	assert.NoError(t, s.OnOpen(t.Context(), third, OpenRequest{AppKey: testKey}))
}

func TestCapacityFallsBackToLocalCount(t *testing.T) {
	s := newTestServerOn(t, downBackend{channel.NewLocalBackend()}, func(a *apps.App) { a.Capacity = 1 })
	first := s.open(t)

	second := &fakeConn{id: "2.2"}
	err := s.OnOpen(t.Context(), second, OpenRequest{AppKey: testKey})
	assert.True(t, errors.Is(err, ErrOverCapacity))
	assert.True(t, second.isClosed())

	s.OnClose(t.Context(), first)
	third := &fakeConn{id: "3.3"}
	assert.NoError(t, s.OnOpen(t.Context(), third, OpenRequest{AppKey: testKey}))
}

func TestPresenceEventsWithBackendDown(t *testing.T) {
	s := newTestServerOn(t, downBackend{channel.NewLocalBackend()}, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)

	frames := morty.events(protocol.EventSubscriptionSucceeded)
	require.Len(t, frames, 1)
	presence := dataOf(t, frames[0])["presence"].(map[string]any)
	assert.Equal(t, []any{"1", "2"}, presence["ids"])

	added := rick.events(protocol.EventMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, `{"user_id":"2"}`, added[0]["data"])
	assert.Empty(t, morty.events(protocol.EventMemberAdded))

	s.OnClose(t.Context(), morty)
	removed := rick.events(protocol.EventMemberRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, `{"user_id":"2"}`, removed[0]["data"])

	_, err := s.manager.ChannelMembers(t.Context(), testAppID, "presence-channel")
	assert.True(t, errors.Is(err, channel.ErrBackendUnavailable))
}

func TestPing(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)

	require.NoError(t, s.send(t, c, map[string]any{"event": protocol.EventPing, "data": map[string]any{}}))
	assert.Len(t, c.events(protocol.EventPong), 1)
}

func TestMalformedMessage(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)

	err := s.OnMessage(t.Context(), c, []byte("{not json"))
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))

	snap, err := s.stats.AppStatistics(t.Context(), testAppID)
	require.NoError(t, err)
	assert.Zero(t, snap.WebSocketMessagesCount)
}

func TestMessageFromUnknownSocket(t *testing.T) {
	s := newTestServer(t, nil)
	err := s.OnMessage(t.Context(), &fakeConn{id: "9.9"}, []byte(`{"event":"pusher:ping"}`))
	assert.True(t, errors.Is(err, ErrUnknownSocket))
}

func TestStatisticsOneConnectionTwoMessages(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)

	s.subscribe(t, c, "basic-channel")
	require.NoError(t, s.send(t, c, map[string]any{"event": protocol.EventPing}))

	snap, err := s.stats.AppStatistics(t.Context(), testAppID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PeakConnectionsCount)
	assert.Equal(t, 2, snap.WebSocketMessagesCount)
	assert.Equal(t, 0, snap.APIMessagesCount)
}

func TestPresenceStatistics(t *testing.T) {
	s := newTestServer(t, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)

	snap, err := s.stats.AppStatistics(t.Context(), testAppID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.PeakConnectionsCount)
	assert.Equal(t, 2, snap.WebSocketMessagesCount)
	assert.Equal(t, 0, snap.APIMessagesCount)
	assert.Len(t, s.manager.LocalConnections(), 2)
}

func TestPublicSubscribe(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)
	s.subscribe(t, c, "basic-channel")

	frames := c.events(protocol.EventSubscriptionSucceeded)
	require.Len(t, frames, 1)
	assert.Equal(t, "basic-channel", frames[0]["channel"])
	assert.Equal(t, "{}", frames[0]["data"])
}

func TestPresenceSubscriptionSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", "2")

	frames := morty.events(protocol.EventSubscriptionSucceeded)
	require.Len(t, frames, 1)
	presence := dataOf(t, frames[0])["presence"].(map[string]any)
	assert.ElementsMatch(t, []any{"1", "2"}, presence["ids"])
	assert.EqualValues(t, 2, presence["count"])
}

func TestPresenceMemberEvents(t *testing.T) {
	s := newTestServer(t, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)

	assert.Empty(t, morty.events(protocol.EventMemberAdded), "新成员不接收自己的 member_added")
	added := rick.events(protocol.EventMemberAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "presence-channel", added[0]["channel"])
	assert.Equal(t, `{"user_id":"2"}`, added[0]["data"])

	s.OnClose(t.Context(), morty)

	removed := rick.events(protocol.EventMemberRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, `{"user_id":"2"}`, removed[0]["data"])

	members, err := s.manager.ChannelMembers(t.Context(), testAppID, "presence-channel")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "1", members[0].UserID)
}

func TestSameUserTriggersMemberEventsOnce(t *testing.T) {
	s := newTestServer(t, nil)
	observer := s.open(t)
	s.joinPresence(t, observer, "presence-channel", "observer")

	first := s.open(t)
	s.joinPresence(t, first, "presence-channel", 1)
	require.Len(t, observer.events(protocol.EventMemberAdded), 1)

	observer.reset()
	second := s.open(t)
	s.joinPresence(t, second, "presence-channel", 1)
	assert.Empty(t, observer.events(protocol.EventMemberAdded))

	s.OnClose(t.Context(), first)
	assert.Empty(t, observer.events(protocol.EventMemberRemoved))

	s.OnClose(t.Context(), second)
	assert.Len(t, observer.events(protocol.EventMemberRemoved), 1)

	sockets, err := s.manager.MemberSockets(t.Context(), testAppID, "presence-channel", "1")
	require.NoError(t, err)
	assert.Empty(t, sockets)
}

func TestUnsubscribeBroadcastsMemberRemoved(t *testing.T) {
	s := newTestServer(t, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)

	require.NoError(t, s.send(t, morty, map[string]any{
		"event": protocol.EventUnsubscribe,
		"data":  map[string]any{"channel": "presence-channel"},
	}))
	assert.Len(t, rick.events(protocol.EventMemberRemoved), 1)
	assert.False(t, s.manager.IsSubscribed(morty.id, "presence-channel"))
}

func TestInvalidSignatureKeepsConnectionOpen(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)

	err := s.send(t, c, map[string]any{
		"event": protocol.EventSubscribe,
		"data": map[string]any{
			"channel":      "presence-channel",
			"auth":         "TestKey:invalid",
			"channel_data": `{"user_id":1}`,
		},
	})
	assert.True(t, errors.Is(err, channel.ErrInvalidSignature))
	assert.False(t, errors.Is(err, protocol.ErrMalformedMessage))

	assert.Empty(t, c.events(protocol.EventSubscriptionSucceeded))
	frames := c.events(protocol.EventError)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 4009, frames[0]["data"].(map[string]any)["code"])
	assert.False(t, c.isClosed())

	_, ok := s.manager.Channel(testAppID, "presence-channel")
	assert.False(t, ok)
}

func TestClientEventsDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)
	rick.reset()
	morty.reset()

	require.NoError(t, s.send(t, rick, map[string]any{
		"event":   "client-test-whisper",
		"channel": "presence-channel",
		"data":    map[string]any{},
	}))
	assert.Empty(t, rick.raw())
	assert.Empty(t, morty.raw())
}

func TestClientEventsEnabled(t *testing.T) {
	s := newTestServer(t, func(a *apps.App) { a.EnableClientMessages = true })
	rick := s.open(t)
	morty := s.open(t)
	s.joinPresence(t, rick, "presence-channel", 1)
	s.joinPresence(t, morty, "presence-channel", 2)
	rick.reset()
	morty.reset()

	frame := []byte(`{"event":"client-test-whisper","channel":"presence-channel","data":{"secret":"x"}}`)
	require.NoError(t, s.OnMessage(t.Context(), rick, frame))

	assert.Empty(t, rick.raw(), "发送方不应收到回显")
	require.Len(t, morty.raw(), 1)
	assert.Equal(t, string(frame), string(morty.raw()[0]))
}

func TestClientEventRequiresSubscription(t *testing.T) {
	s := newTestServer(t, func(a *apps.App) { a.EnableClientMessages = true })
	rick := s.open(t)
	morty := s.open(t)
	s.subscribe(t, morty, "chat")
	morty.reset()

	require.NoError(t, s.send(t, rick, map[string]any{
		"event":   "client-typing",
		"channel": "chat",
		"data":    map[string]any{},
	}))
	assert.Empty(t, morty.raw())
}

func TestFallbackReceivesOtherEvents(t *testing.T) {
	var got []string
	s := newTestServer(t, nil, WithFallback(func(_ context.Context, _ Connection, app *apps.App, msg protocol.Other) {
		got = append(got, app.ID+":"+msg.Event)
	}))
	c := s.open(t)

	require.NoError(t, s.send(t, c, map[string]any{"event": "custom:event", "data": "x"}))
	assert.Equal(t, []string{testAppID + ":custom:event"}, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.open(t)
	s.subscribe(t, c, "basic-channel")

	s.OnClose(t.Context(), c)
	s.OnClose(t.Context(), c)

	assert.Zero(t, s.Sessions())
	assert.Zero(t, s.manager.LocalConnectionsCount(testAppID))
	snap, err := s.stats.AppStatistics(t.Context(), testAppID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PeakConnectionsCount)
}
