package protocol

import "encoding/json"

type outbound struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data"`
}

// Member 成员快照条目
type Member struct {
	UserID   string
	UserInfo json.RawMessage
}

func encode(event, channel string, data any) []byte {
	b, err := json.Marshal(outbound{Event: event, Channel: channel, Data: data})
	if err != nil {
		// 入参均为本包构造的可序列化值
		panic(err)
	}
	return b
}

// stringData 把 v 编码成 JSON 后再作为字符串放入 data
func stringData(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// ConnectionEstablished pusher:connection_established
func ConnectionEstablished(socketID string) []byte {
	return encode(EventConnectionEstablished, "", stringData(struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}{socketID, ActivityTimeout}))
}

// Error pusher:error，data 为对象
func Error(code int, message string) []byte {
	return encode(EventError, "", struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{message, code})
}

// Pong pusher:pong
func Pong() []byte {
	return encode(EventPong, "", "{}")
}

// SubscriptionSucceeded 公共/私有频道订阅成功
func SubscriptionSucceeded(channel string) []byte {
	return encode(EventSubscriptionSucceeded, channel, "{}")
}

// PresenceSucceeded presence 频道订阅成功，附带成员快照
func PresenceSucceeded(channel string, members []Member) []byte {
	ids := make([]string, 0, len(members))
	hash := make(map[string]json.RawMessage, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
		info := m.UserInfo
		if len(info) == 0 {
			info = json.RawMessage("null")
		}
		hash[m.UserID] = info
	}

	type presence struct {
		IDs   []string                   `json:"ids"`
		Hash  map[string]json.RawMessage `json:"hash"`
		Count int                        `json:"count"`
	}
	return encode(EventSubscriptionSucceeded, channel, stringData(struct {
		Presence presence `json:"presence"`
	}{presence{IDs: ids, Hash: hash, Count: len(ids)}}))
}

// MemberAdded pusher_internal:member_added，user_info 为空时省略
func MemberAdded(channel string, m Member) []byte {
	return encode(EventMemberAdded, channel, stringData(struct {
		UserID   string          `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info,omitempty"`
	}{m.UserID, m.UserInfo}))
}

// MemberRemoved pusher_internal:member_removed
func MemberRemoved(channel, userID string) []byte {
	return encode(EventMemberRemoved, channel, stringData(struct {
		UserID string `json:"user_id"`
	}{userID}))
}
