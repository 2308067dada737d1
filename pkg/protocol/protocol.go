// Package protocol parses inbound Pusher frames into a closed set of message
// variants and encodes the outbound frames the server emits.
package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/tokmz/beacon/pkg/errors"
)

// 协议事件名
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"

	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	ClientEventPrefix = "client-"
)

// ActivityTimeout 建议客户端的心跳间隔（秒）
const ActivityTimeout = 30

// ErrMalformedMessage 无法解析的消息
var ErrMalformedMessage = errors.New(4200, 400, "Malformed message")

// Inbound 入站消息，取值为 Subscribe、Unsubscribe、Ping、ClientEvent、Other 之一
type Inbound interface {
	inbound()
}

// Subscribe pusher:subscribe
type Subscribe struct {
	Channel     string
	Auth        string
	ChannelData string
}

// Unsubscribe pusher:unsubscribe
type Unsubscribe struct {
	Channel string
}

// Ping pusher:ping
type Ping struct{}

// ClientEvent client-* 事件，Raw 为原始帧，原样转发
type ClientEvent struct {
	Event   string
	Channel string
	Raw     []byte
}

// Other 其它事件
type Other struct {
	Event string
	Raw   []byte
}

func (Subscribe) inbound()   {}
func (Unsubscribe) inbound() {}
func (Ping) inbound()        {}
func (ClientEvent) inbound() {}
func (Other) inbound()       {}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	Channel     string          `json:"channel"`
	Auth        string          `json:"auth"`
	ChannelData json.RawMessage `json:"channel_data"`
}

// decodeData data 可能是对象，也可能是内容为 JSON 的字符串
func decodeData(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, v)
}

// stringOrRaw channel_data 为字符串时取其内容，否则取原始 JSON
func stringOrRaw(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	return string(raw)
}

// Parse 解析入站帧
func Parse(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}

	switch {
	case f.Event == EventPing:
		return Ping{}, nil

	case f.Event == EventSubscribe:
		var d subscribeData
		if err := decodeData(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		if d.Channel == "" {
			return nil, fmt.Errorf("%w: subscribe without channel", ErrMalformedMessage)
		}
		return Subscribe{Channel: d.Channel, Auth: d.Auth, ChannelData: stringOrRaw(d.ChannelData)}, nil

	case f.Event == EventUnsubscribe:
		var d subscribeData
		if err := decodeData(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		if d.Channel == "" {
			return nil, fmt.Errorf("%w: unsubscribe without channel", ErrMalformedMessage)
		}
		return Unsubscribe{Channel: d.Channel}, nil

	case strings.HasPrefix(f.Event, ClientEventPrefix):
		channel := f.Channel
		if channel == "" {
			var d struct {
				Channel string `json:"channel"`
			}
			_ = decodeData(f.Data, &d)
			channel = d.Channel
		}
		if channel == "" {
			return nil, fmt.Errorf("%w: client event without channel", ErrMalformedMessage)
		}
		return ClientEvent{Event: f.Event, Channel: channel, Raw: data}, nil
	}

	return Other{Event: f.Event, Raw: data}, nil
}

// ChannelData presence 频道的签名数据
type ChannelData struct {
	UserID   string
	UserInfo json.RawMessage
}

// ParseChannelData 解析 channel_data，user_id 允许字符串或数字
func ParseChannelData(s string) (ChannelData, error) {
	var raw struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return ChannelData{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	var id string
	uid := bytes.TrimSpace(raw.UserID)
	switch {
	case len(uid) == 0 || bytes.Equal(uid, []byte("null")):
	case uid[0] == '"':
		_ = json.Unmarshal(uid, &id)
	default:
		var n json.Number
		if err := json.Unmarshal(uid, &n); err == nil {
			id = n.String()
		}
	}
	if id == "" {
		return ChannelData{}, fmt.Errorf("%w: channel_data without user_id", ErrMalformedMessage)
	}

	cd := ChannelData{UserID: id}
	if info := bytes.TrimSpace(raw.UserInfo); len(info) > 0 && !bytes.Equal(info, []byte("null")) {
		cd.UserInfo = info
	}
	return cd, nil
}

var socketIDPattern = regexp.MustCompile(`^\d+\.\d+$`)

// NewSocketID 生成 "<n>.<n>" 格式的 socket id
func NewSocketID() string {
	return randInt() + "." + randInt()
}

func randInt() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		panic(fmt.Sprintf("protocol: crypto/rand failed: %v", err))
	}
	return strconv.FormatInt(n.Int64()+1, 10)
}

// ValidSocketID 判断 socket id 格式
func ValidSocketID(id string) bool {
	return socketIDPattern.MatchString(id)
}
