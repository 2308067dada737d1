package pusher

import "github.com/tokmz/beacon/pkg/errors"

// 连接准入错误，Code 为 Pusher 协议错误码
var (
	ErrOriginNotAllowed = errors.New(4009, 403, "Origin not allowed")
	ErrOverCapacity     = errors.New(4100, 503, "Over capacity")
	ErrUnknownSocket    = errors.New(4200, 400, "Unknown socket")
)

// ErrPolicyDenied 客户端事件被拒绝，只记录日志，不回复客户端
var ErrPolicyDenied = errors.New(4301, 403, "Client event rejected")
