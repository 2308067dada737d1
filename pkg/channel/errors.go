package channel

import (
	"github.com/tokmz/beacon/pkg/errors"
	"github.com/tokmz/beacon/pkg/signature"
)

var (
	// ErrInvalidSignature 签名校验失败（4009），订阅被拒绝，连接保持
	ErrInvalidSignature = signature.ErrInvalidSignature
	// ErrInvalidChannelName 频道名非法
	ErrInvalidChannelName = errors.New(4009, 400, "Invalid channel name")
	// ErrInvalidChannelData presence 频道缺少或无法解析 channel_data
	ErrInvalidChannelData = errors.New(4009, 400, "Invalid channel data")
	// ErrBackendUnavailable 后端查询或发布失败/超时
	ErrBackendUnavailable = errors.New(5001, 503, "Backend unavailable")
	// ErrConnectionClosed 连接已关闭或未注册
	ErrConnectionClosed = errors.New(5002, 410, "Connection closed")
)
