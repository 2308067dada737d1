// Package signature computes and verifies the HMAC-SHA256 signatures used by
// private and presence channel subscriptions and by the HTTP query API.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tokmz/beacon/pkg/errors"
)

var (
	// ErrInvalidSignature 签名不匹配（Pusher 4009）
	ErrInvalidSignature = errors.New(4009, 401, "Invalid signature")
	// ErrExpired 请求时间戳超出允许范围
	ErrExpired = errors.New(4009, 401, "Timestamp expired")
	// ErrMissingParams 缺少签名参数
	ErrMissingParams = errors.New(4009, 401, "Missing authentication parameters")
)

// MaxRequestAge 请求签名时间戳允许的最大偏差
const MaxRequestAge = 600 * time.Second

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func channelPayload(socketID, channel, channelData string) string {
	s := socketID + ":" + channel
	if channelData != "" {
		s += ":" + channelData
	}
	return s
}

// SignChannel 生成频道订阅签名，格式 key:hex
func SignChannel(key, secret, socketID, channel, channelData string) string {
	return key + ":" + sign(secret, channelPayload(socketID, channel, channelData))
}

// Verify 校验频道订阅签名
// supplied 为客户端提交的 key:signature，key 部分不参与比较
func Verify(secret, socketID, channel, channelData, supplied string) error {
	_, sig, ok := strings.Cut(supplied, ":")
	if !ok || sig == "" {
		return ErrInvalidSignature
	}
	expected := sign(secret, channelPayload(socketID, channel, channelData))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// canonicalQuery 按 key 排序拼接查询参数，排除 auth_signature
func canonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "auth_signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, strings.ToLower(k)+"="+query.Get(k))
	}
	return strings.Join(parts, "&")
}

func requestPayload(method, path string, query url.Values) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + canonicalQuery(query)
}

// SignRequest 为 HTTP API 请求补全 auth_key/auth_timestamp/auth_version/auth_signature
func SignRequest(key, secret, method, path string, query url.Values, now time.Time) url.Values {
	signed := url.Values{}
	for k, v := range query {
		signed[k] = v
	}
	signed.Set("auth_key", key)
	signed.Set("auth_timestamp", strconv.FormatInt(now.Unix(), 10))
	signed.Set("auth_version", "1.0")
	signed.Set("auth_signature", sign(secret, requestPayload(method, path, signed)))
	return signed
}

// VerifyRequest 校验 HTTP API 请求签名
func VerifyRequest(secret, method, path string, query url.Values, now time.Time) error {
	supplied := query.Get("auth_signature")
	ts := query.Get("auth_timestamp")
	if supplied == "" || ts == "" || query.Get("auth_key") == "" {
		return ErrMissingParams
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature.WithError(err)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > MaxRequestAge || d < -MaxRequestAge {
		return ErrExpired
	}

	expected := sign(secret, requestPayload(method, path, query))
	if !hmac.Equal([]byte(expected), []byte(supplied)) {
		return ErrInvalidSignature
	}
	return nil
}
