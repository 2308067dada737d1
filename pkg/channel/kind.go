package channel

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind 频道类型，由名称前缀在创建时确定
type Kind int

const (
	Public Kind = iota
	Private
	Presence
)

const (
	PrivatePrefix  = "private-"
	PresencePrefix = "presence-"

	// MaxNameLength 频道名最大字节数
	MaxNameLength = 200
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-=@,.;]+$`)

// KindOf 根据前缀判断频道类型，private-encrypted- 视为 private
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, PresencePrefix):
		return Presence
	case strings.HasPrefix(name, PrivatePrefix):
		return Private
	default:
		return Public
	}
}

// RequiresAuth 私有与 presence 频道需要签名
func (k Kind) RequiresAuth() bool {
	return k != Public
}

func (k Kind) String() string {
	switch k {
	case Private:
		return "private"
	case Presence:
		return "presence"
	default:
		return "public"
	}
}

// ValidName 校验频道名
func ValidName(name string) error {
	if name == "" || len(name) > MaxNameLength || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	return nil
}
