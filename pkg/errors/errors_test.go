package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsHTTPCode(t *testing.T) {
	e := New(4001, 0, "app not found")
	assert.Equal(t, 500, e.HttpCode)
	assert.Equal(t, "app not found", e.Error())
}

func TestIsComparesCode(t *testing.T) {
	base := New(4009, 401, "invalid signature")
	wrapped := fmt.Errorf("subscribe: %w", base.WithMessage("bad auth"))

	assert.True(t, Is(wrapped, base))
	assert.False(t, Is(wrapped, ErrNotFound))
}

func TestWithErrorKeepsCause(t *testing.T) {
	cause := stderrors.New("dial tcp: refused")
	e := ErrServer.WithError(cause)

	assert.True(t, Is(e, cause))
	assert.Equal(t, "internal server error: dial tcp: refused", e.Error())
	assert.Nil(t, ErrServer.Err, "预定义错误不能被修改")
}

func TestCodeOfAndHTTPStatusOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ErrForbidden)
	assert.Equal(t, 1003, CodeOf(err, 0))
	assert.Equal(t, 403, HTTPStatusOf(err))

	plain := stderrors.New("plain")
	assert.Equal(t, 42, CodeOf(plain, 42))
	assert.Equal(t, 500, HTTPStatusOf(plain))
}
