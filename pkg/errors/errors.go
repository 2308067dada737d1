package errors

import "errors"

// Error 带错误码的错误
type Error struct {
	Code     int    `json:"code"`    // 错误码（Pusher 协议错误码或内部错误码）
	Message  string `json:"message"` // 错误信息
	HttpCode int    `json:"-"`       // http状态码
	Err      error  `json:"-"`       // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// code 错误码
// httpCode http状态码，为 0 时默认 500
// message 错误信息
func New(code, httpCode int, message string) *Error {
	if httpCode == 0 {
		httpCode = 500
	}
	return &Error{
		Code:     code,
		HttpCode: httpCode,
		Message:  message,
	}
}

// WithError 添加原始错误（返回新实例，不修改原错误）
func (e *Error) WithError(err error) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  e.Message,
		Err:      err,
	}
}

// WithMessage 替换错误信息（返回新实例，不修改原错误）
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Code:     e.Code,
		HttpCode: e.HttpCode,
		Message:  message,
		Err:      e.Err,
	}
}

// Is 当 target 也是 *Error 时比较 Code，否则沿原始错误链比较
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// As 标准库 errors.As 的别名
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 标准库 errors.Is 的别名
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join 标准库 errors.Join 的别名
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// CodeOf 提取错误链上第一个 *Error 的错误码，不存在时返回 fallback
func CodeOf(err error, fallback int) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return fallback
}

// HTTPStatusOf 提取错误链上第一个 *Error 的 http 状态码，不存在时返回 500
func HTTPStatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HttpCode != 0 {
		return e.HttpCode
	}
	return 500
}
