package beacon

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokmz/beacon/pkg/errors"
)

var (
	// ErrInvalidQuery 查询参数非法
	ErrInvalidQuery = errors.New(4400, http.StatusBadRequest, "Invalid query")
	// ErrHistoryDisabled 未配置统计历史存储
	ErrHistoryDisabled = errors.New(4404, http.StatusNotFound, "Statistics history is disabled")
	// ErrInternal 未知错误
	ErrInternal = errors.New(5000, http.StatusInternalServerError, "Internal Server Error")
)

// Response 错误响应结构
// 成功响应直接输出 Pusher HTTP API 格式的 JSON 对象
type Response struct {
	Code    int    `json:"code"`               // 业务状态码
	Message string `json:"message"`            // 响应消息
	TraceID string `json:"trace_id,omitempty"` // 追踪ID（可选）
}

// NewResponse 创建响应
func NewResponse(code int, message string) *Response {
	return &Response{
		Code:    code,
		Message: message,
	}
}

// WithTraceID 设置追踪ID
func (r *Response) WithTraceID(traceID string) *Response {
	r.TraceID = traceID
	return r
}

// respond 输出成功响应
func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// respondError 把错误映射为响应并中止后续处理
// *errors.Error 使用其 Code/Message/HttpCode，其它错误按 500 处理且不暴露细节
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var e *errors.Error
	if !errors.As(err, &e) {
		e = ErrInternal
	}
	resp := NewResponse(e.Code, e.Message)
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		resp.WithTraceID(sc.TraceID().String())
	}
	c.AbortWithStatusJSON(errors.HTTPStatusOf(e), resp)
}
