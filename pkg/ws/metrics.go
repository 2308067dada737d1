package ws

import (
	"io"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics 监控接口
type Metrics interface {
	// 连接指标
	IncrementConnections()
	DecrementConnections()
	SetConnectionCount(count int)

	// 消息指标
	IncrementMessages()
	IncrementInvalidMessages()
	IncrementDroppedMessages()

	// 错误指标
	IncrementReadErrors()
	IncrementWriteErrors()
}

// NoopMetrics 空实现（默认）
type NoopMetrics struct{}

func (NoopMetrics) IncrementConnections()     {}
func (NoopMetrics) DecrementConnections()     {}
func (NoopMetrics) SetConnectionCount(int)    {}
func (NoopMetrics) IncrementMessages()        {}
func (NoopMetrics) IncrementInvalidMessages() {}
func (NoopMetrics) IncrementDroppedMessages() {}
func (NoopMetrics) IncrementReadErrors()      {}
func (NoopMetrics) IncrementWriteErrors()     {}

// 指标名
const (
	MetricConnectionsOpened = "ws.connections.opened"
	MetricConnectionsClosed = "ws.connections.closed"
	MetricConnections       = "ws.connections"
	MetricMessages          = "ws.messages"
	MetricInvalidMessages   = "ws.messages.invalid"
	MetricDroppedMessages   = "ws.messages.dropped"
	MetricReadErrors        = "ws.errors.read"
	MetricWriteErrors       = "ws.errors.write"
)

// RegistryMetrics 基于 go-metrics Registry 的实现
type RegistryMetrics struct {
	reg gometrics.Registry
}

// NewRegistryMetrics 创建 go-metrics 监控，reg 为 nil 时新建独立 Registry
func NewRegistryMetrics(reg gometrics.Registry) *RegistryMetrics {
	if reg == nil {
		reg = gometrics.NewRegistry()
	}
	return &RegistryMetrics{reg: reg}
}

// Registry 底层 Registry
func (m *RegistryMetrics) Registry() gometrics.Registry {
	return m.reg
}

// WriteJSON 以 JSON 输出当前全部指标
func (m *RegistryMetrics) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(m.reg, w)
}

// Count 读取计数器当前值
func (m *RegistryMetrics) Count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m *RegistryMetrics) incr(name string) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(1)
}

func (m *RegistryMetrics) IncrementConnections()     { m.incr(MetricConnectionsOpened) }
func (m *RegistryMetrics) DecrementConnections()     { m.incr(MetricConnectionsClosed) }
func (m *RegistryMetrics) IncrementMessages()        { m.incr(MetricMessages) }
func (m *RegistryMetrics) IncrementInvalidMessages() { m.incr(MetricInvalidMessages) }
func (m *RegistryMetrics) IncrementDroppedMessages() { m.incr(MetricDroppedMessages) }
func (m *RegistryMetrics) IncrementReadErrors()      { m.incr(MetricReadErrors) }
func (m *RegistryMetrics) IncrementWriteErrors()     { m.incr(MetricWriteErrors) }

func (m *RegistryMetrics) SetConnectionCount(count int) {
	gometrics.GetOrRegisterGauge(MetricConnections, m.reg).Update(int64(count))
}
