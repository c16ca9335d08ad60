// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 每个 Collector 持有独立的 Registry，同一进程内可以并存多个实例（测试场景）。
// nil *Collector 上的所有 Record* 方法均为空操作。
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 事件总线指标
	busEventsEmitted   *prometheus.CounterVec
	busDeliveries      *prometheus.CounterVec
	busQuarantines     prometheus.Counter
	busSubscriptions   prometheus.Gauge
	busDeliveryLatency prometheus.Histogram

	// 协调存储指标
	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	storeSweptTotal        *prometheus.CounterVec

	// Agent / 任务指标
	agentExecutionsTotal   *prometheus.CounterVec
	agentExecutionDuration *prometheus.HistogramVec
	agentStateTransitions  *prometheus.CounterVec
	fleetAgents            *prometheus.GaugeVec
	tasksTotal             *prometheus.CounterVec
	taskRetries            prometheus.Counter
	fleetFaulted           prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 事件总线指标
	c.busEventsEmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_emitted_total",
			Help:      "Total number of events emitted on the bus",
		},
		[]string{"namespace"},
	)

	c.busDeliveries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_deliveries_total",
			Help:      "Total number of handler deliveries",
		},
		[]string{"status"}, // status: ok, error, panic, dropped
	)

	c.busQuarantines = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_quarantines_total",
			Help:      "Total number of quarantined subscriptions",
		},
	)

	c.busSubscriptions = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_subscriptions",
			Help:      "Number of live bus subscriptions",
		},
	)

	c.busDeliveryLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_delivery_latency_seconds",
			Help:      "Time between emit and handler completion",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
		},
	)

	// 协调存储指标
	c.storeOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of coordination store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	c.storeOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Coordination store operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "operation"},
	)

	c.storeSweptTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_swept_total",
			Help:      "Total number of records removed by the sweeper",
		},
		[]string{"kind"}, // kind: entries, events
	)

	// Agent / 任务指标
	c.agentExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Total number of agent task attempts",
		},
		[]string{"agent_type", "status"},
	)

	c.agentExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Agent task attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_type"},
	)

	c.agentStateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.fleetAgents = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_agents",
			Help:      "Number of agents per lifecycle status",
		},
		[]string{"status"},
	)

	c.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of dispatched tasks by outcome",
		},
		[]string{"strategy", "outcome"},
	)

	c.taskRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retry attempts",
		},
	)

	c.fleetFaulted = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_faulted",
			Help:      "1 when the fleet is in the storage fault state",
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry 返回底层 Prometheus Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 📡 事件总线指标记录
// =============================================================================

// RecordBusEmit 记录一次事件发布
func (c *Collector) RecordBusEmit(namespace string) {
	if c == nil {
		return
	}
	c.busEventsEmitted.WithLabelValues(namespace).Inc()
}

// RecordBusDelivery 记录一次投递结果
func (c *Collector) RecordBusDelivery(status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.busDeliveries.WithLabelValues(status).Inc()
	if latency > 0 {
		c.busDeliveryLatency.Observe(latency.Seconds())
	}
}

// RecordBusQuarantine 记录订阅被隔离
func (c *Collector) RecordBusQuarantine() {
	if c == nil {
		return
	}
	c.busQuarantines.Inc()
}

// SetBusSubscriptions 更新活跃订阅数
func (c *Collector) SetBusSubscriptions(n int) {
	if c == nil {
		return
	}
	c.busSubscriptions.Set(float64(n))
}

// =============================================================================
// 🗃️ 协调存储指标记录
// =============================================================================

// RecordStoreOperation 记录存储操作
func (c *Collector) RecordStoreOperation(backend, operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.storeOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	c.storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordSweep 记录清理数量
func (c *Collector) RecordSweep(entries, events int) {
	if c == nil {
		return
	}
	c.storeSweptTotal.WithLabelValues("entries").Add(float64(entries))
	c.storeSweptTotal.WithLabelValues("events").Add(float64(events))
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentExecution 记录 Agent 执行
func (c *Collector) RecordAgentExecution(agentType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentExecutionsTotal.WithLabelValues(agentType, status).Inc()
	c.agentExecutionDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// RecordAgentStateTransition 记录 Agent 状态转换
func (c *Collector) RecordAgentStateTransition(fromState, toState string) {
	if c == nil {
		return
	}
	c.agentStateTransitions.WithLabelValues(fromState, toState).Inc()
}

// SetFleetAgents 按状态更新 Agent 数量
func (c *Collector) SetFleetAgents(byStatus map[string]int) {
	if c == nil {
		return
	}
	c.fleetAgents.Reset()
	for status, n := range byStatus {
		c.fleetAgents.WithLabelValues(status).Set(float64(n))
	}
}

// RecordTask 记录任务结果
func (c *Collector) RecordTask(strategy, outcome string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordTaskRetry 记录任务重试
func (c *Collector) RecordTaskRetry() {
	if c == nil {
		return
	}
	c.taskRetries.Inc()
}

// SetFleetFaulted 更新故障状态
func (c *Collector) SetFleetFaulted(faulted bool) {
	if c == nil {
		return
	}
	if faulted {
		c.fleetFaulted.Set(1)
		return
	}
	c.fleetFaulted.Set(0)
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
