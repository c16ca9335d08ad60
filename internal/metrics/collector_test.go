package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.busEventsEmitted)
	assert.NotNil(t, collector.storeOperationsTotal)
	assert.NotNil(t, collector.tasksTotal)
}

func TestNewCollector_SameNamespaceTwice(t *testing.T) {
	// 独立 Registry，不会重复注册 panic
	assert.NotPanics(t, func() {
		NewCollector("fleet", nil)
		NewCollector("fleet", nil)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 503, 10*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.httpRequestsTotal))
}

func TestCollector_BusMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordBusEmit("agent")
	collector.RecordBusEmit("agent")
	collector.RecordBusDelivery("ok", time.Millisecond)
	collector.RecordBusDelivery("panic", 0)
	collector.RecordBusQuarantine()
	collector.SetBusSubscriptions(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.busEventsEmitted.WithLabelValues("agent")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.busDeliveries))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.busQuarantines))
	assert.Equal(t, float64(7), testutil.ToFloat64(collector.busSubscriptions))
}

func TestCollector_StoreMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordStoreOperation("memory", "put", nil, time.Millisecond)
	collector.RecordStoreOperation("memory", "put", errors.New("boom"), time.Millisecond)
	collector.RecordSweep(3, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storeOperationsTotal.WithLabelValues("memory", "put", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storeOperationsTotal.WithLabelValues("memory", "put", "error")))
	assert.Equal(t, float64(3), testutil.ToFloat64(collector.storeSweptTotal.WithLabelValues("entries")))
}

func TestCollector_FleetMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAgentExecution("worker", "success", time.Second)
	collector.RecordAgentStateTransition("pending", "initializing")
	collector.SetFleetAgents(map[string]int{"active": 2, "degraded": 1})
	collector.RecordTask("parallel", "completed")
	collector.RecordTaskRetry()
	collector.SetFleetFaulted(true)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.agentExecutionsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.fleetAgents))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.taskRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.fleetFaulted))

	collector.SetFleetAgents(map[string]int{"active": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(collector.fleetAgents))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordCacheHit("grants")
	collector.RecordCacheMiss("grants")

	assert.Greater(t, testutil.CollectAndCount(collector.cacheHits), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.cacheMisses), 0)
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDBConnections("sqlite", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsOpen), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.dbConnectionsIdle), 0)
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		collector.RecordBusEmit("agent")
		collector.RecordBusDelivery("ok", time.Millisecond)
		collector.RecordStoreOperation("memory", "get", nil, time.Millisecond)
		collector.RecordTask("sequential", "failed")
		collector.SetFleetFaulted(false)
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond)
			collector.RecordBusEmit("task")
			collector.RecordCacheHit("grants")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.busEventsEmitted.WithLabelValues("task")))
}

func TestCollector_Handler(t *testing.T) {
	ns := nextTestNamespace()
	collector := NewCollector(ns, zap.NewNop())
	collector.RecordTask("parallel", "completed")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), ns+"_tasks_total"))
}
