package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/internal/metrics"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T, cfg Config, opts ...Option) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	m, err := NewManager(&redis.Options{Addr: mr.Addr()}, cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestNewManager(t *testing.T) {
	mr, m := setupTestRedis(t, Config{})

	require.NotNil(t, m.Client())
	require.NoError(t, m.Client().Set(context.Background(), "fleet:probe", "1", 0).Err())
	assert.True(t, mr.Exists("fleet:probe"))
	assert.Equal(t, DefaultConfig().DialTimeout, m.config.DialTimeout)
}

func TestNewManager_Errors(t *testing.T) {
	_, err := NewManager(nil, DefaultConfig(), nil)
	assert.Error(t, err)

	_, err = NewManager(&redis.Options{}, DefaultConfig(), nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewManager(&redis.Options{Addr: addr}, Config{DialTimeout: 200 * time.Millisecond}, nil)
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestManager_Ping(t *testing.T) {
	mr, m := setupTestRedis(t, Config{})
	ctx := context.Background()

	assert.NoError(t, m.Ping(ctx))

	mr.SetError("ERR injected failure")
	assert.Error(t, m.Ping(ctx))
	mr.SetError("")
	assert.NoError(t, m.Ping(ctx))
}

func TestManager_Close(t *testing.T) {
	_, m := setupTestRedis(t, DefaultConfig())

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(context.Background()), ErrClosed)
}

func TestManager_HealthCheckRecordsPoolStats(t *testing.T) {
	collector := metrics.NewCollector("cache_test", zap.NewNop())
	_, m := setupTestRedis(t, Config{HealthCheckInterval: 20 * time.Millisecond}, WithMetrics(collector, "shared-redis"))

	m.probe()

	count, err := testutil.GatherAndCount(collector.Registry(), "cache_test_db_connections_open")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NotNil(t, m.Stats())
}
