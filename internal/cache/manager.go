// Package cache manages the shared Redis connection used by the redis
// coordination backend.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/internal/metrics"
)

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis manager is closed")

// =============================================================================
// 💾 Redis 连接管理器
// =============================================================================

// Manager 持有共享的 Redis 客户端，负责探活与关闭
type Manager struct {
	client  *redis.Client
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	label   string

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// Config 连接管理配置
type Config struct {
	// 建连时的探活超时
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// 后台健康检查间隔，0 表示不启动
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DialTimeout:         5 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Option 管理器可选项
type Option func(*Manager)

// WithMetrics 每次探活后上报连接池状态
func WithMetrics(c *metrics.Collector, label string) Option {
	return func(m *Manager) {
		m.metrics = c
		if label != "" {
			m.label = label
		}
	}
}

// NewManager 根据客户端选项建立连接并探活
func NewManager(opts *redis.Options, config Config, logger *zap.Logger, options ...Option) (*Manager, error) {
	if opts == nil || opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis")),
		label:  "redis",
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(m)
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("redis connected",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize),
	)
	return m, nil
}

// Client 返回共享客户端，调用方不得关闭
func (m *Manager) Client() redis.UniversalClient {
	return m.client
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Stats 返回连接池统计
func (m *Manager) Stats() *redis.PoolStats {
	return m.client.PoolStats()
}

// Close 停止健康检查并关闭客户端，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("closing redis connection")
	return m.client.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Manager) probe() {
	timeout := m.config.HealthCheckInterval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := m.client.Ping(ctx).Err(); err != nil {
		m.logger.Error("redis health check failed", zap.Error(err))
		return
	}
	stats := m.client.PoolStats()
	m.metrics.RecordDBConnections(m.label, int(stats.TotalConns), int(stats.IdleConns))
	m.logger.Debug("redis health check passed",
		zap.Uint32("total_conns", stats.TotalConns),
		zap.Uint32("idle_conns", stats.IdleConns),
	)
}
