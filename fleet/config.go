package fleet

import (
	"time"

	"github.com/BaSui01/agentfleet/config"
)

// Config Manager 配置
type Config struct {
	// MaxAgents 非 Terminated Agent 的上限，<= 0 表示不限
	MaxAgents             int
	MaxRetries            int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration
	TaskTimeout           time.Duration
	InitTimeout           time.Duration
	CancelGrace           time.Duration
	TerminateTimeout      time.Duration
	AdaptiveLoadThreshold float64
	SpawnRate             float64
	SpawnBurst            int
	WorkerPoolSize        int
	HealthCheckInterval   time.Duration
	Topology              Topology
}

// DefaultConfig 返回默认配置：重试 3 次，退避从 1s 起翻倍、上限 30s
func DefaultConfig() Config {
	return Config{
		MaxAgents:             0,
		MaxRetries:            3,
		BaseBackoff:           time.Second,
		MaxBackoff:            30 * time.Second,
		TaskTimeout:           5 * time.Minute,
		InitTimeout:           30 * time.Second,
		CancelGrace:           5 * time.Second,
		TerminateTimeout:      10 * time.Second,
		AdaptiveLoadThreshold: 0.5,
		SpawnRate:             10,
		SpawnBurst:            20,
		WorkerPoolSize:        64,
		HealthCheckInterval:   5 * time.Second,
		Topology:              TopologyMesh,
	}
}

// ConfigFromFleetConfig 从应用配置转换
func ConfigFromFleetConfig(cfg config.FleetConfig) Config {
	return Config{
		MaxAgents:             cfg.MaxAgents,
		MaxRetries:            cfg.MaxRetries,
		BaseBackoff:           cfg.BaseBackoff,
		MaxBackoff:            cfg.MaxBackoff,
		TaskTimeout:           cfg.TaskTimeout,
		InitTimeout:           cfg.InitTimeout,
		CancelGrace:           cfg.CancelGrace,
		TerminateTimeout:      cfg.TerminateTimeout,
		AdaptiveLoadThreshold: cfg.AdaptiveLoadThreshold,
		SpawnRate:             cfg.SpawnRate,
		SpawnBurst:            cfg.SpawnBurst,
		WorkerPoolSize:        cfg.WorkerPoolSize,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		Topology:              Topology(cfg.Topology),
	}
}

// withDefaults 用默认值填充零值字段
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = def.InitTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = def.CancelGrace
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = def.TerminateTimeout
	}
	if c.AdaptiveLoadThreshold <= 0 {
		c.AdaptiveLoadThreshold = def.AdaptiveLoadThreshold
	}
	if c.SpawnBurst <= 0 {
		c.SpawnBurst = def.SpawnBurst
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = def.WorkerPoolSize
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if !c.Topology.Valid() {
		c.Topology = def.Topology
	}
	return c
}

// Backoff 第 attempt 次失败后的等待时间：BaseBackoff * 2^(attempt-1)，不超过 MaxBackoff
func (c Config) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return c.BaseBackoff
	}
	backoff := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}
