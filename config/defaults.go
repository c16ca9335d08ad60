// =============================================================================
// 📦 AgentFleet 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Fleet:     DefaultFleetConfig(),
		Store:     DefaultStoreConfig(),
		Bus:       DefaultBusConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Auth:      DefaultAuthConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultFleetConfig 返回默认调度配置
func DefaultFleetConfig() FleetConfig {
	return FleetConfig{
		MaxAgents:             0,
		MaxRetries:            3,
		BaseBackoff:           1 * time.Second,
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
		Topology:              "mesh",
	}
}

// DefaultStoreConfig 返回默认协调存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:           "memory",
		SweepInterval:  60 * time.Second,
		EventRetention: 720 * time.Hour,
		HintTTL:        5 * time.Minute,
		LockStripes:    64,
		RedisKeyPrefix: "agentfleet:",
		AutoMigrate:    false,
		GrantCacheTTL:  30 * time.Second,
	}
}

// DefaultBusConfig 返回默认事件总线配置
func DefaultBusConfig() BusConfig {
	return BusConfig{
		QueueSize:           256,
		QuarantineThreshold: 5,
		HandlerTimeout:      30 * time.Second,
		PersistEvents:       true,
		LogBufferSize:       1024,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agentfleet",
		Password:        "",
		Name:            "agentfleet.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentfleet",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 返回默认授权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:   "agentfleet",
		GrantTTL: 1 * time.Hour,
	}
}
