package coordination

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/internal/tlsutil"
)

// Backend type names accepted by NewBackend.
const (
	BackendMemory   = "memory"
	BackendDatabase = "database"
	BackendRedis    = "redis"
)

// BackendDeps carries the shared connections a backend may need.
type BackendDeps struct {
	// DB is required for the database backend.
	DB *gorm.DB
	// Redis is used by the redis backend. When nil a client is built from
	// RedisConfig and closed together with the backend.
	Redis       redis.UniversalClient
	RedisConfig config.RedisConfig
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// RedisOptions converts the redis section of the config into client options.
func RedisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = tlsutil.RedisTLSConfig(cfg.Addr)
	}
	return opts
}

// NewBackend creates the backend selected by cfg.Type.
func NewBackend(cfg config.StoreConfig, deps BackendDeps) (Backend, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Type) {
	case "", BackendMemory:
		return NewMemoryBackend(), nil

	case BackendDatabase, "sql", "gorm":
		opts := []GormOption{
			WithGrantCacheTTL(cfg.GrantCacheTTL),
			WithGormMetrics(deps.Metrics),
		}
		if cfg.AutoMigrate {
			opts = append(opts, WithAutoMigrate())
		}
		b, err := NewGormBackend(deps.DB, logger, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil

	case BackendRedis:
		client := deps.Redis
		var opts []RedisOption
		if client == nil {
			if deps.RedisConfig.Addr == "" {
				return nil, fmt.Errorf("redis backend requires a client or redis.addr")
			}
			client = redis.NewClient(RedisOptions(deps.RedisConfig))
			opts = append(opts, WithOwnedClient())
		}
		b, err := NewRedisBackend(client, cfg.RedisKeyPrefix, logger, opts...)
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
