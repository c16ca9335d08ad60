// =============================================================================
// 📦 AgentFleet 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTFLEET").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentFleet 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Fleet Agent 生命周期与调度配置
	Fleet FleetConfig `yaml:"fleet" env:"FLEET"`

	// Store 协调存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Bus 事件总线配置
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Auth 授权令牌配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求数
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// WebSocket 允许的 Origin 模式
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// TLS 证书文件，与 TLSKeyFile 同时设置时启用 HTTPS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	// TLS 私钥文件
	TLSKeyFile string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// FleetConfig Agent 生命周期与任务调度配置
type FleetConfig struct {
	// 最大存活 Agent 数，0 表示不限制
	MaxAgents int `yaml:"max_agents" env:"MAX_AGENTS"`
	// 每个 (任务, Agent) 的最大尝试次数（含首次）
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 重试基础退避
	BaseBackoff time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	// 重试最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 默认任务超时，0 表示不限制
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// Agent 初始化超时
	InitTimeout time.Duration `yaml:"init_timeout" env:"INIT_TIMEOUT"`
	// 取消后等待 Agent 返回的宽限期
	CancelGrace time.Duration `yaml:"cancel_grace" env:"CANCEL_GRACE"`
	// Agent 终止超时
	TerminateTimeout time.Duration `yaml:"terminate_timeout" env:"TERMINATE_TIMEOUT"`
	// 自适应策略的负载阈值（0~1）
	AdaptiveLoadThreshold float64 `yaml:"adaptive_load_threshold" env:"ADAPTIVE_LOAD_THRESHOLD"`
	// 每秒允许创建的 Agent 数
	SpawnRate float64 `yaml:"spawn_rate" env:"SPAWN_RATE"`
	// 创建突发数
	SpawnBurst int `yaml:"spawn_burst" env:"SPAWN_BURST"`
	// 执行任务的 goroutine 池大小
	WorkerPoolSize int `yaml:"worker_pool_size" env:"WORKER_POOL_SIZE"`
	// 故障状态下的健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	// 默认拓扑: mesh, hierarchical, ring, star
	Topology string `yaml:"topology" env:"TOPOLOGY"`
}

// StoreConfig 协调存储配置
type StoreConfig struct {
	// 后端类型: memory, database, redis
	Type string `yaml:"type" env:"TYPE"`
	// 过期条目清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 事件日志保留时长
	EventRetention time.Duration `yaml:"event_retention" env:"EVENT_RETENTION"`
	// Hint 默认 TTL
	HintTTL time.Duration `yaml:"hint_ttl" env:"HINT_TTL"`
	// 键锁分段数
	LockStripes int `yaml:"lock_stripes" env:"LOCK_STRIPES"`
	// Redis 键前缀
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	// 启动时自动建表（仅 database 后端）
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
	// 授权缓存 TTL（仅 database 后端）
	GrantCacheTTL time.Duration `yaml:"grant_cache_ttl" env:"GRANT_CACHE_TTL"`
}

// BusConfig 事件总线配置
type BusConfig struct {
	// 每个订阅的队列容量
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 连续失败多少次后隔离订阅
	QuarantineThreshold int `yaml:"quarantine_threshold" env:"QUARANTINE_THRESHOLD"`
	// 单次处理器调用超时
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	// 是否把事件写入协调存储
	PersistEvents bool `yaml:"persist_events" env:"PERSIST_EVENTS"`
	// 事件日志缓冲区容量
	LogBufferSize int `yaml:"log_buffer_size" env:"LOG_BUFFER_SIZE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否使用 TLS 连接
	TLSEnabled bool `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AuthConfig 授权令牌配置
type AuthConfig struct {
	// HS256 签名密钥，为空时不签发授权令牌
	GrantSigningKey string `yaml:"grant_signing_key" env:"GRANT_SIGNING_KEY"`
	// 签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 令牌有效期
	GrantTTL time.Duration `yaml:"grant_ttl" env:"GRANT_TTL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTFLEET",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var (
	validStoreTypes  = map[string]bool{"memory": true, "database": true, "redis": true}
	validDrivers     = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validTopologies  = map[string]bool{"mesh": true, "hierarchical": true, "ring": true, "star": true}
	validLogFormats  = map[string]bool{"json": true, "console": true}
	validLogSeverity = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	if c.Fleet.MaxRetries <= 0 {
		errs = append(errs, "fleet.max_retries must be positive")
	}
	if c.Fleet.BaseBackoff <= 0 || c.Fleet.MaxBackoff < c.Fleet.BaseBackoff {
		errs = append(errs, "fleet backoff must satisfy 0 < base_backoff <= max_backoff")
	}
	if c.Fleet.InitTimeout <= 0 {
		errs = append(errs, "fleet.init_timeout must be positive")
	}
	if c.Fleet.AdaptiveLoadThreshold < 0 || c.Fleet.AdaptiveLoadThreshold > 1 {
		errs = append(errs, "fleet.adaptive_load_threshold must be between 0 and 1")
	}
	if c.Fleet.WorkerPoolSize <= 0 {
		errs = append(errs, "fleet.worker_pool_size must be positive")
	}
	if c.Fleet.Topology != "" && !validTopologies[c.Fleet.Topology] {
		errs = append(errs, fmt.Sprintf("unknown fleet.topology %q", c.Fleet.Topology))
	}

	if !validStoreTypes[c.Store.Type] {
		errs = append(errs, fmt.Sprintf("unknown store.type %q", c.Store.Type))
	}
	if c.Store.SweepInterval <= 0 {
		errs = append(errs, "store.sweep_interval must be positive")
	}
	if c.Store.HintTTL <= 0 {
		errs = append(errs, "store.hint_ttl must be positive")
	}
	if c.Store.Type == "database" && !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Store.Type == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the redis store")
	}

	if c.Bus.QuarantineThreshold < 0 {
		errs = append(errs, "bus.quarantine_threshold must not be negative")
	}

	if !validLogSeverity[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	if !validLogFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("unknown log.format %q", c.Log.Format))
	}

	if c.Auth.GrantSigningKey != "" && len(c.Auth.GrantSigningKey) < 32 {
		errs = append(errs, "auth.grant_signing_key must be at least 32 bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
