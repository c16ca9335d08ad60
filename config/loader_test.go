// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 3, cfg.Fleet.MaxRetries)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

fleet:
  max_retries: 5
  base_backoff: 200ms
  max_backoff: 10s
  topology: "ring"

store:
  type: "database"
  sweep_interval: 30s
  hint_ttl: 2m

bus:
  quarantine_threshold: 10

database:
  driver: "sqlite"
  name: "/tmp/fleet.db"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 5, cfg.Fleet.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Fleet.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.Fleet.MaxBackoff)
	assert.Equal(t, "ring", cfg.Fleet.Topology)

	assert.Equal(t, "database", cfg.Store.Type)
	assert.Equal(t, 30*time.Second, cfg.Store.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.Store.HintTTL)
	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, 720*time.Hour, cfg.Store.EventRetention)

	assert.Equal(t, 10, cfg.Bus.QuarantineThreshold)
	assert.Equal(t, "/tmp/fleet.db", cfg.Database.Name)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTFLEET_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTFLEET_FLEET_MAX_RETRIES", "7")
	t.Setenv("AGENTFLEET_FLEET_CANCEL_GRACE", "750ms")
	t.Setenv("AGENTFLEET_FLEET_ADAPTIVE_LOAD_THRESHOLD", "0.8")
	t.Setenv("AGENTFLEET_STORE_TYPE", "redis")
	t.Setenv("AGENTFLEET_STORE_AUTO_MIGRATE", "true")
	t.Setenv("AGENTFLEET_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTFLEET_SERVER_ALLOWED_ORIGINS", "a.example.com, b.example.com")
	t.Setenv("AGENTFLEET_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 7, cfg.Fleet.MaxRetries)
	assert.Equal(t, 750*time.Millisecond, cfg.Fleet.CancelGrace)
	assert.InDelta(t, 0.8, cfg.Fleet.AdaptiveLoadThreshold, 1e-9)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.True(t, cfg.Store.AutoMigrate)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
fleet:
  max_retries: 4
  topology: "star"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	// 环境变量应该覆盖 YAML
	t.Setenv("AGENTFLEET_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTFLEET_FLEET_MAX_RETRIES", "2")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 2, cfg.Fleet.MaxRetries)
	// YAML 值应该保留（没有被环境变量覆盖）
	assert.Equal(t, "star", cfg.Fleet.Topology)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_STORE_TYPE", "database")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "database", cfg.Store.Type)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTFLEET_FLEET_BASE_BACKOFF", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTFLEET_FLEET_BASE_BACKOFF")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTFLEET_SERVER_HTTP_PORT", "80")

	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_BuiltinValidateAsValidator(t *testing.T) {
	t.Setenv("AGENTFLEET_STORE_TYPE", "etcd")

	_, err := NewLoader().
		WithValidator((*Config).Validate).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.type")
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 指定不存在的文件，应该使用默认值（不报错）
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestMustLoad_PanicsOnInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "broken.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("fleet: ["), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}, wantErr: false},
		{name: "invalid HTTP port (negative)", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: true},
		{name: "invalid HTTP port (too large)", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: true},
		{name: "zero max retries", modify: func(c *Config) { c.Fleet.MaxRetries = 0 }, wantErr: true},
		{name: "max backoff below base", modify: func(c *Config) { c.Fleet.MaxBackoff = c.Fleet.BaseBackoff / 2 }, wantErr: true},
		{name: "adaptive threshold above one", modify: func(c *Config) { c.Fleet.AdaptiveLoadThreshold = 1.5 }, wantErr: true},
		{name: "unknown topology", modify: func(c *Config) { c.Fleet.Topology = "torus" }, wantErr: true},
		{name: "unknown store type", modify: func(c *Config) { c.Store.Type = "etcd" }, wantErr: true},
		{name: "database store with unknown driver", modify: func(c *Config) {
			c.Store.Type = "database"
			c.Database.Driver = "oracle"
		}, wantErr: true},
		{name: "redis store without addr", modify: func(c *Config) {
			c.Store.Type = "redis"
			c.Redis.Addr = ""
		}, wantErr: true},
		{name: "short signing key", modify: func(c *Config) { c.Auth.GrantSigningKey = "short" }, wantErr: true},
		{name: "valid signing key", modify: func(c *Config) {
			c.Auth.GrantSigningKey = "0123456789abcdef0123456789abcdef"
		}, wantErr: false},
		{name: "unknown log level", modify: func(c *Config) { c.Log.Level = "trace" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Fleet.MaxRetries = 0
	cfg.Store.Type = "nope"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "fleet.max_retries")
	assert.Contains(t, err.Error(), "store.type")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "db", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "db",
			},
			expected: "user:pass@tcp(localhost:3306)/db?parseTime=true",
		},
		{
			name:     "sqlite",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}
