package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentfleet/api/handlers"
	"github.com/BaSui01/agentfleet/config"
	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/eventbus"
	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/internal/cache"
	"github.com/BaSui01/agentfleet/internal/database"
	"github.com/BaSui01/agentfleet/internal/metrics"
	"github.com/BaSui01/agentfleet/internal/migration"
	"github.com/BaSui01/agentfleet/internal/server"
	"github.com/BaSui01/agentfleet/internal/telemetry"
)

// =============================================================================
// 🖥️ App 组合根
// =============================================================================

// App 持有服务运行所需的全部组件，按依赖顺序创建、逆序关闭
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	providers *telemetry.Providers
	collector *metrics.Collector
	pool      *database.PoolManager
	redis     *cache.Manager
	store     *coordination.Store
	grants    *coordination.GrantIssuer
	bus       *eventbus.Bus
	registry  *fleet.Registry
	fleet     *fleet.Manager
	stream    *handlers.EventStreamHandler
	http      *server.Manager

	// 后台循环（清理、健康检查、限流器回收）的生命周期
	bgCtx    context.Context
	bgCancel context.CancelFunc

	listenAddr string
}

// appOption 装配可选项
type appOption func(*App)

// withListenAddr 覆盖 server.http_port 推导出的监听地址
func withListenAddr(addr string) appOption {
	return func(a *App) { a.listenAddr = addr }
}

// newApp 按配置装配全部组件。出错时已创建的组件会被关闭。
func newApp(cfg *config.Config, logger *zap.Logger, opts ...appOption) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	if err := a.init(); err != nil {
		_ = a.closeComponents(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg, logger := a.cfg, a.logger

	providers, err := telemetry.Init(cfg.Telemetry, logger,
		telemetry.WithServiceVersion(buildVersion()),
		telemetry.WithResourceAttributes(attribute.String("agentfleet.store", cfg.Store.Type)),
	)
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without it", zap.Error(err))
	}
	a.providers = providers
	a.collector = metrics.NewCollector("agentfleet", logger)

	if err := a.initStore(); err != nil {
		return err
	}

	busOpts := []eventbus.Option{eventbus.WithMetrics(a.collector)}
	if cfg.Bus.PersistEvents {
		busOpts = append(busOpts, eventbus.WithEventLog(a.store))
	}
	a.bus = eventbus.NewBus(eventbus.ConfigFromBusConfig(cfg.Bus), logger, busOpts...)

	a.registry = fleet.NewRegistry(logger)
	a.fleet = fleet.NewManager(
		fleet.ConfigFromFleetConfig(cfg.Fleet),
		a.store, a.bus, a.registry, logger,
		fleet.WithMetrics(a.collector),
		fleet.WithTracer(a.providers.Tracer("agentfleet/fleet")),
	)

	streamCfg := handlers.DefaultEventStreamConfig()
	streamCfg.OriginPatterns = cfg.Server.AllowedOrigins
	a.stream = handlers.NewEventStreamHandler(a.bus, streamCfg, logger)

	serverCfg := server.ConfigFromServer(cfg.Server)
	if a.listenAddr != "" {
		serverCfg.Addr = a.listenAddr
	}
	a.http = server.NewManager(a.buildHandler(), serverCfg, logger)
	return nil
}

// initStore 创建存储后端所需连接与协调存储
func (a *App) initStore() error {
	storeCfg := a.cfg.Store
	deps := coordination.BackendDeps{
		RedisConfig: a.cfg.Redis,
		Metrics:     a.collector,
		Logger:      a.logger,
	}

	switch storeCfg.Type {
	case coordination.BackendDatabase:
		db, err := a.openDatabase()
		if err != nil {
			return err
		}
		deps.DB = db
		// sqlite 不走迁移，表结构只能由 AutoMigrate 创建
		if a.cfg.Database.Driver == database.DriverSQLite {
			storeCfg.AutoMigrate = true
		}
		if !storeCfg.AutoMigrate {
			if err := checkSchema(db, a.cfg.Database.Driver); err != nil {
				return err
			}
		}

	case coordination.BackendRedis:
		rm, err := cache.NewManager(coordination.RedisOptions(a.cfg.Redis), cache.DefaultConfig(), a.logger,
			cache.WithMetrics(a.collector, "redis"))
		if err != nil {
			return err
		}
		a.redis = rm
		deps.Redis = rm.Client()
	}

	backend, err := coordination.NewBackend(storeCfg, deps)
	if err != nil {
		return fmt.Errorf("create %s backend: %w", storeCfg.Type, err)
	}

	a.grants, err = coordination.NewGrantIssuerFromConfig(a.cfg.Auth)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("create grant issuer: %w", err)
	}
	if a.grants == nil {
		a.logger.Warn("auth.grant_signing_key not set, token endpoints and fleet mutations are disabled")
	}

	a.store = coordination.NewStore(backend, coordination.OptionsFromConfig(storeCfg), a.logger,
		coordination.WithGrantIssuer(a.grants),
		coordination.WithMetrics(a.collector),
	)
	return nil
}

// checkSchema 拒绝在未执行 `agentfleet migrate up` 的库上启动
func checkSchema(db *gorm.DB, driver string) error {
	dbType, err := migration.ParseDatabaseType(driver)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := migration.CheckSchema(ctx, sqlDB, dbType, migration.DefaultTableName); err != nil {
		return fmt.Errorf("%w (run `agentfleet migrate up` or set store.auto_migrate)", err)
	}
	return nil
}

func (a *App) openDatabase() (*gorm.DB, error) {
	db, err := database.Open(a.cfg.Database, a.logger)
	if err != nil {
		return nil, err
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFromDatabase(a.cfg.Database), a.logger,
		database.WithPoolMetrics(a.collector, "coordination"))
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	a.pool = pool
	return db, nil
}

// =============================================================================
// 🧭 路由
// =============================================================================

func (a *App) buildHandler() http.Handler {
	health := handlers.NewHealthHandler(buildVersion(), a.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", a.store.Ping))
	health.RegisterCheck(handlers.NewFleetCheck(a.fleet))
	if a.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", a.pool.Ping))
	}
	if a.redis != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", a.redis.Ping))
	}

	fleetH := handlers.NewFleetHandler(a.fleet, a.logger)
	memoryH := handlers.NewMemoryHandler(a.store, a.logger)

	// grants 为 nil 时 RequireGrant 一律拒绝
	var verifier handlers.GrantVerifier
	if a.grants != nil {
		verifier = a.grants
	}
	admin := handlers.RequireGrant(verifier, coordination.AccessSystem, a.logger)
	member := handlers.RequireGrant(verifier, coordination.AccessPrivate, a.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion)
	mux.Handle("GET /metrics", a.collector.Handler())

	mux.HandleFunc("GET /v1/fleet/status", fleetH.HandleStatus)
	mux.HandleFunc("GET /v1/fleet/agents", fleetH.HandleListAgents)
	mux.HandleFunc("GET /v1/fleet/agents/{id}", fleetH.HandleGetAgent)
	mux.Handle("POST /v1/fleet/agents/{id}/terminate", admin(http.HandlerFunc(fleetH.HandleTerminateAgent)))
	mux.Handle("POST /v1/fleet/agents/{id}/recover", admin(http.HandlerFunc(fleetH.HandleRecoverAgent)))
	mux.Handle("PUT /v1/fleet/topology", admin(http.HandlerFunc(fleetH.HandleSetTopology)))

	mux.Handle("GET /v1/grants/self", member(http.HandlerFunc(handlers.HandleGrantSelf)))
	mux.HandleFunc("GET /v1/memory/{partition}/{key...}", memoryH.HandleGet)
	mux.HandleFunc("GET /v1/events/ws", a.stream.HandleStream)

	srv := a.cfg.Server
	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(a.providers.Tracer("agentfleet/http")),
		MetricsMiddleware(a.collector),
		RequestLogger(a.logger),
		CORS(srv.AllowedOrigins),
		RateLimiter(a.bgCtx, float64(srv.RateLimitRPS), srv.RateLimitBurst, a.logger),
	)
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Start 恢复 Agent 表，启动后台循环并开始监听
func (a *App) Start(ctx context.Context) error {
	restored, err := a.fleet.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore fleet: %w", err)
	}

	a.store.Start(a.bgCtx)
	a.fleet.Start(a.bgCtx)

	srv := a.cfg.Server
	if srv.TLSCertFile != "" && srv.TLSKeyFile != "" {
		err = a.http.StartTLS(srv.TLSCertFile, srv.TLSKeyFile)
	} else {
		err = a.http.Start()
	}
	if err != nil {
		return err
	}

	a.logger.Info("agentfleet started",
		zap.String("addr", a.http.Addr()),
		zap.String("store", a.store.Backend().Name()),
		zap.Int("restored_agents", restored),
		zap.Bool("tls", srv.TLSCertFile != ""),
	)
	return nil
}

// Wait 阻塞直到 ctx 结束或 HTTP 服务异常退出
func (a *App) Wait(ctx context.Context) error {
	return a.http.Wait(ctx)
}

// Addr 返回实际监听地址
func (a *App) Addr() string {
	return a.http.Addr()
}

// Shutdown 先停止接收请求，再依次关闭事件流、舰队、总线与存储
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if err := a.closeComponents(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeComponents(ctx context.Context) error {
	var errs []error
	if a.stream != nil {
		a.stream.Close()
	}
	if a.fleet != nil {
		if err := a.fleet.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("fleet: %w", err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	a.bgCancel()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.providers.Shutdown(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}
