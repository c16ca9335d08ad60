package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/BaSui01/agentfleet/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 Providers
// =============================================================================

// serviceNamespace 所有 AgentFleet 进程共享的 service.namespace
const serviceNamespace = "agentfleet"

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测关闭时两者均为 nil，Tracer 回退到全局 provider，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option 初始化选项
type Option func(*options)

type options struct {
	version    string
	instanceID string
	attrs      []attribute.KeyValue
}

// WithServiceVersion 覆盖 service.version（默认取构建信息）
func WithServiceVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithInstanceID 设置 service.instance.id（默认取主机名）
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithResourceAttributes 追加资源属性，例如存储后端类型
func WithResourceAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// Init 按配置初始化 OTel SDK 并注册为全局 provider。
// cfg.Enabled 为 false 时返回 noop Providers，不连接任何外部服务。
func Init(cfg config.TelemetryConfig, logger *zap.Logger, opts ...Option) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, spans are not exported")
		return &Providers{}, nil
	}

	o := options{version: Version()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			o.instanceID = host
		}
	}

	ctx := context.Background()
	res, err := newResource(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	spanExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = spanExp.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p := &Providers{
		tp: newTracerProvider(sdktrace.WithBatcher(spanExp), res, cfg.SampleRate),
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		),
	}

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", serviceName(cfg)),
		zap.String("instance_id", o.instanceID),
		zap.Float64("sample_rate", clampRate(cfg.SampleRate)),
	)
	return p, nil
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return serviceNamespace
	}
	return cfg.ServiceName
}

func newResource(ctx context.Context, cfg config.TelemetryConfig, o options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName(cfg)),
		semconv.ServiceNamespaceKey.String(serviceNamespace),
		semconv.ServiceVersionKey.String(o.version),
	}
	if o.instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(o.instanceID))
	}
	attrs = append(attrs, o.attrs...)

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// newTracerProvider 尊重上游采样决定，根 span 按比例采样
func newTracerProvider(processor sdktrace.TracerProviderOption, res *resource.Resource, rate float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(rate)))),
	)
}

// clampRate 把采样率限制在 [0, 1]
func clampRate(rate float64) float64 {
	switch {
	case rate < 0:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}

// Enabled 是否导出遥测数据
func (p *Providers) Enabled() bool {
	return p != nil && p.tp != nil
}

// Tracer 返回 SDK provider 的 tracer；遥测关闭时使用全局 provider
func (p *Providers) Tracer(name string) trace.Tracer {
	if !p.Enabled() {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown 刷新未导出的 span 和指标并关闭 exporter，nil 与 noop 均安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Version 从构建信息读取模块版本，本地构建返回 "dev"
func Version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		switch v := info.Main.Version; v {
		case "", "(devel)":
		default:
			return v
		}
	}
	return "dev"
}
