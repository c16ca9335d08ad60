// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 AgentFleet 提供集中式的 TracerProvider 和 MeterProvider 配置，
// 并向 fleet.Manager 与 HTTP 中间件提供 Tracer。资源属性包含服务名、
// 命名空间、版本与实例 ID，根 span 按配置比例采样并遵循上游决定。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
