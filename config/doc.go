// Package config 提供 AgentFleet 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 AGENTFLEET）的顺序叠加，
// 覆盖服务器、Agent 调度、协调存储、事件总线、数据库、Redis、日志、
// 遥测与授权令牌等子配置。Validate 一次性收集全部错误。
package config
