// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentFleet 服务端程序入口。

# 概述

cmd/agentfleet 把协调存储、事件总线与舰队管理器装配成一个 HTTP 服务，
并提供数据库迁移、授权令牌签发与状态查询等子命令（cobra）。

# 核心类型

  - App：组合根，按依赖顺序创建组件、逆序关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 子命令

  - serve：启动服务（--addr 覆盖监听地址）。postgres/mysql 未开启
    store.auto_migrate 时，先确认表结构已迁移到最新版本
  - migrate up|down|reset|status|version|info|steps|goto|force
  - token --principal <id> --level <level>：签发 Bearer 授权令牌
  - status：查询运行中服务的舰队状态
  - version：版本信息，Version、BuildTime、GitCommit 通过 ldflags 注入

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、MetricsMiddleware、
RequestLogger、CORS、RateLimiter（基于 IP，x/time/rate）。
舰队变更接口额外要求 system 级授权令牌。

# 优雅关闭

收到 SIGINT/SIGTERM 后依次关闭 HTTP 服务、WebSocket 事件流、
舰队管理器、事件总线、协调存储、数据库连接池与 Redis 连接，
最后刷新遥测数据。
*/
package main
