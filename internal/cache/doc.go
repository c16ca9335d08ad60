// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理协调存储 redis 后端与就绪检查共享的 Redis 连接。

# 概述

Manager 在创建时完成一次探活，之后由后台循环定期 Ping，
并把连接池状态写入 Prometheus 指标。客户端通过 Client 暴露给
coordination.NewBackend，生命周期仍由 Manager 负责。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Client/Ping/Stats/Close。
  - Config：建连探活超时与健康检查间隔。

# 主要能力

  - 启动探活：地址不可达时 NewManager 直接返回错误。
  - 健康检查：后台定时 Ping，失败时通过 zap 日志告警。
  - 优雅关闭：Close 先停止健康检查再关闭客户端，可重复调用。
*/
package cache
