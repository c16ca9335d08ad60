// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理 fleet 管理面 HTTP/HTTPS 服务器的生命周期。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
HTTPS 模式的 TLS 参数来自 internal/tlsutil.ServerTLSConfig。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，提供
    Start/StartTLS/Shutdown/Wait 等生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与优雅
    关闭超时；ConfigFromServer 由 config.ServerConfig 构建。

# 主要能力

  - 非阻塞启动：Start/StartTLS 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - 等待：Wait 阻塞到 ctx 结束或服务异常退出，关闭顺序由调用方编排。
  - 状态查询：Addr 在启动后返回实际绑定地址，便于 ":0" 监听。
*/
package server
