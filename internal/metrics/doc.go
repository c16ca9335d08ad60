// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、事件总线、协调存储、Agent 生命周期、缓存与数据库六个维度。

# 概述

每个 Collector 持有独立的 prometheus.Registry，通过 promauto.With
注册全部向量指标，并通过 Handler 暴露给 /metrics 端点。
所有指标按 namespace 隔离。nil *Collector 可以安全调用任何 Record 方法，
便于上层组件把指标作为可选依赖。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 事件总线：发布数（按 topic 命名空间）、投递结果、隔离次数、活跃订阅数。
  - 协调存储：按 backend/operation 统计操作次数、耗时与清理数量。
  - Agent：执行次数与耗时、状态转换、按状态分组的数量、任务结果与重试。
  - 缓存与数据库：命中/未命中计数、连接池 Gauge。
*/
package metrics
