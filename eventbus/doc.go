// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package eventbus 提供单进程内的发布/订阅事件总线。

# 概述

Bus 按 topic 模式（精确匹配、"*" 全匹配、以 "*" 结尾的前缀匹配）维护订阅桶。
每个订阅拥有独立的投递队列与 goroutine：Emit 只负责入队，从不阻塞发布方，
慢处理器也不会拖慢其他订阅者。

# 投递语义

  - 同一订阅者按发布顺序接收事件，不同订阅者之间无顺序保证
  - 处理器返回的 error 与 panic 均被捕获并记录，不会传播给发布方或其他订阅者
  - 连续失败达到 QuarantineThreshold 次的订阅会被隔离移除，
    并发布诊断事件 TopicSubscriptionQuarantined
  - 队列已满时事件被丢弃并计入 Stats().Dropped

# 生命周期

订阅在 Unsubscribe、UnsubscribeOwner（Agent 终止）、隔离或 Close 时移除。
owner → 订阅 ID 的旁路表只用于查找；投递前检查订阅的 active 标志，
已移除的订阅不会再被调用。空桶在移除最后一个订阅时立即清理。

# 事件日志

通过 WithEventLog 挂接 EventLog 后，事件由后台 goroutine 异步写入，
可用 Replay 按模式与时间重放。
*/
package eventbus
