// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentFleet 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 eventbus、coordination、
fleet 等上层模块提供统一的错误契约，避免循环依赖。

# 错误分类

  - VALIDATION / INVALID_PARTITION：输入不合法，调用方可恢复
  - ACCESS_DENIED：访问级别不足，可恢复
  - NOT_FOUND：条目不存在或已过期
  - INITIALIZATION：Agent 启动失败，仅影响本次 spawn
  - STORAGE：持久化存储故障，影响整个 fleet
  - TIMEOUT：超过截止时间，可重试/重新排队
  - TASK：Agent 上报的任务失败，按策略重试
  - FLEET_FAULTED：fleet 处于故障状态，暂停派发

# 主要能力

  - 构造：NewError / NewValidationError / NewStorageError 等
  - 判定：AsError / IsErrorCode / IsRetryable / GetErrorCode（均支持 errors.As 链）
*/
package types
