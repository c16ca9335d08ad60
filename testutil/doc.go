// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 AgentFleet 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，
避免重复实现相似的测试基础设施。本包只依赖 types，
因此 eventbus、coordination 等底层包的测试也可以直接使用。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 错误断言: AssertErrorCode 按 types.ErrorCode 匹配错误链
  - 异步断言: AssertEventuallyTrue 轮询等待条件满足；WaitForChannel 带超时接收
  - 并发收集: Recorder[T]，在事件处理器中安全记录回调

# 子包

  - testutil/mocks: 可编排的 MockAgent，支持按调用次数返回结果、失败、
    阻塞或忽略取消，用于 fleet 调度测试；FaultyBackend 为协调存储后端注入故障
  - testutil/fixtures: 测试数据工厂，提供预置 AgentSpec 与 Task

# 使用示例

	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithResults(
		mocks.Result{Err: errors.New("flaky")},
		mocks.Result{Output: "ok"},
	)
	_, err := manager.DispatchTask(ctx, task, opts)
	require.NoError(t, err)
*/
package testutil
