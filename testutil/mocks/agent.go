// MockAgent 是 fleet.Agent 的测试模拟实现。
//
// 支持脚本化的执行结果、初始化失败、忽略取消信号等场景。
package mocks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/eventbus"
	"github.com/BaSui01/agentfleet/fleet"
)

// --- MockAgent 结构 ---

// Result 一次 Execute 的脚本化结果
type Result struct {
	Output string
	Err    error
}

// MockAgent 是 fleet.Agent 的模拟实现
type MockAgent struct {
	mu sync.Mutex

	// 初始化行为
	initErr   error
	initDelay time.Duration

	// 执行行为
	results      []Result
	executeFunc  func(ctx context.Context, task fleet.Task, call int) (fleet.TaskOutput, error)
	delay        time.Duration
	block        bool
	ignoreCancel bool
	unblock      chan struct{}
	unblockOnce  sync.Once

	// 初始化时通过 AgentContext 建立的资源
	subscribePattern string
	hintKey          string

	// 调用记录
	actx           *fleet.AgentContext
	initCalls      int
	executeCalls   int
	terminateCalls int
	tasks          []fleet.Task
	received       []string
}

// --- 构造函数和 Builder 方法 ---

// NewMockAgent 创建新的 MockAgent，默认原样返回输入
func NewMockAgent() *MockAgent {
	return &MockAgent{unblock: make(chan struct{})}
}

// WithInitError 设置 Initialize 返回的错误
func (m *MockAgent) WithInitError(err error) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
	return m
}

// WithInitDelay 设置 Initialize 的耗时（尊重 ctx）
func (m *MockAgent) WithInitDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initDelay = d
	return m
}

// WithResults 按调用顺序设置执行结果，用完后重复最后一个
func (m *MockAgent) WithResults(results ...Result) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append([]Result(nil), results...)
	return m
}

// WithExecuteFunc 设置自定义 Execute 函数，call 从 1 开始
func (m *MockAgent) WithExecuteFunc(fn func(ctx context.Context, task fleet.Task, call int) (fleet.TaskOutput, error)) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executeFunc = fn
	return m
}

// WithDelay 设置执行耗时（尊重 ctx）
func (m *MockAgent) WithDelay(d time.Duration) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithBlock 让 Execute 阻塞直到 ctx 取消；ignoreCancel 为 true 时阻塞到 Unblock 被调用
func (m *MockAgent) WithBlock(ignoreCancel bool) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = true
	m.ignoreCancel = ignoreCancel
	return m
}

// WithSubscription 初始化时订阅 pattern
func (m *MockAgent) WithSubscription(pattern string) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribePattern = pattern
	return m
}

// WithHint 初始化时发布一条 hint
func (m *MockAgent) WithHint(key string) *MockAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hintKey = key
	return m
}

// Unblock 释放被 WithBlock(true) 阻塞的 Execute
func (m *MockAgent) Unblock() {
	m.unblockOnce.Do(func() { close(m.unblock) })
}

// --- fleet.Agent 接口实现 ---

// Initialize 实现 fleet.Agent
func (m *MockAgent) Initialize(ctx context.Context, actx *fleet.AgentContext) error {
	m.mu.Lock()
	m.initCalls++
	m.actx = actx
	initErr, delay := m.initErr, m.initDelay
	pattern, hintKey := m.subscribePattern, m.hintKey
	m.mu.Unlock()

	if pattern != "" {
		if _, err := actx.Subscribe(pattern, m.record); err != nil {
			return err
		}
	}
	if hintKey != "" {
		if err := actx.PostHint(ctx, hintKey, []byte(actx.AgentID()), 0); err != nil {
			return err
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return initErr
}

// Execute 实现 fleet.Agent
func (m *MockAgent) Execute(ctx context.Context, task fleet.Task) (fleet.TaskOutput, error) {
	m.mu.Lock()
	m.executeCalls++
	call := m.executeCalls
	m.tasks = append(m.tasks, task)
	fn, results := m.executeFunc, m.results
	delay, block, ignoreCancel := m.delay, m.block, m.ignoreCancel
	m.mu.Unlock()

	if block {
		if ignoreCancel {
			<-m.unblock
			return fleet.TaskOutput{}, ctx.Err()
		}
		<-ctx.Done()
		return fleet.TaskOutput{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fleet.TaskOutput{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, task, call)
	}
	if len(results) == 0 {
		return fleet.TaskOutput{Data: task.Input}, nil
	}
	idx := call - 1
	if idx >= len(results) {
		idx = len(results) - 1
	}
	r := results[idx]
	if r.Err != nil {
		return fleet.TaskOutput{}, r.Err
	}
	return fleet.TaskOutput{Data: []byte(r.Output)}, nil
}

// Terminate 实现 fleet.Agent
func (m *MockAgent) Terminate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateCalls++
}

func (m *MockAgent) record(ctx context.Context, ev eventbus.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, ev.Topic)
	return nil
}

// --- 调用记录 ---

// InitCalls 返回 Initialize 调用次数
func (m *MockAgent) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// ExecuteCalls 返回 Execute 调用次数
func (m *MockAgent) ExecuteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeCalls
}

// TerminateCalls 返回 Terminate 调用次数
func (m *MockAgent) TerminateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCalls
}

// Tasks 返回收到的任务
func (m *MockAgent) Tasks() []fleet.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fleet.Task(nil), m.tasks...)
}

// ReceivedTopics 返回订阅收到的事件主题
func (m *MockAgent) ReceivedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.received...)
}

// Context 返回最近一次 Initialize 收到的 AgentContext
func (m *MockAgent) Context() *fleet.AgentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actx
}

// --- 工厂 ---

// Factory 返回始终产出 m 的工厂
func (m *MockAgent) Factory() fleet.Factory {
	return func(fleet.AgentSpec, *zap.Logger) (fleet.Agent, error) {
		return m, nil
	}
}

// QueueFactory 按顺序产出给定的 Agent，用完后产出默认 MockAgent
func QueueFactory(agents ...*MockAgent) fleet.Factory {
	var mu sync.Mutex
	queue := append([]*MockAgent(nil), agents...)
	return func(fleet.AgentSpec, *zap.Logger) (fleet.Agent, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(queue) == 0 {
			return NewMockAgent(), nil
		}
		next := queue[0]
		queue = queue[1:]
		return next, nil
	}
}
