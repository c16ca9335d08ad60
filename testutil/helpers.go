package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/agentfleet/types"
)

// pollInterval 异步断言的轮询间隔
const pollInterval = 10 * time.Millisecond

// TestContext 返回 30 秒后超时的上下文，测试结束时自动取消
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertErrorCode 断言错误链中某个 *types.Error 携带 code
func AssertErrorCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	switch {
	case err == nil:
		t.Errorf("expected %s error, got nil", code)
	case !types.IsErrorCode(err, code):
		t.Errorf("expected %s error, got code %q: %v", code, types.GetErrorCode(err), err)
	}
}

// AssertEventuallyTrue 在 timeout 内轮询 condition，超时记为失败
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			if !condition() {
				t.Errorf("condition not met within %v", timeout)
			}
			return
		case <-ticker.C:
		}
	}
}

// WaitForChannel 从 ch 接收一个值（已关闭的通道视为收到），超时返回 false
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Recorder 并发安全地收集总线处理器等回调中的值
type Recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

// Add 追加一个值
func (r *Recorder[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

// Len 已记录数量
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Items 返回副本
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}
