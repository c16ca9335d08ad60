package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task 池中执行的工作单元
type Task func(ctx context.Context) error

// GoroutinePool 有界 worker 池
type GoroutinePool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32

	// mu 保护 closed 与 taskQueue 的关闭，避免向已关闭的通道发送
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64

	idleTimeout time.Duration
	logger      *zap.Logger
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// Config 池配置
type Config struct {
	MaxWorkers  int           `json:"max_workers"`
	QueueSize   int           `json:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// NewGoroutinePool 创建 worker 池
func NewGoroutinePool(cfg Config, logger *zap.Logger) *GoroutinePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{
		maxWorkers:  cfg.MaxWorkers,
		taskQueue:   make(chan taskWrapper, cfg.QueueSize),
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.With(zap.String("component", "goroutine_pool")),
	}
}

// =============================================================================
// 🎯 提交
// =============================================================================

// Submit 非阻塞提交；队列满且无法扩容时返回 ErrPoolFull
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	_, err := p.submit(ctx, task, false)
	return err
}

// Go 阻塞直到任务入队（或 ctx 结束），返回只会收到一次结果的通道
func (p *GoroutinePool) Go(ctx context.Context, task Task) (<-chan error, error) {
	return p.submit(ctx, task, true)
}

// SubmitWait 提交并等待任务完成
func (p *GoroutinePool) SubmitWait(ctx context.Context, task Task) error {
	result, err := p.submit(ctx, task, true)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GoroutinePool) submit(ctx context.Context, task Task, block bool) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	p.submitted.Add(1)
	w := taskWrapper{task: task, ctx: ctx, result: make(chan error, 1)}

	select {
	case p.taskQueue <- w:
		p.ensureWorker()
		return w.result, nil
	default:
	}

	// 队列满：先尝试扩容
	if p.trySpawnWorker() {
		select {
		case p.taskQueue <- w:
			return w.result, nil
		default:
		}
	}
	if !block {
		p.rejected.Add(1)
		return nil, ErrPoolFull
	}

	select {
	case p.taskQueue <- w:
		p.ensureWorker()
		return w.result, nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return nil, ctx.Err()
	}
}

func (p *GoroutinePool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *GoroutinePool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

// =============================================================================
// 🔧 Worker
// =============================================================================

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case w, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.execute(w)
			p.activeCount.Add(-1)

			w.result <- err
			close(w.result)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 至少保留一个 worker
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) execute(w taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return w.task(w.ctx)
}

// Close 停止接收任务并等待已入队任务执行完毕
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// =============================================================================
// 📊 统计
// =============================================================================

// Stats 返回池统计信息
func (p *GoroutinePool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats 池统计信息
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
}
