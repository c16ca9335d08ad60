package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/internal/ctxkeys"
	"github.com/BaSui01/agentfleet/types"
)

// metricTaskDuration 每次尝试写入 performance_metrics 的指标名
const metricTaskDuration = "task_duration_seconds"

// 步骤 ID 格式
func attemptStepID(taskID, agentID string, attempt int) string {
	return fmt.Sprintf("%s/%s/attempt-%d", taskID, agentID, attempt)
}

func agentOutcomeStepID(taskID, agentID string) string {
	return fmt.Sprintf("%s/%s/outcome", taskID, agentID)
}

func taskOutcomeStepID(taskID string) string {
	return taskID + "/outcome"
}

// dispatchRun 一次分发的上下文
type dispatchRun struct {
	task        Task
	strategy    Strategy
	reducer     Reducer
	quorum      int
	maxAttempts int
	timeout     time.Duration
	// prior 按 StepID 索引的已持久化步骤（用于重启后续跑）
	prior map[string]coordination.WorkflowStep
	log   *zap.Logger
}

// =============================================================================
// 📨 分发入口
// =============================================================================

// DispatchTask 按策略将任务分发给 Agent 并聚合结果。
//
// 一旦进入分发，总会返回 TaskResult；状态不是 Completed 时同时返回错误
// （TASK 或 TIMEOUT，存储故障时为 STORAGE）。每次尝试、每个 Agent 的最终结果
// 以及任务最终结果都会记录为 WorkflowState 步骤，重复分发同一任务 ID 时从已记录的
// 尝试次数继续。
func (m *Manager) DispatchTask(ctx context.Context, task Task, opts DispatchOptions) (*TaskResult, error) {
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if strings.Contains(task.ID, "/") {
		return nil, types.NewValidationError("task id %q must not contain '/'", task.ID)
	}
	if task.WorkflowID == "" {
		task.WorkflowID = task.ID
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyAdaptive
	}
	if opts.Reducer == "" {
		opts.Reducer = ReducerAllComplete
	}
	switch opts.Strategy {
	case StrategyParallel, StrategySequential, StrategyAdaptive:
	default:
		return nil, types.NewValidationError("unknown strategy %q", opts.Strategy)
	}
	switch opts.Reducer {
	case ReducerFirstSuccess, ReducerAllComplete, ReducerQuorum:
	default:
		return nil, types.NewValidationError("unknown reducer %q", opts.Reducer)
	}

	targets, err := m.selectTargets(task)
	if err != nil {
		return nil, err
	}

	run := &dispatchRun{
		task:        task,
		strategy:    opts.Strategy,
		reducer:     opts.Reducer,
		quorum:      opts.Quorum,
		maxAttempts: task.MaxRetries,
		timeout:     task.Timeout,
	}
	if run.maxAttempts <= 0 {
		run.maxAttempts = m.cfg.MaxRetries
	}
	if run.timeout <= 0 {
		run.timeout = m.cfg.TaskTimeout
	}
	if run.quorum <= 0 {
		run.quorum = len(targets)/2 + 1
	}
	if run.reducer == ReducerQuorum && run.quorum > len(targets) {
		return nil, types.NewValidationError("quorum %d exceeds %d target agents", run.quorum, len(targets))
	}
	if run.strategy == StrategyAdaptive {
		run.strategy = m.adaptiveStrategy()
	}
	run.log = m.logger.With(
		zap.String("task_id", task.ID),
		zap.String("workflow_id", task.WorkflowID),
		zap.String("strategy", string(run.strategy)))

	ctx, span := m.tracer.Start(ctx, "fleet.dispatch", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("workflow.id", task.WorkflowID),
		attribute.String("dispatch.strategy", string(run.strategy)),
		attribute.Int("dispatch.targets", len(targets)),
	))
	defer span.End()
	ctx = ctxkeys.WithTaskID(ctx, task.ID)
	ctx = ctxkeys.WithWorkflowID(ctx, task.WorkflowID)

	steps, err := m.store.ListWorkflowSteps(ctx, task.WorkflowID, task.ID+"/")
	m.noteStoreErr(err)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	run.prior = make(map[string]coordination.WorkflowStep, len(steps))
	for _, st := range steps {
		run.prior[st.StepID] = st
	}

	result := &TaskResult{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		Strategy:   run.strategy,
		StartedAt:  m.now(),
	}
	if run.strategy == StrategyParallel {
		result.Reducer = run.reducer
	}

	run.log.Info("task dispatched", zap.Int("targets", len(targets)))
	m.emit(TopicTaskStarted, TaskEvent{TaskID: task.ID, WorkflowID: task.WorkflowID, Strategy: run.strategy})

	var storeErr error
	if run.strategy == StrategyParallel {
		storeErr = m.runParallel(ctx, run, targets, result)
	} else {
		storeErr = m.runSequential(ctx, run, targets, result)
	}
	result.Duration = time.Since(result.StartedAt)

	resultErr := m.finish(ctx, run, result, storeErr)
	span.SetAttributes(attribute.String("task.status", string(result.Status)))
	if resultErr != nil {
		span.RecordError(resultErr)
		span.SetStatus(codes.Error, result.Error)
	}
	return result, resultErr
}

// selectTargets 解析目标 Agent。显式指定时保持给定顺序，否则按创建时间选取全部匹配的 Active Agent。
func (m *Manager) selectTargets(task Task) ([]AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(task.AgentIDs) > 0 {
		seen := make(map[string]struct{}, len(task.AgentIDs))
		out := make([]AgentRecord, 0, len(task.AgentIDs))
		for _, id := range task.AgentIDs {
			if _, dup := seen[id]; dup {
				return nil, types.NewValidationError("agent %s listed twice", id)
			}
			seen[id] = struct{}{}
			entry, ok := m.agents[id]
			if !ok {
				return nil, types.NewNotFoundError("agent %s not found", id)
			}
			if entry.record.Status != StatusActive {
				return nil, types.NewValidationError("agent %s is %s, not active", id, entry.record.Status)
			}
			if !entry.record.HasCapabilities(task.RequiredCapabilities) {
				return nil, types.NewValidationError("agent %s lacks required capabilities", id)
			}
			out = append(out, entry.record.clone())
		}
		return out, nil
	}

	var out []AgentRecord
	for _, entry := range m.agents {
		if entry.record.Status == StatusActive && entry.record.HasCapabilities(task.RequiredCapabilities) {
			out = append(out, entry.record.clone())
		}
	}
	if len(out) == 0 {
		return nil, types.NewValidationError("no active agent matches the task")
	}
	sortRecords(out)
	return out, nil
}

// Load 返回当前负载：有进行中任务的 Active Agent 占全部 Active Agent 的比例
func (m *Manager) Load() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() float64 {
	active, busy := 0, 0
	for _, e := range m.agents {
		if e.record.Status != StatusActive {
			continue
		}
		active++
		if e.record.ActiveTasks > 0 {
			busy++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(busy) / float64(active)
}

func (m *Manager) adaptiveStrategy() Strategy {
	if m.Load() < m.cfg.AdaptiveLoadThreshold {
		return StrategyParallel
	}
	return StrategySequential
}

// =============================================================================
// 🔀 策略
// =============================================================================

func (m *Manager) runParallel(ctx context.Context, run *dispatchRun, targets []AgentRecord, result *TaskResult) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]AgentOutcome, len(targets))
	var succeeded, failed atomic.Int32
	need := len(targets)
	switch run.reducer {
	case ReducerFirstSuccess:
		need = 1
	case ReducerQuorum:
		need = run.quorum
	}

	g, gctx := errgroup.WithContext(runCtx)
	for i, target := range targets {
		g.Go(func() error {
			out := m.runAgent(gctx, run, target, run.task.Input)
			outcomes[i] = out
			if out.err != nil && types.IsErrorCode(out.err, types.ErrStorage) {
				return out.err
			}
			if out.Status == TaskCompleted {
				if int(succeeded.Add(1)) >= need && run.reducer != ReducerAllComplete {
					cancel()
				}
			} else if run.reducer != ReducerAllComplete && int(failed.Add(1)) > len(targets)-need {
				// 剩余 Agent 已不可能满足聚合条件
				cancel()
			}
			return nil
		})
	}
	storeErr := g.Wait()

	result.Outcomes = outcomes
	wins := 0
	for i := range outcomes {
		if outcomes[i].Status == TaskCompleted {
			wins++
			if result.Output == nil {
				result.Output = outcomes[i].Output
			}
		}
	}
	if wins >= need {
		result.Status = TaskCompleted
		return storeErr
	}
	result.Status = aggregateFailure(ctx, outcomes)
	return storeErr
}

func (m *Manager) runSequential(ctx context.Context, run *dispatchRun, targets []AgentRecord, result *TaskResult) error {
	input := run.task.Input
	for _, target := range targets {
		out := m.runAgent(ctx, run, target, input)
		result.Outcomes = append(result.Outcomes, out)
		if out.err != nil && types.IsErrorCode(out.err, types.ErrStorage) {
			result.Status = TaskFailed
			return out.err
		}
		if out.Status != TaskCompleted {
			result.Status = out.Status
			return nil
		}
		result.Output = out.Output
		if out.Output != nil {
			input = out.Output.Data
		} else {
			input = nil
		}
	}
	result.Status = TaskCompleted
	return nil
}

// aggregateFailure 没有满足聚合条件时的任务状态
func aggregateFailure(ctx context.Context, outcomes []AgentOutcome) TaskStatus {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return TaskTimedOut
		}
		return TaskAborted
	}
	for i := range outcomes {
		if outcomes[i].Status == TaskTimedOut {
			return TaskTimedOut
		}
	}
	return TaskFailed
}

// =============================================================================
// 🔁 单个 Agent：重试与退避
// =============================================================================

// runAgent 在一个 Agent 上执行任务，失败时按退避重试。尝试次数从已持久化的步骤续算。
func (m *Manager) runAgent(ctx context.Context, run *dispatchRun, target AgentRecord, input []byte) AgentOutcome {
	task := run.task
	out := AgentOutcome{AgentID: target.ID}
	log := run.log.With(zap.String("agent_id", target.ID))

	if step, ok := run.prior[agentOutcomeStepID(task.ID, target.ID)]; ok {
		return resumedOutcome(target.ID, step, run.prior, task.ID)
	}

	var lastErr error
	attempts := 0
	for {
		step, ok := run.prior[attemptStepID(task.ID, target.ID, attempts+1)]
		if !ok {
			break
		}
		attempts++
		if step.Status == coordination.StepSucceeded {
			// 尝试已成功但 Agent 结果未落盘
			out.Status = TaskCompleted
			out.Attempts = attempts
			out.Output = &TaskOutput{Data: step.Output}
			out.Resumed = true
			return m.recordAgentOutcome(ctx, run, target, out)
		}
		lastErr = errors.New(step.Error)
	}
	if attempts > 0 {
		log.Info("resuming task", zap.Int("prior_attempts", attempts))
	}

	for attempts < run.maxAttempts {
		if attempts > 0 && lastErr != nil {
			wait := m.cfg.Backoff(attempts)
			m.metrics.RecordTaskRetry()
			log.Debug("retrying task", zap.Int("attempt", attempts+1), zap.Duration("backoff", wait), zap.Error(lastErr))
			m.emit(TopicTaskRetry, TaskEvent{
				TaskID: task.ID, WorkflowID: task.WorkflowID, AgentID: target.ID,
				Attempt: attempts + 1, Error: lastErr.Error(),
			})
			if err := sleep(ctx, wait); err != nil {
				out.Status = TaskAborted
				out.Attempts = attempts
				out.setErr(err)
				return out
			}
		}
		attempts++

		start := time.Now()
		output, err := m.executeOnce(ctx, run, target, input, attempts)
		elapsed := time.Since(start)
		status := classify(err)

		m.metrics.RecordAgentExecution(string(target.Type), string(status), elapsed)
		if mErr := m.store.RecordMetric(context.WithoutCancel(ctx), coordination.PerformanceMetric{
			AgentID: target.ID,
			TaskID:  task.ID,
			Name:    metricTaskDuration,
			Value:   elapsed.Seconds(),
		}); mErr != nil {
			m.noteStoreErr(mErr)
			log.Debug("record metric failed", zap.Error(mErr))
		}

		step := coordination.WorkflowStep{
			StepID:  attemptStepID(task.ID, target.ID, attempts),
			TaskID:  task.ID,
			AgentID: target.ID,
			Name:    task.Name,
			Status:  stepStatus(status),
			Attempt: attempts,
		}
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Output = output.Data
		}
		if _, serr := m.store.RecordWorkflowStep(context.WithoutCancel(ctx), task.WorkflowID, step); serr != nil {
			m.noteStoreErr(serr)
			out.Status = TaskFailed
			out.Attempts = attempts
			out.setErr(serr)
			return out
		}

		out.Attempts = attempts
		if err == nil {
			out.Status = TaskCompleted
			out.Output = &output
			return m.recordAgentOutcome(ctx, run, target, out)
		}
		lastErr = err
		if status != TaskFailed || !retryable(err) {
			out.Status = status
			out.setErr(err)
			if status == TaskFailed {
				return m.recordAgentOutcome(ctx, run, target, out)
			}
			// 超时与取消不写 Agent 结果，调用方可用同一任务 ID 重新排队
			if status == TaskTimedOut {
				m.countTask(ctx, target.ID, false)
			}
			return out
		}
	}

	out.Status = TaskFailed
	out.Attempts = attempts
	if lastErr == nil {
		lastErr = errors.New("no attempts allowed")
	}
	out.setErr(types.NewTaskError(
		fmt.Sprintf("agent %s exhausted %d attempts", target.ID, run.maxAttempts), lastErr, false))
	log.Warn("task retries exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return m.recordAgentOutcome(ctx, run, target, out)
}

// recordAgentOutcome 写入 Agent 的最终结果步骤并更新计数
func (m *Manager) recordAgentOutcome(ctx context.Context, run *dispatchRun, target AgentRecord, out AgentOutcome) AgentOutcome {
	step := coordination.WorkflowStep{
		StepID:  agentOutcomeStepID(run.task.ID, target.ID),
		TaskID:  run.task.ID,
		AgentID: target.ID,
		Name:    run.task.Name,
		Status:  stepStatus(out.Status),
		Attempt: out.Attempts,
	}
	if out.Output != nil {
		step.Output = out.Output.Data
	}
	if out.Error != "" {
		step.Error = out.Error
	}
	if _, err := m.store.RecordWorkflowStep(context.WithoutCancel(ctx), run.task.WorkflowID, step); err != nil {
		m.noteStoreErr(err)
		out.setErr(err)
		return out
	}
	m.countTask(ctx, target.ID, out.Status == TaskCompleted)
	return out
}

// countTask 更新 Agent 的任务计数并落盘
func (m *Manager) countTask(ctx context.Context, id string, ok bool) {
	m.mu.Lock()
	entry, exists := m.agents[id]
	if exists {
		if ok {
			entry.record.TasksCompleted++
		} else {
			entry.record.TasksFailed++
		}
	}
	m.mu.Unlock()
	if exists {
		_ = m.persist(context.WithoutCancel(ctx), id)
	}
}

func resumedOutcome(agentID string, step coordination.WorkflowStep, prior map[string]coordination.WorkflowStep, taskID string) AgentOutcome {
	out := AgentOutcome{AgentID: agentID, Attempts: step.Attempt, Resumed: true}
	if out.Attempts == 0 {
		for n := 1; ; n++ {
			if _, ok := prior[attemptStepID(taskID, agentID, n)]; !ok {
				break
			}
			out.Attempts = n
		}
	}
	if step.Status == coordination.StepSucceeded {
		out.Status = TaskCompleted
		out.Output = &TaskOutput{Data: step.Output}
		return out
	}
	out.Status = TaskFailed
	out.setErr(types.NewTaskError(fmt.Sprintf("agent %s already failed this task", agentID), errors.New(step.Error), false))
	return out
}

func (o *AgentOutcome) setErr(err error) {
	o.err = err
	if err != nil {
		o.Error = err.Error()
	}
}

// =============================================================================
// ⏱️ 单次执行
// =============================================================================

// executeOnce 在 worker 池中执行一次尝试。超时后等待 CancelGrace，Agent 仍未返回则标记为 Degraded。
func (m *Manager) executeOnce(ctx context.Context, run *dispatchRun, target AgentRecord, input []byte, attempt int) (TaskOutput, error) {
	agent, err := m.acquire(target.ID)
	if err != nil {
		return TaskOutput{}, err
	}
	defer m.releaseTask(target.ID)

	ctx, span := m.tracer.Start(ctx, "fleet.attempt", trace.WithAttributes(
		attribute.String("agent.id", target.ID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, run.timeout)
	defer cancel()
	attemptCtx = ctxkeys.WithAgentID(attemptCtx, target.ID)
	attemptCtx = ctxkeys.WithAttempt(attemptCtx, attempt)

	task := run.task
	task.Input = input

	var output TaskOutput
	done, err := m.pool.Go(attemptCtx, func(context.Context) error {
		o, execErr := agent.Execute(attemptCtx, task)
		output = o
		return execErr
	})
	if err != nil {
		return TaskOutput{}, m.attemptCtxErr(attemptCtx, run, err)
	}

	select {
	case execErr := <-done:
		if execErr != nil {
			if attemptCtx.Err() != nil {
				execErr = m.attemptCtxErr(attemptCtx, run, execErr)
			}
			span.RecordError(execErr)
			return TaskOutput{}, execErr
		}
		return output, nil
	case <-attemptCtx.Done():
	}

	grace := time.NewTimer(m.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		m.markDegraded(ctx, target.ID, "agent ignored cancellation")
	}
	err = m.attemptCtxErr(attemptCtx, run, attemptCtx.Err())
	span.RecordError(err)
	return TaskOutput{}, err
}

func (m *Manager) attemptCtxErr(attemptCtx context.Context, run *dispatchRun, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return types.NewTimeoutError(fmt.Sprintf("task %s exceeded %s", run.task.ID, run.timeout), attemptCtx.Err())
	}
	return err
}

// acquire 确认 Agent 仍处于 Active 并占用一个任务槽位
func (m *Manager) acquire(id string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.agents[id]
	if !ok {
		return nil, types.NewTaskError(fmt.Sprintf("agent %s not found", id), nil, false)
	}
	if entry.record.Status != StatusActive || entry.agent == nil {
		return nil, types.NewTaskError(fmt.Sprintf("agent %s is %s", id, entry.record.Status), nil, false)
	}
	entry.record.ActiveTasks++
	return entry.agent, nil
}

func (m *Manager) releaseTask(id string) {
	m.mu.Lock()
	if entry, ok := m.agents[id]; ok && entry.record.ActiveTasks > 0 {
		entry.record.ActiveTasks--
	}
	m.mu.Unlock()
}

// =============================================================================
// 🏁 收尾
// =============================================================================

// finish 写入任务最终结果步骤、发布事件并构造返回错误
func (m *Manager) finish(ctx context.Context, run *dispatchRun, result *TaskResult, storeErr error) error {
	task := run.task
	var cause error
	for i := range result.Outcomes {
		if result.Outcomes[i].err != nil {
			cause = result.Outcomes[i].err
		}
	}
	if storeErr != nil {
		result.Status = TaskFailed
		cause = storeErr
	}
	if cause != nil && result.Status != TaskCompleted {
		result.Error = cause.Error()
	}

	if storeErr == nil && (result.Status == TaskCompleted || result.Status == TaskFailed) {
		step := coordination.WorkflowStep{
			StepID: taskOutcomeStepID(task.ID),
			TaskID: task.ID,
			Name:   task.Name,
			Status: stepStatus(result.Status),
			Error:  result.Error,
		}
		if result.Output != nil {
			step.Output = result.Output.Data
		}
		if _, err := m.store.RecordWorkflowStep(context.WithoutCancel(ctx), task.WorkflowID, step); err != nil {
			m.noteStoreErr(err)
			storeErr = err
			result.Status = TaskFailed
			result.Error = err.Error()
		}
	}

	m.metrics.RecordTask(string(run.strategy), string(result.Status))
	ev := TaskEvent{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		Strategy:   run.strategy,
		Status:     result.Status,
		Error:      result.Error,
	}
	switch result.Status {
	case TaskCompleted:
		run.log.Info("task completed", zap.Duration("duration", result.Duration))
		m.emit(TopicTaskCompleted, ev)
		return nil
	case TaskTimedOut:
		run.log.Warn("task timed out", zap.String("error", result.Error))
		m.emit(TopicTaskTimeout, ev)
		return types.NewTimeoutError(fmt.Sprintf("task %s timed out", task.ID), cause)
	default:
		run.log.Warn("task failed", zap.String("status", string(result.Status)), zap.String("error", result.Error))
		m.emit(TopicTaskFailed, ev)
		if storeErr != nil {
			return storeErr
		}
		return types.NewTaskError(fmt.Sprintf("task %s %s", task.ID, result.Status), cause, false)
	}
}

// classify 根据错误判断单次尝试的结果
func classify(err error) TaskStatus {
	switch {
	case err == nil:
		return TaskCompleted
	case types.IsErrorCode(err, types.ErrTimeout):
		return TaskTimedOut
	case errors.Is(err, context.Canceled):
		return TaskAborted
	default:
		return TaskFailed
	}
}

// retryable 普通错误可重试；带 Retryable=false 的结构化错误立即终止
func retryable(err error) bool {
	if e, ok := types.AsError(err); ok {
		return e.Retryable
	}
	return true
}

func stepStatus(s TaskStatus) string {
	switch s {
	case TaskCompleted:
		return coordination.StepSucceeded
	case TaskTimedOut:
		return coordination.StepTimedOut
	case TaskAborted:
		return coordination.StepAborted
	default:
		return coordination.StepFailed
	}
}
