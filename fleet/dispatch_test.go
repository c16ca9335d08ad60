package fleet_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/testutil"
	"github.com/BaSui01/agentfleet/testutil/fixtures"
	"github.com/BaSui01/agentfleet/testutil/mocks"
	"github.com/BaSui01/agentfleet/types"
)

// spawnAll 依次创建给定的 Agent（同一类型，按顺序取出）
func (h *harness) spawnAll(t *testing.T, agents ...*mocks.MockAgent) []string {
	t.Helper()
	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.QueueFactory(agents...)))
	ids := make([]string, 0, len(agents))
	for range agents {
		handle, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
		require.NoError(t, err)
		ids = append(ids, handle.ID)
	}
	return ids
}

func attemptSteps(t *testing.T, store *coordination.Store, taskID, agentID string) []coordination.WorkflowStep {
	t.Helper()
	steps, err := store.ListWorkflowSteps(context.Background(), taskID, taskID+"/"+agentID+"/attempt-")
	require.NoError(t, err)
	return steps
}

// =============================================================================
// 🔗 Sequential
// =============================================================================

func TestDispatch_SequentialPipelineWithRetry(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)

	a := mocks.NewMockAgent().WithResults(
		mocks.Result{Err: errors.New("transient")},
		mocks.Result{Output: "from-a"},
	)
	b := mocks.NewMockAgent().WithExecuteFunc(func(_ context.Context, task fleet.Task, _ int) (fleet.TaskOutput, error) {
		return fleet.TaskOutput{Data: []byte(string(task.Input) + "+b")}, nil
	})
	c := mocks.NewMockAgent()
	ids := h.spawnAll(t, a, b, c)

	task := fixtures.PipelineTask("pipe-1", ids...)
	task.MaxRetries = 3
	result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	require.NoError(t, err)

	assert.Equal(t, fleet.TaskCompleted, result.Status)
	assert.Equal(t, fleet.StrategySequential, result.Strategy)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, 2, result.Outcomes[0].Attempts)
	assert.Equal(t, 1, result.Outcomes[1].Attempts)
	assert.Equal(t, 1, result.Outcomes[2].Attempts)
	require.NotNil(t, result.Output)
	assert.Equal(t, "from-a+b", string(result.Output.Data))

	assert.Len(t, attemptSteps(t, h.store, "pipe-1", ids[0]), 2)
	assert.Len(t, attemptSteps(t, h.store, "pipe-1", ids[1]), 1)
	assert.Len(t, attemptSteps(t, h.store, "pipe-1", ids[2]), 1)

	first := attemptSteps(t, h.store, "pipe-1", ids[0])[0]
	assert.Equal(t, coordination.StepFailed, first.Status)
	assert.Equal(t, "transient", first.Error)

	wf, err := h.store.GetWorkflow(ctx, "pipe-1")
	require.NoError(t, err)
	require.NotNil(t, wf.Current)
	assert.Equal(t, "pipe-1/outcome", wf.Current.StepID)
	assert.Equal(t, coordination.StepSucceeded, wf.Current.Status)

	require.Len(t, b.Tasks(), 1)
	assert.Equal(t, "from-a", string(b.Tasks()[0].Input))

	rec, err := h.mgr.Agent(ids[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.TasksCompleted)

	metrics, err := h.store.ListMetrics(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, metrics, 2)
}

func TestDispatch_SequentialAbortsOnFailure(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)

	a := mocks.NewMockAgent().WithResults(mocks.Result{Err: types.NewTaskError("bad input", nil, false)})
	b := mocks.NewMockAgent()
	ids := h.spawnAll(t, a, b)

	result, err := h.mgr.DispatchTask(ctx, fixtures.PipelineTask("pipe-2", ids...),
		fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTask)
	require.NotNil(t, result)

	assert.Equal(t, fleet.TaskFailed, result.Status)
	require.Len(t, result.Outcomes, 1, "partial results only cover agents that ran")
	assert.Equal(t, 1, result.Outcomes[0].Attempts, "non-retryable errors are not retried")
	assert.Contains(t, result.Error, "bad input")
	assert.Zero(t, b.ExecuteCalls())

	wf, err := h.store.GetWorkflow(ctx, "pipe-2")
	require.NoError(t, err)
	assert.Equal(t, coordination.StepFailed, wf.Current.Status)
}

// =============================================================================
// 🔁 Retry
// =============================================================================

func TestDispatch_RetryBoundedness(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	retries := h.record(t, fleet.TopicTaskRetry)

	agent := mocks.NewMockAgent().WithResults(mocks.Result{Err: errors.New("always")})
	ids := h.spawnAll(t, agent)

	task := fixtures.PipelineTask("retry-1", ids...)
	task.MaxRetries = 3
	result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTask)
	assert.Equal(t, fleet.TaskFailed, result.Status)
	assert.Equal(t, 3, result.Outcomes[0].Attempts)
	assert.Equal(t, 3, agent.ExecuteCalls())
	assert.Len(t, attemptSteps(t, h.store, "retry-1", ids[0]), 3)
	testutil.AssertEventuallyTrue(t, func() bool { return retries.Len() == 2 }, time.Second)

	// 再次分发同一任务：直接返回已记录的失败，不再执行，失败只记录一次
	result, err = h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTask)
	assert.Equal(t, fleet.TaskFailed, result.Status)
	assert.True(t, result.Outcomes[0].Resumed)
	assert.Equal(t, 3, result.Outcomes[0].Attempts)
	assert.Equal(t, 3, agent.ExecuteCalls())

	wf, err := h.store.GetWorkflow(ctx, "retry-1")
	require.NoError(t, err)
	outcomes := 0
	for _, st := range wf.Steps {
		if st.StepID == "retry-1/outcome" {
			outcomes++
			assert.Equal(t, coordination.StepFailed, st.Status)
		}
	}
	assert.Equal(t, 1, outcomes)

	rec, err := h.mgr.Agent(ids[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.TasksFailed)
}

func TestDispatch_ResumesFromPersistedAttempts(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithResults(mocks.Result{Err: errors.New("still failing")})
	ids := h.spawnAll(t, agent)

	// 重启前已记录两次失败
	for n := 1; n <= 2; n++ {
		_, err := h.store.RecordWorkflowStep(ctx, "resume-1", coordination.WorkflowStep{
			StepID:  fmt.Sprintf("resume-1/%s/attempt-%d", ids[0], n),
			AgentID: ids[0],
			Status:  coordination.StepFailed,
			Attempt: n,
			Error:   "before restart",
		})
		require.NoError(t, err)
	}

	task := fixtures.PipelineTask("resume-1", ids...)
	task.MaxRetries = 3
	result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTask)
	assert.Equal(t, 3, result.Outcomes[0].Attempts)
	assert.Equal(t, 1, agent.ExecuteCalls(), "only the remaining attempt runs")
}

func TestDispatch_CachedSuccessIsNotReExecuted(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithResults(mocks.Result{Output: "done"})
	ids := h.spawnAll(t, agent)

	task := fixtures.PipelineTask("cache-1", ids...)
	_, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	require.NoError(t, err)

	result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	require.NoError(t, err)
	assert.True(t, result.Outcomes[0].Resumed)
	assert.Equal(t, "done", string(result.Output.Data))
	assert.Equal(t, 1, agent.ExecuteCalls())
}

// =============================================================================
// 🔀 Parallel reducers
// =============================================================================

func TestDispatch_ParallelReducers(t *testing.T) {
	tests := []struct {
		name    string
		reducer fleet.Reducer
		quorum  int
		want    fleet.TaskStatus
	}{
		{"all complete fails when one agent fails", fleet.ReducerAllComplete, 0, fleet.TaskFailed},
		{"first success", fleet.ReducerFirstSuccess, 0, fleet.TaskCompleted},
		{"quorum of two", fleet.ReducerQuorum, 2, fleet.TaskCompleted},
		{"default quorum is majority", fleet.ReducerQuorum, 0, fleet.TaskCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fixtures.FastFleetConfig())
			ctx := testutil.TestContext(t)
			ids := h.spawnAll(t,
				mocks.NewMockAgent().WithResults(mocks.Result{Output: "ok-1"}),
				mocks.NewMockAgent().WithResults(mocks.Result{Err: errors.New("nope")}),
				mocks.NewMockAgent().WithResults(mocks.Result{Output: "ok-3"}),
			)

			task := fixtures.BroadcastTask("par-"+strings.ReplaceAll(tt.name, " ", "-"), "go")
			task.MaxRetries = 1
			result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{
				Strategy: fleet.StrategyParallel,
				Reducer:  tt.reducer,
				Quorum:   tt.quorum,
			})
			require.NotNil(t, result)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.reducer, result.Reducer)
			assert.Len(t, result.Outcomes, len(ids))
			if tt.want == fleet.TaskCompleted {
				require.NoError(t, err)
				require.NotNil(t, result.Output)
				assert.True(t, strings.HasPrefix(string(result.Output.Data), "ok-"))
			} else {
				testutil.AssertErrorCode(t, err, types.ErrTask)
			}
		})
	}
}

func TestDispatch_QuorumValidation(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	h.spawnAll(t, mocks.NewMockAgent())

	_, err := h.mgr.DispatchTask(testutil.TestContext(t), fixtures.BroadcastTask("q"),
		fleet.DispatchOptions{Strategy: fleet.StrategyParallel, Reducer: fleet.ReducerQuorum, Quorum: 2})
	testutil.AssertErrorCode(t, err, types.ErrValidation)
}

func TestDispatch_FirstSuccessCancelsOthers(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	slow := mocks.NewMockAgent().WithBlock(false)
	fast := mocks.NewMockAgent().WithResults(mocks.Result{Output: "fast"})
	h.spawnAll(t, slow, fast)

	result, err := h.mgr.DispatchTask(testutil.TestContext(t), fixtures.BroadcastTask("fs"),
		fleet.DispatchOptions{Strategy: fleet.StrategyParallel, Reducer: fleet.ReducerFirstSuccess})
	require.NoError(t, err)
	assert.Equal(t, "fast", string(result.Output.Data))

	var aborted int
	for _, o := range result.Outcomes {
		if o.Status == fleet.TaskAborted {
			aborted++
		}
	}
	assert.Equal(t, 1, aborted)
}

func TestDispatch_AdaptivePicksParallelWhenIdle(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	h.spawnAll(t, mocks.NewMockAgent(), mocks.NewMockAgent())

	result, err := h.mgr.DispatchTask(testutil.TestContext(t), fixtures.BroadcastTask("ad"), fleet.DispatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, fleet.StrategyParallel, result.Strategy)
	assert.Equal(t, fleet.ReducerAllComplete, result.Reducer)
	assert.Zero(t, h.mgr.Load())
}

// =============================================================================
// ⏱️ Timeout / degrade / recover
// =============================================================================

func TestDispatch_TimeoutHonoredCancellation(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	events := h.record(t, fleet.TopicTaskTimeout)
	agent := mocks.NewMockAgent().WithBlock(false)
	ids := h.spawnAll(t, agent)

	task := fixtures.PipelineTask("to-1", ids...)
	task.Timeout = 30 * time.Millisecond
	result, err := h.mgr.DispatchTask(testutil.TestContext(t), task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, fleet.TaskTimedOut, result.Status)
	assert.Equal(t, 1, agent.ExecuteCalls(), "timeouts end the attempt loop")
	assert.Equal(t, fleet.StatusActive, status(t, h.mgr, ids[0]))

	steps := attemptSteps(t, h.store, "to-1", ids[0])
	require.Len(t, steps, 1)
	assert.Equal(t, coordination.StepTimedOut, steps[0].Status)
	testutil.AssertEventuallyTrue(t, func() bool { return events.Len() == 1 }, time.Second)
}

func TestDispatch_IgnoredCancellationDegradesAgent(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithBlock(true)
	t.Cleanup(agent.Unblock)
	ids := h.spawnAll(t, agent)

	task := fixtures.PipelineTask("deg-1", ids...)
	task.Timeout = 30 * time.Millisecond
	result, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
	assert.Equal(t, fleet.TaskTimedOut, result.Status)
	assert.Equal(t, fleet.StatusDegraded, status(t, h.mgr, ids[0]))

	// Degraded Agent 不再被选中
	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("deg-2", ids...), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	agent.Unblock()
	require.NoError(t, h.mgr.RecoverAgent(ctx, ids[0]))
	assert.Equal(t, fleet.StatusActive, status(t, h.mgr, ids[0]))
	assert.Equal(t, 2, agent.InitCalls())

	testutil.AssertErrorCode(t, h.mgr.RecoverAgent(ctx, ids[0]), types.ErrInvalidTransition)
}

func TestRecoverAgent_FailureTerminates(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithBlock(true)
	t.Cleanup(agent.Unblock)
	ids := h.spawnAll(t, agent)

	task := fixtures.PipelineTask("deg-3", ids...)
	task.Timeout = 20 * time.Millisecond
	_, err := h.mgr.DispatchTask(ctx, task, fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	require.Error(t, err)
	require.Equal(t, fleet.StatusDegraded, status(t, h.mgr, ids[0]))

	agent.WithInitError(errors.New("cannot reconnect"))
	err = h.mgr.RecoverAgent(ctx, ids[0])
	testutil.AssertErrorCode(t, err, types.ErrInitialization)
	assert.Equal(t, fleet.StatusTerminated, status(t, h.mgr, ids[0]))
}

func TestDispatch_TargetValidation(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)

	_, err := h.mgr.DispatchTask(ctx, fixtures.BroadcastTask("none"), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	ids := h.spawnAll(t, mocks.NewMockAgent())
	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("dup", ids[0], ids[0]), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("ghost", "nobody"), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrNotFound)

	_, err = h.mgr.DispatchTask(ctx, fixtures.BroadcastTask("caps", "rust"), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("a/b", ids...), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("s", ids...), fleet.DispatchOptions{Strategy: "random"})
	testutil.AssertErrorCode(t, err, types.ErrValidation)
}

func TestDispatch_StorageFailureFaultsFleet(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	backend := h.backend
	agent := mocks.NewMockAgent().WithExecuteFunc(func(context.Context, fleet.Task, int) (fleet.TaskOutput, error) {
		backend.Fail(errors.New("disk gone"))
		return fleet.TaskOutput{Data: []byte("ok")}, nil
	})
	ids := h.spawnAll(t, agent)

	result, err := h.mgr.DispatchTask(ctx, fixtures.PipelineTask("sf", ids...), fleet.DispatchOptions{Strategy: fleet.StrategySequential})
	testutil.AssertErrorCode(t, err, types.ErrStorage)
	require.NotNil(t, result)
	assert.Equal(t, fleet.TaskFailed, result.Status)

	faulted, _ := h.mgr.Faulted()
	assert.True(t, faulted)
	_, err = h.mgr.DispatchTask(ctx, fixtures.PipelineTask("sf-2", ids...), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrFleetFaulted)

	backend.Heal()
	require.NoError(t, h.mgr.CheckHealth(ctx))
}

func TestAgentContext_StorageFailureFaultsFleet(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent()
	h.spawn(t, agent, fixtures.CoderSpec())
	actx := agent.Context()
	require.NotNil(t, actx)

	// 非存储错误不触发故障
	_, err := actx.Get(ctx, "k", "Bad Partition")
	require.Error(t, err)
	faulted, _ := h.mgr.Faulted()
	assert.False(t, faulted)

	h.backend.Fail(errors.New("disk gone"))
	_, err = actx.Put(ctx, "k", []byte("v"), coordination.PutOptions{})
	testutil.AssertErrorCode(t, err, types.ErrStorage)

	faulted, reason := h.mgr.Faulted()
	assert.True(t, faulted)
	assert.Contains(t, reason, "disk gone")

	h.backend.Heal()
	require.NoError(t, h.mgr.CheckHealth(ctx))
	faulted, _ = h.mgr.Faulted()
	assert.False(t, faulted)
}
