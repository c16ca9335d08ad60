package fleet_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentfleet/coordination"
	"github.com/BaSui01/agentfleet/eventbus"
	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/testutil"
	"github.com/BaSui01/agentfleet/testutil/fixtures"
	"github.com/BaSui01/agentfleet/testutil/mocks"
	"github.com/BaSui01/agentfleet/types"
)

type harness struct {
	mgr      *fleet.Manager
	store    *coordination.Store
	bus      *eventbus.Bus
	backend  *mocks.FaultyBackend
	registry *fleet.Registry
}

func newHarness(t *testing.T, cfg fleet.Config) *harness {
	t.Helper()
	backend := mocks.NewFaultyBackend(coordination.NewMemoryBackend())
	store := coordination.NewStore(backend, coordination.DefaultOptions(), zap.NewNop())
	return newHarnessOn(t, cfg, store, backend)
}

func newHarnessOn(t *testing.T, cfg fleet.Config, store *coordination.Store, backend *mocks.FaultyBackend) *harness {
	t.Helper()
	bus := eventbus.NewBus(eventbus.DefaultConfig(), zap.NewNop())
	registry := fleet.NewRegistry(zap.NewNop())
	mgr := fleet.NewManager(cfg, store, bus, registry, zap.NewNop())
	t.Cleanup(func() {
		_ = mgr.Shutdown(context.Background())
		_ = bus.Close()
	})
	return &harness{mgr: mgr, store: store, bus: bus, backend: backend, registry: registry}
}

// record 订阅 pattern 并收集事件主题
func (h *harness) record(t *testing.T, pattern string) *testutil.Recorder[string] {
	t.Helper()
	rec := &testutil.Recorder[string]{}
	_, err := h.bus.Subscribe(pattern, func(_ context.Context, ev eventbus.Event) error {
		rec.Add(ev.Topic)
		return nil
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) spawn(t *testing.T, agent *mocks.MockAgent, spec fleet.AgentSpec) *fleet.AgentHandle {
	t.Helper()
	require.NoError(t, h.registry.Register(spec.Type, agent.Factory()))
	handle, err := h.mgr.SpawnAgent(testutil.TestContext(t), spec)
	require.NoError(t, err)
	return handle
}

func status(t *testing.T, mgr *fleet.Manager, id string) fleet.AgentStatus {
	t.Helper()
	rec, err := mgr.Agent(id)
	require.NoError(t, err)
	return rec.Status
}

// =============================================================================
// 🚀 Spawn
// =============================================================================

func TestSpawnAgent_Success(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	events := h.record(t, "agent:*")
	agent := mocks.NewMockAgent()

	handle := h.spawn(t, agent, fixtures.CoderSpec())

	assert.NotEmpty(t, handle.ID)
	assert.Equal(t, "test-coder", handle.Name)
	assert.Equal(t, fleet.StatusActive, status(t, h.mgr, handle.ID))
	assert.Equal(t, 1, agent.InitCalls())
	require.NotNil(t, agent.Context())
	assert.Equal(t, handle.ID, agent.Context().AgentID())

	regs, err := h.store.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "active", regs[0].Status)
	assert.Equal(t, "coder", regs[0].Type)

	testutil.AssertEventuallyTrue(t, func() bool {
		for _, topic := range events.Items() {
			if topic == fleet.TopicAgentSpawned {
				return true
			}
		}
		return false
	}, time.Second)
}

func TestSpawnAgent_DefaultName(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	handle := h.spawn(t, mocks.NewMockAgent(), fixtures.SpecOf(fleet.TypeAnalyst))
	assert.Contains(t, handle.Name, "analyst-")

	rec, err := h.mgr.Agent(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, coordination.AccessTeam, rec.AccessLevel)
}

func TestSpawnAgent_Validation(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)

	_, err := h.mgr.SpawnAgent(ctx, fleet.AgentSpec{Type: "wizard"})
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	_, err = h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.NewMockAgent().Factory()))
	spec := fixtures.CoderSpec()
	spec.Capabilities = []string{""}
	_, err = h.mgr.SpawnAgent(ctx, spec)
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	assert.Empty(t, h.mgr.Agents())
}

func TestSpawnAgent_Capacity(t *testing.T) {
	cfg := fixtures.FastFleetConfig()
	cfg.MaxAgents = 1
	h := newHarness(t, cfg)
	first := h.spawn(t, mocks.NewMockAgent(), fixtures.CoderSpec())

	_, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrValidation)

	// 终止后释放名额
	require.NoError(t, h.mgr.TerminateAgent(testutil.TestContext(t), first.ID, "done"))
	_, err = h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
	require.NoError(t, err)
}

func TestSpawnAgent_ZeroMaxAgentsIsUnlimited(t *testing.T) {
	cfg := fixtures.FastFleetConfig()
	cfg.MaxAgents = 0
	h := newHarness(t, cfg)
	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.NewMockAgent().Factory()))

	for i := 0; i < 105; i++ {
		_, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
		require.NoError(t, err, "spawn %d", i)
	}
	assert.Len(t, h.mgr.Agents(), 105)
}

func TestSpawnAgent_TerminatedWhileRegistering(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.NewMockAgent().Factory()))

	var once sync.Once
	h.backend.OnSaveAgent(func(reg coordination.AgentRegistration) {
		if reg.Status != string(fleet.StatusPending) {
			return
		}
		once.Do(func() {
			// persist 持有该 Agent 的写锁，终止需在另一个 goroutine 中进行
			go func() { _ = h.mgr.TerminateAgent(context.Background(), reg.ID, "cancelled") }()
			testutil.AssertEventuallyTrue(t, func() bool {
				rec, err := h.mgr.Agent(reg.ID)
				return err == nil && rec.Status == fleet.StatusTerminated
			}, time.Second)
		})
	})

	_, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrInitialization)
}

func TestSpawnAgent_InitFailure(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	agent := mocks.NewMockAgent().WithInitError(errors.New("no credentials")).WithSubscription("task:*")
	require.NoError(t, h.registry.Register(fleet.TypeCoder, agent.Factory()))

	handle, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
	require.Nil(t, handle)
	testutil.AssertErrorCode(t, err, types.ErrInitialization)
	assert.ErrorContains(t, err, "no credentials")

	agents := h.mgr.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, fleet.StatusTerminated, agents[0].Status)
	assert.NotNil(t, agents[0].TerminatedAt)
	assert.Contains(t, agents[0].TerminationReason, "initialization failed")
	assert.Equal(t, 1, agent.TerminateCalls())
	assert.Zero(t, h.bus.OwnerCount(), "subscriptions made during a failed init are released")
}

func TestSpawnAgent_InitTimeout(t *testing.T) {
	cfg := fixtures.FastFleetConfig()
	cfg.InitTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	agent := mocks.NewMockAgent().WithInitDelay(time.Second)
	require.NoError(t, h.registry.Register(fleet.TypeCoder, agent.Factory()))

	_, err := h.mgr.SpawnAgent(testutil.TestContext(t), fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrInitialization)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
}

// SpawnAgent 要么返回 Active Agent 的句柄，要么返回 INITIALIZATION 错误且 Agent 已终止
func TestSpawnAgent_Atomicity(t *testing.T) {
	cfg := fixtures.FastFleetConfig()
	cfg.MaxAgents = 10000
	h := newHarness(t, cfg)
	require.NoError(t, h.registry.Register(fleet.TypeGeneric, func(spec fleet.AgentSpec, _ *zap.Logger) (fleet.Agent, error) {
		agent := mocks.NewMockAgent()
		if spec.Metadata["fail"] == "true" {
			agent.WithInitError(errors.New("boom"))
		}
		return agent, nil
	}))

	rapid.Check(t, func(rt *rapid.T) {
		fail := rapid.Bool().Draw(rt, "fail")
		spec := fixtures.SpecOf(fleet.TypeGeneric)
		if fail {
			spec.Metadata = map[string]string{"fail": "true"}
		}
		handle, err := h.mgr.SpawnAgent(context.Background(), spec)
		if fail {
			if handle != nil || !types.IsErrorCode(err, types.ErrInitialization) {
				rt.Fatalf("failed init returned handle=%v err=%v", handle, err)
			}
			return
		}
		if err != nil {
			rt.Fatalf("spawn: %v", err)
		}
		rec, err := h.mgr.Agent(handle.ID)
		if err != nil || rec.Status != fleet.StatusActive {
			rt.Fatalf("handle %s is %s (%v)", handle.ID, rec.Status, err)
		}
	})

	for _, rec := range h.mgr.Agents() {
		assert.Contains(t, []fleet.AgentStatus{fleet.StatusActive, fleet.StatusTerminated}, rec.Status)
	}
}

// =============================================================================
// 🛑 Terminate
// =============================================================================

func TestTerminateAgent_ReleasesResources(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithSubscription("task:*").WithHint("progress/a")
	handle := h.spawn(t, agent, fixtures.CoderSpec())

	assert.Equal(t, 1, h.bus.OwnerCount())
	hints, err := h.store.ReadHints(ctx, "")
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, handle.ID, hints[0].OwnerID)

	require.NoError(t, h.mgr.TerminateAgent(ctx, handle.ID, "finished"))

	rec, err := h.mgr.Agent(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusTerminated, rec.Status)
	assert.Equal(t, "finished", rec.TerminationReason)
	assert.Zero(t, h.bus.OwnerCount())
	hints, err = h.store.ReadHints(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, hints)
	assert.Equal(t, 1, agent.TerminateCalls())

	// 幂等
	require.NoError(t, h.mgr.TerminateAgent(ctx, handle.ID, "again"))
	assert.Equal(t, 1, agent.TerminateCalls())
	rec, _ = h.mgr.Agent(handle.ID)
	assert.Equal(t, "finished", rec.TerminationReason)

	regs, err := h.store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "terminated", regs[0].Status)
	assert.NotNil(t, regs[0].TerminatedAt)
}

func TestTerminateAgent_Unknown(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	err := h.mgr.TerminateAgent(testutil.TestContext(t), "ghost", "")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestTerminateAgent_Concurrent(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	agent := mocks.NewMockAgent()
	handle := h.spawn(t, agent, fixtures.CoderSpec())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.mgr.TerminateAgent(context.Background(), handle.ID, "race"))
		}()
	}
	wg.Wait()

	testutil.AssertEventuallyTrue(t, func() bool {
		return status(t, h.mgr, handle.ID) == fleet.StatusTerminated
	}, time.Second)
	assert.Equal(t, 1, agent.TerminateCalls())
}

// =============================================================================
// 📊 Status / topology / restore
// =============================================================================

func TestFleetStatus(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.QueueFactory()))
	a, err := h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	require.NoError(t, err)
	_, err = h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	require.NoError(t, err)
	require.NoError(t, h.mgr.TerminateAgent(ctx, a.ID, "done"))

	st, err := h.mgr.FleetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalAgents)
	assert.Equal(t, 1, st.ByStatus[fleet.StatusActive])
	assert.Equal(t, 1, st.ByStatus[fleet.StatusTerminated])
	assert.Equal(t, fleet.TopologyMesh, st.Topology)
	assert.False(t, st.Faulted)
	assert.Zero(t, st.Load)
}

func TestSetTopology(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	events := h.record(t, fleet.TopicFleetTopology)

	testutil.AssertErrorCode(t, h.mgr.SetTopology(ctx, "blob"), types.ErrValidation)
	require.NoError(t, h.mgr.SetTopology(ctx, fleet.TopologyRing))
	assert.Equal(t, fleet.TopologyRing, h.mgr.Topology())

	entry, err := h.store.Get(ctx, "topology", coordination.GetOptions{
		Partition:      coordination.PartitionFleet,
		RequesterLevel: coordination.AccessSwarm,
	})
	require.NoError(t, err)
	assert.Equal(t, "ring", string(entry.Value))

	testutil.AssertEventuallyTrue(t, func() bool { return events.Len() == 1 }, time.Second)
}

func TestRestore(t *testing.T) {
	backend := mocks.NewFaultyBackend(coordination.NewMemoryBackend())
	store := coordination.NewStore(backend, coordination.DefaultOptions(), zap.NewNop())
	ctx := testutil.TestContext(t)

	first := newHarnessOn(t, fixtures.FastFleetConfig(), store, backend)
	require.NoError(t, first.registry.Register(fleet.TypeCoder, mocks.QueueFactory()))
	a, err := first.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	require.NoError(t, err)
	require.NoError(t, first.mgr.SetTopology(ctx, fleet.TopologyStar))

	second := newHarnessOn(t, fixtures.FastFleetConfig(), store, backend)
	n, err := second.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, fleet.TopologyStar, second.mgr.Topology())

	rec, err := second.mgr.Agent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.StatusTerminated, rec.Status)
	assert.Equal(t, "process restarted", rec.TerminationReason)
	assert.Equal(t, "test-coder", rec.Name)
	assert.Equal(t, []string{"go", "review"}, rec.Capabilities)

	// 再次 Restore 不会重复载入
	n, err = second.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =============================================================================
// 🚨 Fault state
// =============================================================================

func TestFaultState(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	require.NoError(t, h.registry.Register(fleet.TypeCoder, mocks.QueueFactory()))
	events := h.record(t, "fleet:*")

	h.backend.Fail(errors.New("disk gone"))
	err := h.mgr.SetTopology(ctx, fleet.TopologyRing)
	testutil.AssertErrorCode(t, err, types.ErrStorage)

	faulted, reason := h.mgr.Faulted()
	assert.True(t, faulted)
	assert.Contains(t, reason, "disk gone")

	_, err = h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrFleetFaulted)
	_, err = h.mgr.DispatchTask(ctx, fixtures.BroadcastTask("t1"), fleet.DispatchOptions{})
	testutil.AssertErrorCode(t, err, types.ErrFleetFaulted)

	// 故障期间状态快照仍可用，拓扑取最后已知值
	st, err := h.mgr.FleetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Faulted)
	assert.Equal(t, fleet.TopologyMesh, st.Topology)

	testutil.AssertErrorCode(t, h.mgr.CheckHealth(ctx), types.ErrStorage)
	h.backend.Heal()
	require.NoError(t, h.mgr.CheckHealth(ctx))
	faulted, _ = h.mgr.Faulted()
	assert.False(t, faulted)

	_, err = h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	require.NoError(t, err)

	testutil.AssertEventuallyTrue(t, func() bool {
		items := events.Items()
		return len(items) >= 2 && items[0] == fleet.TopicFleetFault && items[1] == fleet.TopicFleetRecovered
	}, time.Second)
}

func TestHealthLoop_ClearsFault(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	statusEvents := h.record(t, fleet.TopicFleetStatus)
	h.mgr.Start(ctx)
	h.mgr.Start(ctx)

	h.backend.Fail(errors.New("flaky"))
	require.Error(t, h.mgr.SetTopology(ctx, fleet.TopologyRing))
	h.backend.Heal()

	testutil.AssertEventuallyTrue(t, func() bool {
		faulted, _ := h.mgr.Faulted()
		return !faulted
	}, 2*time.Second)
	testutil.AssertEventuallyTrue(t, func() bool { return statusEvents.Len() > 0 }, 2*time.Second)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, fixtures.FastFleetConfig())
	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent()
	handle := h.spawn(t, agent, fixtures.CoderSpec())
	h.mgr.Start(ctx)

	require.NoError(t, h.mgr.Shutdown(ctx))
	require.NoError(t, h.mgr.Shutdown(ctx))

	assert.Equal(t, fleet.StatusTerminated, status(t, h.mgr, handle.ID))
	assert.Equal(t, 1, agent.TerminateCalls())

	_, err := h.mgr.SpawnAgent(ctx, fixtures.CoderSpec())
	testutil.AssertErrorCode(t, err, types.ErrFleetFaulted)
}
