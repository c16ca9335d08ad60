package coordination

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentfleet/types"
)

// suiteBase is a fixed UTC instant so every backend round-trips it exactly.
var suiteBase = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func suiteEntry(partition, key, owner string, version int64, expires *time.Time) *MemoryEntry {
	return &MemoryEntry{
		Key:         key,
		Partition:   partition,
		Value:       []byte("value-" + key),
		OwnerID:     owner,
		AccessLevel: AccessTeam,
		ExpiresAt:   expires,
		CreatedAt:   suiteBase,
		UpdatedAt:   suiteBase,
		Version:     version,
	}
}

func entryKeys(entries []*MemoryEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	sort.Strings(keys)
	return keys
}

// runBackendSuite checks the Backend contract against one implementation.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("entries", func(t *testing.T) {
		b := newBackend(t)

		got, err := b.GetEntry(ctx, "coordination", "missing")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "task/1", "a1", 1, nil)))
		got, err = b.GetEntry(ctx, "coordination", "task/1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []byte("value-task/1"), got.Value)
		assert.Equal(t, "a1", got.OwnerID)
		assert.Equal(t, AccessTeam, got.AccessLevel)
		assert.Equal(t, int64(1), got.Version)
		assert.Nil(t, got.ExpiresAt)
		assert.True(t, got.CreatedAt.Equal(suiteBase))

		updated := suiteEntry("coordination", "task/1", "a2", 2, nil)
		updated.Value = []byte("second")
		require.NoError(t, b.PutEntry(ctx, updated))
		got, err = b.GetEntry(ctx, "coordination", "task/1")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got.Value)
		assert.Equal(t, int64(2), got.Version)

		require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "task/2", "", 1, nil)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "other", "", 1, nil)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("agents", "task/9", "", 1, nil)))

		listed, err := b.ListEntries(ctx, "coordination", "task/")
		require.NoError(t, err)
		assert.Equal(t, []string{"task/1", "task/2"}, entryKeys(listed))

		listed, err = b.ListEntries(ctx, "coordination", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"other", "task/1", "task/2"}, entryKeys(listed))

		ok, err := b.DeleteEntry(ctx, "coordination", "task/1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.DeleteEntry(ctx, "coordination", "task/1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expiry", func(t *testing.T) {
		b := newBackend(t)
		past := suiteBase.Add(-time.Minute)
		future := suiteBase.Add(time.Hour)

		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "old", "", 1, &past)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "fresh", "", 1, &future)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "forever", "", 1, nil)))

		listed, err := b.ListEntries(ctx, "hints", "")
		require.NoError(t, err)
		assert.Len(t, listed, 3, "backends return expired entries until swept")

		n, err := b.DeleteExpiredEntries(ctx, suiteBase)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		listed, err = b.ListEntries(ctx, "hints", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"forever", "fresh"}, entryKeys(listed))
	})

	t.Run("sweep keeps concurrent rewrite", func(t *testing.T) {
		b := newBackend(t)
		past := suiteBase.Add(-time.Minute)

		for i := 0; i < 50; i++ {
			require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "k", "", 1, &past)))

			live := suiteEntry("coordination", "k", "", 2, nil)
			live.Value = []byte("live")
			var g errgroup.Group
			g.Go(func() error {
				_, err := b.DeleteExpiredEntries(ctx, suiteBase)
				return err
			})
			g.Go(func() error { return b.PutEntry(ctx, live) })
			require.NoError(t, g.Wait())

			got, err := b.GetEntry(ctx, "coordination", "k")
			require.NoError(t, err)
			require.NotNil(t, got, "iteration %d: live write removed by sweep", i)
			assert.Equal(t, []byte("live"), got.Value)
			assert.Nil(t, got.ExpiresAt)
		}
	})

	t.Run("owner", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "h1", "agent-a", 1, nil)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "h2", "agent-a", 1, nil)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("hints", "h3", "agent-b", 1, nil)))
		require.NoError(t, b.PutEntry(ctx, suiteEntry("coordination", "c1", "agent-a", 1, nil)))

		n, err := b.DeleteEntriesByOwner(ctx, "hints", "agent-a")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		listed, err := b.ListEntries(ctx, "hints", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"h3"}, entryKeys(listed))

		got, err := b.GetEntry(ctx, "coordination", "c1")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("audit", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.AppendAudit(ctx, AuditRecord{Partition: "coordination", Key: "k", Action: AuditPut, ActorID: "a", Version: 1, At: suiteBase}))
		require.NoError(t, b.AppendAudit(ctx, AuditRecord{Partition: "coordination", Key: "k", Action: AuditDelete, Version: 1, At: suiteBase.Add(time.Second)}))
		require.NoError(t, b.AppendAudit(ctx, AuditRecord{Partition: "coordination", Key: "other", Action: AuditPut, Version: 1, At: suiteBase}))

		recs, err := b.ListAudit(ctx, "coordination", "k")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, AuditPut, recs[0].Action)
		assert.Equal(t, "a", recs[0].ActorID)
		assert.Equal(t, AuditDelete, recs[1].Action)
	})

	t.Run("grants", func(t *testing.T) {
		b := newBackend(t)
		level, err := b.GetGrant(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, AccessNone, level)

		require.NoError(t, b.PutGrant(ctx, "agent-a", AccessTeam))
		level, err = b.GetGrant(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, AccessTeam, level)

		require.NoError(t, b.PutGrant(ctx, "agent-a", AccessSystem))
		level, err = b.GetGrant(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, AccessSystem, level)

		require.NoError(t, b.DeleteGrant(ctx, "agent-a"))
		level, err = b.GetGrant(ctx, "agent-a")
		require.NoError(t, err)
		assert.Equal(t, AccessNone, level)
	})

	t.Run("events", func(t *testing.T) {
		b := newBackend(t)
		for i, topic := range []string{"agent:spawned", "task:started", "task:completed"} {
			require.NoError(t, b.AppendEvent(ctx, types.EventRecord{
				ID:        topic,
				Topic:     topic,
				Payload:   json.RawMessage(`{"n":1}`),
				EmitterID: "fleet",
				Timestamp: suiteBase.Add(time.Duration(i) * time.Second),
			}))
		}

		recs, err := b.ListEvents(ctx, suiteBase.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "task:started", recs[0].Topic)
		assert.Equal(t, "task:completed", recs[1].Topic)
		assert.Equal(t, "fleet", recs[0].EmitterID)
		assert.JSONEq(t, `{"n":1}`, string(recs[0].Payload))

		n, err := b.DeleteEventsBefore(ctx, suiteBase.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recs, err = b.ListEvents(ctx, time.Time{})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("workflow", func(t *testing.T) {
		b := newBackend(t)
		s1 := WorkflowStep{StepID: "wf/a", Status: StepSucceeded, Output: []byte("A"), RecordedAt: suiteBase}
		s2 := WorkflowStep{StepID: "wf/b", Status: StepFailed, Error: "boom", RecordedAt: suiteBase.Add(time.Second)}

		ok, err := b.AppendWorkflowStep(ctx, "wf", s1)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.AppendWorkflowStep(ctx, "wf", s1)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = b.AppendWorkflowStep(ctx, "wf", s2)
		require.NoError(t, err)
		assert.True(t, ok)

		steps, err := b.GetWorkflowSteps(ctx, "wf")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "wf/a", steps[0].StepID)
		assert.Equal(t, []byte("A"), steps[0].Output)
		assert.Equal(t, "boom", steps[1].Error)

		steps, err = b.GetWorkflowSteps(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("agents and metrics", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.SaveAgent(ctx, AgentRegistration{
			ID: "a2", Type: "coder", Status: "idle", CreatedAt: suiteBase.Add(time.Second), UpdatedAt: suiteBase,
		}))
		require.NoError(t, b.SaveAgent(ctx, AgentRegistration{
			ID: "a1", Type: "coder", Status: "idle", Capabilities: []string{"go"},
			Metadata: map[string]string{"zone": "eu"}, CreatedAt: suiteBase, UpdatedAt: suiteBase,
		}))
		require.NoError(t, b.SaveAgent(ctx, AgentRegistration{
			ID: "a1", Type: "coder", Status: "busy", Capabilities: []string{"go"},
			Metadata: map[string]string{"zone": "eu"}, TasksCompleted: 3, CreatedAt: suiteBase, UpdatedAt: suiteBase.Add(time.Minute),
		}))

		regs, err := b.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 2)
		assert.Equal(t, "a1", regs[0].ID)
		assert.Equal(t, "busy", regs[0].Status)
		assert.Equal(t, int64(3), regs[0].TasksCompleted)
		assert.Equal(t, []string{"go"}, regs[0].Capabilities)
		assert.Equal(t, "eu", regs[0].Metadata["zone"])
		assert.Equal(t, "a2", regs[1].ID)

		require.NoError(t, b.AppendMetric(ctx, PerformanceMetric{AgentID: "a1", Name: "latency_ms", Value: 12, RecordedAt: suiteBase}))
		require.NoError(t, b.AppendMetric(ctx, PerformanceMetric{AgentID: "a2", Name: "latency_ms", Value: 30, RecordedAt: suiteBase}))

		ms, err := b.ListMetrics(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, ms, 1)
		assert.Equal(t, 12.0, ms[0].Value)

		ms, err = b.ListMetrics(ctx, "")
		require.NoError(t, err)
		assert.Len(t, ms, 2)
	})

	t.Run("ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(ctx))
	})
}
