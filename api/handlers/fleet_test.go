package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/types"
)

// fakeFleet 以内存记录实现 FleetService
type fakeFleet struct {
	mu         sync.Mutex
	agents     map[string]fleet.AgentRecord
	topology   fleet.Topology
	terminated map[string]string
	statusErr  error
}

func newFakeFleet(recs ...fleet.AgentRecord) *fakeFleet {
	f := &fakeFleet{
		agents:     make(map[string]fleet.AgentRecord),
		topology:   fleet.TopologyMesh,
		terminated: make(map[string]string),
	}
	for _, r := range recs {
		f.agents[r.ID] = r
	}
	return f
}

func (f *fakeFleet) FleetStatus(ctx context.Context) (*fleet.FleetStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fleet.FleetStatus{Topology: f.topology, TotalAgents: len(f.agents)}, nil
}

func (f *fakeFleet) Agents() []fleet.AgentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fleet.AgentRecord, 0, len(f.agents))
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if r, ok := f.agents[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeFleet) Agent(id string) (fleet.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.agents[id]
	if !ok {
		return fleet.AgentRecord{}, types.NewNotFoundError("agent %s not found", id)
	}
	return r, nil
}

func (f *fakeFleet) TerminateAgent(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.agents[id]
	if !ok {
		return types.NewNotFoundError("agent %s not found", id)
	}
	r.Status = fleet.StatusTerminated
	r.TerminationReason = reason
	f.agents[id] = r
	f.terminated[id] = reason
	return nil
}

func (f *fakeFleet) RecoverAgent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.agents[id]
	if !ok {
		return types.NewNotFoundError("agent %s not found", id)
	}
	if r.Status != fleet.StatusDegraded {
		return types.NewError(types.ErrInvalidTransition, "agent is not degraded")
	}
	r.Status = fleet.StatusActive
	f.agents[id] = r
	return nil
}

func (f *fakeFleet) SetTopology(ctx context.Context, t fleet.Topology) error {
	if !t.Valid() {
		return types.NewValidationError("unknown topology %q", t)
	}
	f.mu.Lock()
	f.topology = t
	f.mu.Unlock()
	return nil
}

func newFleetMux(svc FleetService) *http.ServeMux {
	h := NewFleetHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/fleet/status", h.HandleStatus)
	mux.HandleFunc("GET /v1/fleet/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/fleet/agents/{id}", h.HandleGetAgent)
	mux.HandleFunc("POST /v1/fleet/agents/{id}/terminate", h.HandleTerminateAgent)
	mux.HandleFunc("POST /v1/fleet/agents/{id}/recover", h.HandleRecoverAgent)
	mux.HandleFunc("PUT /v1/fleet/topology", h.HandleSetTopology)
	return mux
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func sampleAgents() []fleet.AgentRecord {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []fleet.AgentRecord{
		{ID: "a-1", Type: "coder", Status: fleet.StatusActive, CreatedAt: now},
		{ID: "a-2", Type: "reviewer", Status: fleet.StatusDegraded, CreatedAt: now.Add(time.Second)},
	}
}

func TestFleetHandler_Status(t *testing.T) {
	mux := newFleetMux(newFakeFleet(sampleAgents()...))

	w := serve(mux, http.MethodGet, "/v1/fleet/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data fleet.FleetStatus `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, fleet.TopologyMesh, resp.Data.Topology)
	assert.Equal(t, 2, resp.Data.TotalAgents)
}

func TestFleetHandler_StatusError(t *testing.T) {
	f := newFakeFleet()
	f.statusErr = types.NewStorageError("read topology", nil)

	w := serve(newFleetMux(f), http.MethodGet, "/v1/fleet/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFleetHandler_ListAgents(t *testing.T) {
	mux := newFleetMux(newFakeFleet(sampleAgents()...))

	tests := []struct {
		target string
		want   []string
	}{
		{"/v1/fleet/agents", []string{"a-1", "a-2"}},
		{"/v1/fleet/agents?status=degraded", []string{"a-2"}},
		{"/v1/fleet/agents?status=terminated", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			w := serve(mux, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, w.Code)

			var resp struct {
				Data []fleet.AgentRecord `json:"data"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			ids := []string{}
			for _, a := range resp.Data {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFleetHandler_GetAgent(t *testing.T) {
	mux := newFleetMux(newFakeFleet(sampleAgents()...))

	w := serve(mux, http.MethodGet, "/v1/fleet/agents/a-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"a-1"`)

	w = serve(mux, http.MethodGet, "/v1/fleet/agents/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"NOT_FOUND"`)
}

func TestFleetHandler_Terminate(t *testing.T) {
	f := newFakeFleet(sampleAgents()...)
	mux := newFleetMux(f)

	w := serve(mux, http.MethodPost, "/v1/fleet/agents/a-1/terminate", `{"reason":"rebalancing"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"terminated"`)
	assert.Equal(t, "rebalancing", f.terminated["a-1"])

	w = serve(mux, http.MethodPost, "/v1/fleet/agents/a-2/terminate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "terminated via api", f.terminated["a-2"])

	w = serve(mux, http.MethodPost, "/v1/fleet/agents/a-2/terminate", `{"why":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFleetHandler_Recover(t *testing.T) {
	mux := newFleetMux(newFakeFleet(sampleAgents()...))

	w := serve(mux, http.MethodPost, "/v1/fleet/agents/a-2/recover", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"active"`)

	w = serve(mux, http.MethodPost, "/v1/fleet/agents/a-1/recover", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFleetHandler_SetTopology(t *testing.T) {
	f := newFakeFleet()
	mux := newFleetMux(f)

	w := serve(mux, http.MethodPut, "/v1/fleet/topology", `{"topology":"ring"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fleet.TopologyRing, f.topology)

	for _, body := range []string{`{"topology":"blob"}`, `{}`, ""} {
		w = serve(mux, http.MethodPut, "/v1/fleet/topology", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
	}
	assert.Equal(t, fleet.TopologyRing, f.topology)
}
