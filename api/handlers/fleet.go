package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/api"
	"github.com/BaSui01/agentfleet/fleet"
	"github.com/BaSui01/agentfleet/internal/ctxkeys"
	"github.com/BaSui01/agentfleet/types"
)

// =============================================================================
// 🚢 Fleet 管理 Handler
// =============================================================================

// FleetService fleet 管理面依赖的操作，*fleet.Manager 实现该接口
type FleetService interface {
	FleetStatus(ctx context.Context) (*fleet.FleetStatus, error)
	Agents() []fleet.AgentRecord
	Agent(id string) (fleet.AgentRecord, error)
	TerminateAgent(ctx context.Context, id, reason string) error
	RecoverAgent(ctx context.Context, id string) error
	SetTopology(ctx context.Context, t fleet.Topology) error
}

// FleetHandler fleet 状态查询与管理操作
type FleetHandler struct {
	fleet  FleetService
	logger *zap.Logger
}

// NewFleetHandler 创建 fleet handler
func NewFleetHandler(svc FleetService, logger *zap.Logger) *FleetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FleetHandler{
		fleet:  svc,
		logger: logger.With(zap.String("component", "fleet_handler")),
	}
}

// HandleStatus GET /v1/fleet/status
func (h *FleetHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.fleet.FleetStatus(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, status)
}

// HandleListAgents GET /v1/fleet/agents，可用 ?status= 过滤
func (h *FleetHandler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.fleet.Agents()

	if want := r.URL.Query().Get("status"); want != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if string(a.Status) == want {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	WriteSuccess(w, r, agents)
}

// HandleGetAgent GET /v1/fleet/agents/{id}
func (h *FleetHandler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := h.fleet.Agent(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, rec)
}

// HandleTerminateAgent POST /v1/fleet/agents/{id}/terminate，请求体可选
func (h *FleetHandler) HandleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	var req api.TerminateRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req); err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "terminated via api"
	}

	id := r.PathValue("id")
	if err := h.fleet.TerminateAgent(r.Context(), id, req.Reason); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.audit(r, "agent terminated", zap.String("agent_id", id), zap.String("reason", req.Reason))
	h.writeAgent(w, r, id)
}

// HandleRecoverAgent POST /v1/fleet/agents/{id}/recover
func (h *FleetHandler) HandleRecoverAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.fleet.RecoverAgent(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.audit(r, "agent recovered", zap.String("agent_id", id))
	h.writeAgent(w, r, id)
}

// HandleSetTopology PUT /v1/fleet/topology
func (h *FleetHandler) HandleSetTopology(w http.ResponseWriter, r *http.Request) {
	var req api.TopologyRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.Topology == "" {
		WriteError(w, r, types.NewValidationError("topology is required"), h.logger)
		return
	}

	if err := h.fleet.SetTopology(r.Context(), fleet.Topology(req.Topology)); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.audit(r, "topology set", zap.String("topology", req.Topology))
	WriteSuccess(w, r, req)
}

func (h *FleetHandler) writeAgent(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.fleet.Agent(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, rec)
}

func (h *FleetHandler) audit(r *http.Request, msg string, fields ...zap.Field) {
	if principal, ok := ctxkeys.Principal(r.Context()); ok {
		fields = append(fields, zap.String("principal", principal))
	}
	h.logger.Info(msg, fields...)
}
