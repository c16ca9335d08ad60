// Package api defines the wire types of the agentfleet management API.
//
// # API Overview
//
// The management server exposes:
//   - GET  /healthz, /readyz, /version: liveness, readiness and build info
//   - GET  /metrics: Prometheus metrics
//   - GET  /v1/fleet/status, /v1/fleet/agents, /v1/fleet/agents/{id}: fleet snapshots
//   - POST /v1/fleet/agents/{id}/terminate, /v1/fleet/agents/{id}/recover
//   - PUT  /v1/fleet/topology
//   - GET  /v1/memory/{partition}/{key}: token-scoped coordination store reads
//   - GET  /v1/events/ws?topic=agent:*&since=RFC3339: live event stream over WebSocket
//
// # Authentication
//
// Mutating fleet endpoints and memory reads require a grant token issued by
// `agentfleet token`:
//
//	Authorization: Bearer <grant-token>
//
// Fleet mutations require the system access level.
package api
