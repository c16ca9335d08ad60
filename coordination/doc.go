// Package coordination implements the fleet's shared memory: a partitioned,
// TTL-aware, access-controlled key/value store with per-key audit history,
// append-only workflow state, ACL grants, an event log and the agent registry.
//
// The Store owns validation, access checks, TTL visibility and per-key write
// serialization. Persistence is delegated to a Backend:
//
//   - MemoryBackend: in-process maps, for tests and development
//   - GormBackend:   sqlite (pure Go), postgres or mysql through gorm
//   - RedisBackend:  JSON documents plus sorted-set indexes in redis
//
// Backend failures surface as STORAGE errors; callers that coordinate agents
// treat them as fleet-wide faults.
package coordination
