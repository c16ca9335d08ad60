package types

import (
	"encoding/json"
	"time"
)

// EventRecord 持久化的事件记录
//
// 事件总线与协调存储之间的交换格式：总线写入，存储负责保留与清理。
type EventRecord struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmitterID string          `json:"emitter_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
