package eventbus

import (
	"context"
	"time"

	"github.com/BaSui01/agentfleet/types"
)

// 总线自身发布的诊断 topic
const (
	TopicSubscriptionQuarantined = "bus:subscription.quarantined"
)

// Event 总线上传递的事件
type Event struct {
	ID        string
	Topic     string
	Payload   any
	EmitterID string
	Timestamp time.Time
}

// Handler 事件处理器。返回的 error 只用于失败计数与日志。
type Handler func(ctx context.Context, ev Event) error

// Filter 返回 false 时跳过该事件
type Filter func(ev Event) bool

// Transform 在投递前改写事件
type Transform func(ev Event) Event

// EventLog 事件持久化接口，由协调存储实现
type EventLog interface {
	AppendEvent(ctx context.Context, rec types.EventRecord) error
	ListEvents(ctx context.Context, since time.Time, topicPattern string) ([]types.EventRecord, error)
}

// QuarantineNotice 订阅被隔离时的诊断载荷
type QuarantineNotice struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Owner          string `json:"owner,omitempty"`
	Failures       int    `json:"failures"`
	LastError      string `json:"last_error"`
}

// Stats 总线运行统计
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Buckets       int    `json:"buckets"`
	Emitted       uint64 `json:"emitted"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
	Quarantined   uint64 `json:"quarantined"`
}
