package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/api"
	"github.com/BaSui01/agentfleet/eventbus"
	"github.com/BaSui01/agentfleet/types"
)

// =============================================================================
// 📡 事件流 Handler（WebSocket）
// =============================================================================

// EventSource 事件流依赖的总线操作，*eventbus.Bus 实现该接口
type EventSource interface {
	Subscribe(pattern string, handler eventbus.Handler, opts ...eventbus.SubscribeOption) (*eventbus.Subscription, error)
	Replay(ctx context.Context, pattern string, since time.Time, handler eventbus.Handler) (int, error)
	UnsubscribeOwner(ownerID string) int
}

// EventStreamConfig 事件流参数
type EventStreamConfig struct {
	// 允许的 Origin 模式，为空时只接受同源连接
	OriginPatterns []string
	// 每个连接的待发送帧缓冲，满时丢帧并发送 dropped 通知
	BufferSize int
	// 单帧写超时
	WriteTimeout time.Duration
	// 保活 ping 间隔
	PingInterval time.Duration
}

// DefaultEventStreamConfig 返回默认参数
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		BufferSize:   256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// EventStreamHandler 把总线事件推送给 WebSocket 客户端
//
// 每个连接以独立 owner 订阅，连接断开时整体释放，不会遗留订阅。
type EventStreamHandler struct {
	source EventSource
	config EventStreamConfig
	logger *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	active   atomic.Int64
}

// NewEventStreamHandler 创建事件流 handler
func NewEventStreamHandler(source EventSource, cfg EventStreamConfig, logger *zap.Logger) *EventStreamHandler {
	def := DefaultEventStreamConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStreamHandler{
		source: source,
		config: cfg,
		logger: logger.With(zap.String("component", "event_stream")),
		stop:   make(chan struct{}),
	}
}

// ActiveStreams 返回当前连接数
func (h *EventStreamHandler) ActiveStreams() int {
	return int(h.active.Load())
}

// Close 以 going-away 关闭全部连接。http.Server.Shutdown 不会关闭已劫持的连接。
func (h *EventStreamHandler) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// HandleStream GET /v1/events/ws?topic=<pattern>&since=<RFC3339>
//
// topic 缺省为 "*"。带 since 时先回放事件日志，再切换到实时投递，
// 两者重叠的事件按 ID 去重。
func (h *EventStreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("topic")
	if pattern == "" {
		pattern = "*"
	}

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteError(w, r, types.NewValidationError("since must be an RFC3339 timestamp").WithCause(err), h.logger)
			return
		}
		since = t
	}

	// 先订阅再升级：模式错误或总线已关闭时仍能返回普通 HTTP 错误
	ownerID := "ws:" + uuid.NewString()
	frames := make(chan api.EventFrame, h.config.BufferSize)
	var dropped atomic.Int64
	_, err := h.source.Subscribe(pattern, func(_ context.Context, ev eventbus.Event) error {
		select {
		case frames <- toFrame(ev, false):
		default:
			dropped.Add(1)
		}
		return nil
	}, eventbus.WithOwner(ownerID))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	defer h.source.UnsubscribeOwner(ownerID)

	// 长连接不受 http.Server 读写超时约束，写超时由 WriteTimeout 逐帧控制
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	h.active.Add(1)
	defer h.active.Add(-1)

	log := h.logger.With(zap.String("stream", ownerID), zap.String("pattern", pattern))
	log.Debug("event stream opened")

	// 客户端只读；CloseRead 处理控制帧并在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())

	replayed := map[string]struct{}{}
	if !since.IsZero() {
		n, err := h.source.Replay(ctx, pattern, since, func(ctx context.Context, ev eventbus.Event) error {
			replayed[ev.ID] = struct{}{}
			return h.write(ctx, conn, toFrame(ev, true))
		})
		if err != nil {
			log.Warn("event replay failed", zap.Error(err))
			if ctx.Err() != nil {
				return
			}
			if werr := h.write(ctx, conn, api.StreamNotice{Type: "replay_failed", Message: err.Error()}); werr != nil {
				return
			}
		}
		log.Debug("event replay finished", zap.Int("events", n))
	}

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed by client")
			return
		case <-h.stop:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Debug("event stream ping failed", zap.Error(err))
				return
			}
		case frame := <-frames:
			if _, dup := replayed[frame.ID]; dup {
				delete(replayed, frame.ID)
				continue
			}
			if n := dropped.Swap(0); n > 0 {
				if err := h.write(ctx, conn, api.StreamNotice{Type: "dropped", Dropped: int(n)}); err != nil {
					return
				}
			}
			if err := h.write(ctx, conn, frame); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventStreamHandler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.config.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func toFrame(ev eventbus.Event, replayed bool) api.EventFrame {
	return api.EventFrame{
		ID:        ev.ID,
		Topic:     ev.Topic,
		Payload:   ev.Payload,
		EmitterID: ev.EmitterID,
		Timestamp: ev.Timestamp,
		Replayed:  replayed,
	}
}
