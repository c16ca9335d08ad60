package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfleet/coordination"
)

// MemoryReader 以授权令牌读取协调存储，*coordination.Store 实现该接口
type MemoryReader interface {
	GetWithToken(ctx context.Context, token, key, partition string) (*coordination.MemoryEntry, error)
}

// MemoryHandler 只读的共享内存查询接口
//
// 访问级别完全由令牌决定，handler 本身不做额外判断。
type MemoryHandler struct {
	store  MemoryReader
	logger *zap.Logger
}

// NewMemoryHandler 创建共享内存 handler
func NewMemoryHandler(store MemoryReader, logger *zap.Logger) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		store:  store,
		logger: logger.With(zap.String("component", "memory_handler")),
	}
}

// HandleGet GET /v1/memory/{partition}/{key...}
func (h *MemoryHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	token, ok := BearerToken(r)
	if !ok {
		writeUnauthenticated(w, r)
		return
	}

	entry, err := h.store.GetWithToken(r.Context(), token, r.PathValue("key"), r.PathValue("partition"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, entry)
}
