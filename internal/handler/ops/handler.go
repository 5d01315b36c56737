// Package ops exposes read-only operator endpoints.
package ops

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
	"github.com/zhouzirui/voice-agent/backend/pkg/utils"
)

// UsageReader exposes metered totals.
type UsageReader interface {
	Snapshot() usage.Snapshot
}

// Handler 运维查询接口
type Handler struct {
	usage      UsageReader
	recordings recording.Store
}

// New 创建运维处理器
func New(usage UsageReader, recordings recording.Store) *Handler {
	return &Handler{usage: usage, recordings: recordings}
}

// RegisterRoutes 注册运维路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/usage", h.handleUsage)
	r.Get("/recordings/{callSid}", h.handleRecordings)
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "usage metering disabled")
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.usage.Snapshot())
}

func (h *Handler) handleRecordings(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSid")
	recs, err := h.recordings.FindByCall(r.Context(), callSID)
	if errors.Is(err, recording.ErrNotFound) {
		utils.RespondError(w, http.StatusNotFound, "no recordings for call")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, recs)
}
