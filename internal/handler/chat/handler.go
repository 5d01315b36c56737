package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
	chatService "github.com/zhouzirui/voice-agent/backend/internal/service/chat"
	"github.com/zhouzirui/voice-agent/backend/pkg/utils"
)

// Handler 通话记录的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建通话记录处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
	}
}

// RegisterRoutes 注册通话记录相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}", h.handleGetSession)
}

type sessionResponse struct {
	chat.Session
	Messages []chat.Message `json:"messages"`
}

// handleGetSession 返回会话及其全部轮次
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if errors.Is(err, chatService.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages, err := h.chatSvc.LoadTranscript(r.Context(), sessionID, 0)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: session, Messages: messages})
}
