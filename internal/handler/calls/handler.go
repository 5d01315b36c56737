package calls

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/middleware"
	"github.com/zhouzirui/voice-agent/backend/internal/service/telephony"
	"github.com/zhouzirui/voice-agent/backend/pkg/utils"
)

// Dialer places outbound calls.
type Dialer interface {
	Dial(ctx context.Context, req telephony.DialRequest) (telephony.DialResult, error)
}

// Handler 外呼接口的HTTP处理器
type Handler struct {
	dialer Dialer
}

// New 创建外呼处理器
func New(dialer Dialer) *Handler {
	return &Handler{dialer: dialer}
}

// RegisterRoutes 注册外呼路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/calls", h.handleCreateCall)
}

type createCallPayload struct {
	AgentRef string `json:"agentRef"`
	To       string `json:"to"`
	From     string `json:"from"`
	Record   bool   `json:"record"`
	LeadRef  string `json:"leadRef"`

	// 兼容旧版前端字段
	AgentID     string `json:"agentId"`
	PhoneNumber string `json:"phoneNumber"`
	LeadID      string `json:"leadId"`
}

type createCallResponse struct {
	Success   bool   `json:"success"`
	CallSID   string `json:"callSid"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// handleCreateCall 发起外呼
func (h *Handler) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var payload createCallPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	req := telephony.DialRequest{
		AgentRef: firstNonEmpty(payload.AgentRef, payload.AgentID),
		To:       firstNonEmpty(payload.To, payload.PhoneNumber),
		From:     payload.From,
		Record:   payload.Record,
		LeadRef:  firstNonEmpty(payload.LeadRef, payload.LeadID),
		BaseURL:  middleware.BaseURL(r),
	}

	// 回调地址与本次请求使用同一个公网入口
	res, err := h.dialer.Dial(r.Context(), req)
	if err != nil {
		status, body := describeError(err)
		utils.RespondJSON(w, status, body)
		return
	}

	utils.RespondJSON(w, http.StatusOK, createCallResponse{
		Success:   true,
		CallSID:   res.CallSID,
		Status:    res.Status,
		SessionID: res.SessionID,
	})
}

// describeError maps the error taxonomy onto HTTP statuses; platform
// rejections keep the platform's own status and code.
func describeError(err error) (int, errorResponse) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, errorResponse{Error: "server error processing call request", Details: err.Error()}
	}

	body := errorResponse{Details: appErr.Message, Code: appErr.Code}
	switch appErr.Kind {
	case apperr.KindValidation:
		body.Error = "invalid call request"
		return http.StatusBadRequest, body
	case apperr.KindNotFound:
		body.Error = "agent not found"
		return http.StatusNotFound, body
	case apperr.KindConfiguration:
		body.Error = "telephony is not configured correctly"
		return http.StatusBadRequest, body
	case apperr.KindUpstream:
		body.Error = "failed to initiate call"
		status := appErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, body
	default:
		return http.StatusInternalServerError, errorResponse{Error: "server error processing call request", Details: err.Error()}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
