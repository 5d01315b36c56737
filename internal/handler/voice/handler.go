// Package voice serves the telephony platform's webhooks.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/markup"
	"github.com/zhouzirui/voice-agent/backend/internal/middleware"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/pkg/utils"
)

// Conductor plans the response to each webhook.
type Conductor interface {
	Greet(ctx context.Context, p callmodel.Params) (call.Plan, error)
	Reply(ctx context.Context, p callmodel.Params) (call.Plan, error)
}

// Recorder starts recording an in-progress call. baseURL is the origin the
// recording-status callback is sent to.
type Recorder interface {
	StartRecording(ctx context.Context, callSID, baseURL string) error
}

const recordingStartTimeout = 10 * time.Second

// Handler 电话平台回调处理器
type Handler struct {
	conductor  Conductor
	renderer   *markup.Renderer
	recordings recording.Store
	recorder   Recorder
}

// New 创建回调处理器；recorder 可为空
func New(conductor Conductor, renderer *markup.Renderer, recordings recording.Store, recorder Recorder) *Handler {
	return &Handler{
		conductor:  conductor,
		renderer:   renderer,
		recordings: recordings,
		recorder:   recorder,
	}
}

// RegisterRoutes 注册回调路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RecoverWithApology)
		r.Post(call.TargetVoice.Path(), h.handleVoice)
		r.Get(call.TargetVoice.Path(), h.handleVoice)
		r.Post(call.TargetTranscribe.Path(), h.handleTranscribe)
		r.Get(call.TargetTranscribe.Path(), h.handleTranscribe)
	})
	r.Post(call.TargetStatus.Path(), h.handleStatus)
}

// RecoverWithApology answers a panicking webhook with the apology document
// instead of a 500, so the caller is never left in dead air.
func RecoverWithApology(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("webhook panic recovered", "path", r.URL.Path, "panic", rec)
				utils.RespondXML(w, markup.ApologyDocument(""))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// handleVoice 来电接通后的首个回调
func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	p, ok := h.params(w, r)
	if !ok {
		return
	}

	plan, err := h.conductor.Greet(r.Context(), p)
	if err != nil {
		h.apologize(w, r, p, err)
		return
	}

	base := middleware.BaseURL(r)
	if plan.StartRecording {
		h.startRecording(r.Context(), p, base)
	}
	utils.RespondXML(w, h.renderer.WithBaseURL(base).RenderOrApologize(plan))
}

// handleTranscribe 语音识别结果回调
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := h.params(w, r)
	if !ok {
		return
	}

	plan, err := h.conductor.Reply(r.Context(), p)
	if err != nil {
		h.apologize(w, r, p, err)
		return
	}
	utils.RespondXML(w, h.renderer.WithBaseURL(middleware.BaseURL(r)).RenderOrApologize(plan))
}

// handleStatus 通话状态与录音回调，始终返回 200
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("status callback form could not be parsed", "error", err)
		utils.RespondText(w, http.StatusOK, "OK")
		return
	}

	ev := callmodel.StatusEvent{
		CallSID:         strings.TrimSpace(r.Form.Get("CallSid")),
		CallStatus:      strings.TrimSpace(r.Form.Get("CallStatus")),
		RecordingSID:    strings.TrimSpace(r.Form.Get("RecordingSid")),
		RecordingStatus: strings.TrimSpace(r.Form.Get("RecordingStatus")),
		RecordingURL:    strings.TrimSpace(r.Form.Get("RecordingUrl")),
	}
	// 平台以秒为单位上报时长，非数字时忽略
	if raw := strings.TrimSpace(r.Form.Get("RecordingDuration")); raw != "" {
		if _, err := strconv.Atoi(raw); err == nil {
			ev.Duration = raw
		}
	}

	slog.Info("call status received",
		"call_sid", ev.CallSID,
		"call_status", ev.CallStatus,
		"recording_sid", ev.RecordingSID,
		"recording_status", ev.RecordingStatus,
	)

	if ev.RecordingStatus == "completed" && ev.RecordingURL != "" && h.recordings != nil {
		err := h.recordings.Save(r.Context(), recording.Recording{
			CallSID:      ev.CallSID,
			RecordingSID: ev.RecordingSID,
			URL:          ev.RecordingURL,
			Duration:     ev.Duration,
			ReceivedAt:   time.Now(),
		})
		if err != nil {
			slog.Error("failed to persist recording", "call_sid", ev.CallSID, "recording_sid", ev.RecordingSID, "error", err)
		}
	}

	utils.RespondText(w, http.StatusOK, "OK")
}

func (h *Handler) params(w http.ResponseWriter, r *http.Request) (callmodel.Params, bool) {
	// ParseForm 合并 query 与表单参数
	if err := r.ParseForm(); err != nil {
		slog.Warn("webhook form could not be parsed", "path", r.URL.Path, "error", err)
		utils.RespondXML(w, markup.ApologyDocument(""))
		return callmodel.Params{}, false
	}
	p, err := call.ParseParams(r.Form)
	if err != nil {
		h.apologize(w, r, p, err)
		return p, false
	}
	return p, true
}

func (h *Handler) apologize(w http.ResponseWriter, r *http.Request, p callmodel.Params, err error) {
	message := call.ApologyTechnical
	var appErr *apperr.Error
	if errors.As(err, &appErr) && (appErr.Kind == apperr.KindNotFound || appErr.Code == "INVALID_AGENT_REF") {
		message = call.ApologyAgentMissing
	}

	slog.Warn("webhook answered with apology",
		"path", r.URL.Path,
		"session_id", p.SessionID,
		"agent_id", p.AgentRef,
		"call_sid", p.CallSID,
		"kind", apperr.KindOf(err),
		"error", err,
	)
	utils.RespondXML(w, markup.ApologyDocument(message))
}

func (h *Handler) startRecording(ctx context.Context, p callmodel.Params, baseURL string) {
	if h.recorder == nil || p.CallSID == "" {
		slog.Warn("recording requested but cannot be started", "session_id", p.SessionID, "call_sid", p.CallSID)
		return
	}
	// 录音请求不阻塞 TwiML 返回
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordingStartTimeout)
		defer cancel()
		if err := h.recorder.StartRecording(rctx, p.CallSID, baseURL); err != nil {
			slog.Error("failed to start call recording", "session_id", p.SessionID, "call_sid", p.CallSID, "error", err)
		}
	}()
}
