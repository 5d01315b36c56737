package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	agentHandler "github.com/zhouzirui/voice-agent/backend/internal/handler/agent"
	"github.com/zhouzirui/voice-agent/backend/internal/handler/calls"
	"github.com/zhouzirui/voice-agent/backend/internal/handler/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/handler/ops"
	"github.com/zhouzirui/voice-agent/backend/internal/handler/voice"
	"github.com/zhouzirui/voice-agent/backend/internal/markup"
	middlewarePkg "github.com/zhouzirui/voice-agent/backend/internal/middleware"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	chatService "github.com/zhouzirui/voice-agent/backend/internal/service/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

// Deps collects everything the router wires into handlers.
type Deps struct {
	Agents     agent.Store
	Conductor  voice.Conductor
	Renderer   *markup.Renderer
	Dialer     calls.Dialer
	Recorder   voice.Recorder
	Recordings recording.Store
	Usage      *usage.Meter
	// Transcripts is optional; it only holds turns when history is enabled.
	Transcripts *chatService.Service
	// Media serves staged audio under MediaPrefix.
	Media       http.Handler
	MediaPrefix string
	// SignatureValidator, when set, guards the webhook routes.
	SignatureValidator middlewarePkg.Validator
	// PublicBaseURL is the origin used for callbacks, staged audio and
	// signatures. Empty derives it from each request.
	PublicBaseURL string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middlewarePkg.PublicBaseURL(deps.PublicBaseURL))

	r.Get("/healthz", ops.Health)

	if deps.Media != nil && deps.MediaPrefix != "" {
		r.Mount(deps.MediaPrefix, deps.Media)
	}

	// 电话平台回调：异常时返回道歉TwiML，不使用 Recoverer
	voiceHandler := voice.New(deps.Conductor, deps.Renderer, deps.Recordings, deps.Recorder)
	r.Group(func(webhooks chi.Router) {
		if deps.SignatureValidator != nil {
			webhooks.Use(middlewarePkg.Signature(deps.SignatureValidator, deps.PublicBaseURL))
		}
		voiceHandler.RegisterRoutes(webhooks)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Recoverer)

		agentHandler.New(deps.Agents).RegisterRoutes(api)
		calls.New(deps.Dialer).RegisterRoutes(api)
		ops.New(usageReader(deps.Usage), deps.Recordings).RegisterRoutes(api)
		if deps.Transcripts != nil {
			chat.New(deps.Transcripts).RegisterRoutes(api)
		}
	})

	return r
}

// usageReader avoids handing ops a typed nil.
func usageReader(m *usage.Meter) ops.UsageReader {
	if m == nil {
		return nil
	}
	return m
}
