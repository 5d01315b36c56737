package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-agent/backend/internal/config"
	"github.com/zhouzirui/voice-agent/backend/internal/handler"
	"github.com/zhouzirui/voice-agent/backend/internal/markup"
	"github.com/zhouzirui/voice-agent/backend/internal/middleware"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	"github.com/zhouzirui/voice-agent/backend/internal/service/ai"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
	"github.com/zhouzirui/voice-agent/backend/internal/service/telephony"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, continuing with system environment variables only", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Logging)

	agentStore, err := loadAgents(cfg.Call)
	if err != nil {
		slog.Error("failed to load agents", "path", cfg.Call.AgentsFile, "error", err)
		os.Exit(1)
	}

	store, err := staging.NewStore(cfg.Staging.Dir, cfg.Server.PublicBaseURL, cfg.Staging.URLPrefix)
	if err != nil {
		slog.Error("failed to prepare staging directory", "dir", cfg.Staging.Dir, "error", err)
		os.Exit(1)
	}

	meter := usage.NewMeter(cfg.Call.IdempotencyWindow)

	backend := speech.NewBackend(cfg.Speech)
	if backend == nil {
		slog.Warn("语音合成凭证未配置，所有语句使用平台内置语音", "backend", cfg.Speech.Backend)
	} else {
		slog.Info("speech synthesis enabled", "backend", backend.Name())
	}
	synth := speech.NewSynthesizer(backend, store, speech.Options{
		Timeout:  cfg.Speech.Timeout,
		CacheTTL: cfg.Staging.MaxAge / 2,
		Meter:    meter,
	})

	// Initialize response generation
	var responder *ai.Responder
	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err == nil {
			responder, err = ai.NewResponder(ctx, chatModel, cfg.AI)
		}
		if err != nil {
			slog.Warn("failed to initialize response generation, replies will use the fallback line", "error", err)
			responder = nil
		} else {
			slog.Info("response generation enabled", "backend", cfg.AI.Backend, "model", cfg.AI.Model)
		}
	} else {
		slog.Warn("模型凭证未配置，回复将使用固定兜底语句", "backend", cfg.AI.Backend)
	}

	transcripts := chat.NewService(cfg.Call.SessionTTL)
	recordings := recording.NewMemoryStore()

	links := call.Links{BaseURL: cfg.Server.PublicBaseURL}
	conductor := call.NewConductor(call.Deps{
		Agents:         agentStore,
		Synthesizer:    synth,
		Responder:      responder,
		Transcripts:    transcripts,
		Meter:          meter,
		HistoryTurns:   cfg.AI.HistoryTurns,
		SynthesisLimit: cfg.Speech.MaxParallel,
	})

	twilioAPI := telephony.NewClient(cfg.Telephony)
	if twilioAPI == nil {
		slog.Warn("Twilio 凭证未配置，外呼与录音不可用")
	}
	initiator := telephony.NewInitiator(twilioAPI, agentStore, links, cfg.Telephony.PhoneNumber)

	deps := handler.Deps{
		Agents:        agentStore,
		Conductor:     conductor,
		Renderer:      markup.NewRenderer(links),
		Dialer:        initiator,
		Recorder:      initiator,
		Recordings:    recordings,
		Usage:         meter,
		Transcripts:   transcripts,
		Media:         store.Handler(),
		MediaPrefix:   store.URLPrefix(),
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}
	// 为空时按请求推导公网地址
	if cfg.Server.PublicBaseURL == "" {
		slog.Warn("PUBLIC_BASE_URL 未配置，回调与音频地址将按请求头推导")
	}
	if cfg.Telephony.ValidateSignature {
		if cfg.Telephony.AuthToken == "" {
			slog.Error("TWILIO_VALIDATE_SIGNATURE requires TWILIO_AUTH_TOKEN")
			os.Exit(1)
		}
		deps.SignatureValidator = middleware.NewSignatureValidator(cfg.Telephony.AuthToken)
	}

	// 定期清理过期音频以及内存中的会话、计量与缓存
	go store.RunReaper(ctx, cfg.Staging.PurgeInterval, cfg.Staging.MaxAge,
		func(now time.Time) { meter.Expire(now) },
		func(now time.Time) { synth.Expire(now) },
		func(now time.Time) { transcripts.Expire(now) },
	)

	startServer(ctx, cfg.Server, handler.NewRouter(deps))
}

func loadAgents(cfg config.CallConfig) (agent.Store, error) {
	if cfg.AgentsFile == "" {
		return agent.NewMemoryStore(agent.Seed()), nil
	}
	items, err := agent.LoadFile(cfg.AgentsFile)
	if err != nil {
		return nil, err
	}
	slog.Info("agents loaded", "path", cfg.AgentsFile, "count", len(items))
	return agent.NewMemoryStore(items), nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("voice agent backend listening", "addr", addr, "public_base_url", serverCfg.PublicBaseURL)
	if err := runServer(ctx, srv); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
