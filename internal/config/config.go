package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	AI        AIConfig
	Speech    SpeechConfig
	Telephony TelephonyConfig
	Staging   StagingConfig
	Call      CallConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	telephony, err := loadTelephonyConfig()
	if err != nil {
		return nil, err
	}

	staging, err := loadStagingConfig()
	if err != nil {
		return nil, err
	}

	call, err := loadCallConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Logging:   loadLoggingConfig(),
		AI:        ai,
		Speech:    speech,
		Telephony: telephony,
		Staging:   staging,
		Call:      call,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// PublicBaseURL is the externally reachable origin the telephony platform
	// uses for webhooks and staged audio. When empty, webhook and API requests
	// derive it from X-Forwarded-Proto / X-Forwarded-Host / Host; outbound
	// calls placed outside a request (calltester) then fail with a
	// configuration error.
	PublicBaseURL string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	publicBase := strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	if publicBase != "" && !strings.HasPrefix(publicBase, "http://") && !strings.HasPrefix(publicBase, "https://") {
		return ServerConfig{}, fmt.Errorf("invalid PUBLIC_BASE_URL value %q: scheme required", publicBase)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, PublicBaseURL: publicBase}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, PublicBaseURL: publicBase}, nil
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

func loadLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Backend      string // "openai" or "ark"
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	HistoryTurns int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Backend == "ark" {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIKey != ""
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s 凭证或模型配置缺失", c.Backend)
	}

	temperature := float32(c.Temperature)
	maxTokens := c.MaxTokens

	switch c.Backend {
	case "ark":
		return ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.BaseURL,
			Region:      c.Region,
			APIKey:      c.APIKey,
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			Model:       c.Model,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	case "openai":
		return openaimodel.NewChatModel(ctx, &openaimodel.ChatModelConfig{
			APIKey:      c.APIKey,
			BaseURL:     c.BaseURL,
			Model:       c.Model,
			Timeout:     c.Timeout,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("unknown AI_BACKEND %q", c.Backend)
	}
}

func loadAIConfig() (AIConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("AI_BACKEND", "openai"))
	if backend != "openai" && backend != "ark" {
		return AIConfig{}, fmt.Errorf("invalid AI_BACKEND value %q", backend)
	}

	temperature := 0.7
	if override, err := parseOptionalFloatEnv("LLM_TEMPERATURE"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		temperature = *override
	}

	maxTokens := 500
	if override, err := parseOptionalIntEnv("LLM_MAX_TOKENS"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AIConfig{}, fmt.Errorf("invalid LLM_MAX_TOKENS value %d", *override)
		}
		maxTokens = *override
	}

	timeout, err := parseDurationEnv("LLM_TIMEOUT", 5*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	history := 0
	if override, err := parseOptionalIntEnv("LLM_HISTORY_TURNS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		history = *override
	}

	cfg := AIConfig{
		Backend:      backend,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		Timeout:      timeout,
		HistoryTurns: history,
	}

	if backend == "ark" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.Model = strings.TrimSpace(os.Getenv("ARK_MODEL"))
		cfg.BaseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
		return cfg, nil
	}

	cfg.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.Model = getEnvOrDefault("OPENAI_MODEL", "gpt-4o")
	cfg.BaseURL = getEnvOrDefault("OPENAI_BASE_URL", "")
	return cfg, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	Backend string // "elevenlabs" or "volcengine"
	Timeout time.Duration

	// MaxParallel 限制单次回调内并发合成的语句数，0 表示不限
	MaxParallel int

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsVoiceID      string
	ElevenLabsModelID      string
	ElevenLabsOutputFormat string
	ElevenLabsLatency      int

	// Volcengine 配置
	AppID       string
	AccessToken string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
}

// Enabled reports whether the selected backend has credentials.
func (c SpeechConfig) Enabled() bool {
	switch c.Backend {
	case "volcengine":
		return c.AppID != "" && c.AccessToken != ""
	default:
		return c.ElevenLabsAPIKey != ""
	}
}

func loadSpeechConfig() (SpeechConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("SPEECH_BACKEND", "elevenlabs"))
	if backend != "elevenlabs" && backend != "volcengine" {
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_BACKEND value %q", backend)
	}

	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 4*time.Second)
	if err != nil {
		return SpeechConfig{}, err
	}

	latency := 0
	if override, err := parseOptionalIntEnv("ELEVENLABS_OPTIMIZE_LATENCY"); err != nil {
		return SpeechConfig{}, err
	} else if override != nil {
		latency = *override
	}

	maxParallel := 0
	if override, err := parseOptionalIntEnv("SPEECH_MAX_PARALLEL"); err != nil {
		return SpeechConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return SpeechConfig{}, fmt.Errorf("invalid SPEECH_MAX_PARALLEL value %d", *override)
		}
		maxParallel = *override
	}

	// 解析TTS速度和音量
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0) // 默认1.0音量
	if volume != nil {
		ttsVolume = *volume
	}

	return SpeechConfig{
		Backend:                backend,
		Timeout:                timeout,
		MaxParallel:            maxParallel,
		ElevenLabsAPIKey:       strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsBaseURL:      getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID:      getEnvOrDefault("ELEVENLABS_VOICE_ID", "EXAVITQu4vr4xnSDxMaL"),
		ElevenLabsModelID:      getEnvOrDefault("ELEVENLABS_MODEL_ID", "eleven_monolingual_v1"),
		ElevenLabsOutputFormat: getEnvOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		ElevenLabsLatency:      latency,
		AppID:                  strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:            strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN")),
		TTSVoice:               getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:               ttsSpeed,
		TTSVolume:              ttsVolume,
		TTSLanguage:            getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en-US"),
	}, nil
}

// TelephonyConfig holds Twilio credentials and the default origin number.
type TelephonyConfig struct {
	AccountSID        string
	AuthToken         string
	PhoneNumber       string
	Timeout           time.Duration
	ValidateSignature bool
}

// Enabled 表示是否配置了 Twilio 凭证。
func (c TelephonyConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}

func loadTelephonyConfig() (TelephonyConfig, error) {
	timeout, err := parseDurationEnv("TWILIO_TIMEOUT", 10*time.Second)
	if err != nil {
		return TelephonyConfig{}, err
	}

	validate, err := parseBoolEnv("TWILIO_VALIDATE_SIGNATURE", false)
	if err != nil {
		return TelephonyConfig{}, err
	}

	// 号码中的空格会导致 Twilio 拒绝请求
	phone := strings.Join(strings.Fields(os.Getenv("TWILIO_PHONE_NUMBER")), "")

	return TelephonyConfig{
		AccountSID:        strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID")),
		AuthToken:         strings.TrimSpace(os.Getenv("TWILIO_AUTH_TOKEN")),
		PhoneNumber:       phone,
		Timeout:           timeout,
		ValidateSignature: validate,
	}, nil
}

// StagingConfig describes the temporary audio area.
type StagingConfig struct {
	Dir           string
	URLPrefix     string
	MaxAge        time.Duration
	PurgeInterval time.Duration
}

func loadStagingConfig() (StagingConfig, error) {
	maxAge, err := parseDurationEnv("STAGING_MAX_AGE", 15*time.Minute)
	if err != nil {
		return StagingConfig{}, err
	}

	interval, err := parseDurationEnv("STAGING_PURGE_INTERVAL", time.Minute)
	if err != nil {
		return StagingConfig{}, err
	}

	prefix := getEnvOrDefault("STAGING_URL_PREFIX", "/media/")
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return StagingConfig{
		Dir:           getEnvOrDefault("STAGING_DIR", "temp"),
		URLPrefix:     prefix,
		MaxAge:        maxAge,
		PurgeInterval: interval,
	}, nil
}

// CallConfig groups call-flow knobs.
type CallConfig struct {
	SessionTTL        time.Duration
	IdempotencyWindow time.Duration
	AgentsFile        string
}

func loadCallConfig() (CallConfig, error) {
	ttl, err := parseDurationEnv("CALL_SESSION_TTL", time.Hour)
	if err != nil {
		return CallConfig{}, err
	}

	window, err := parseDurationEnv("USAGE_IDEMPOTENCY_WINDOW", 30*time.Minute)
	if err != nil {
		return CallConfig{}, err
	}

	return CallConfig{
		SessionTTL:        ttl,
		IdempotencyWindow: window,
		AgentsFile:        strings.TrimSpace(os.Getenv("AGENTS_FILE")),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("4s") or a bare number of seconds.
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
