package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/config"
)

// ElevenLabs streams speech from the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	apiKey       string
	baseURL      string
	modelID      string
	outputFormat string
	latency      int
	defaultVoice string
	client       *http.Client
}

// NewElevenLabs builds the backend. client may be nil.
func NewElevenLabs(cfg config.SpeechConfig, client *http.Client) *ElevenLabs {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabs{
		apiKey:       cfg.ElevenLabsAPIKey,
		baseURL:      strings.TrimRight(cfg.ElevenLabsBaseURL, "/"),
		modelID:      cfg.ElevenLabsModelID,
		outputFormat: cfg.ElevenLabsOutputFormat,
		latency:      cfg.ElevenLabsLatency,
		defaultVoice: cfg.ElevenLabsVoiceID,
		client:       client,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

// Stream starts the synthesis request and returns the response body as soon
// as headers arrive; audio is consumed while it is still being generated.
func (e *ElevenLabs) Stream(ctx context.Context, req Request) (io.ReadCloser, string, error) {
	const op = "elevenlabs.stream"

	if e.apiKey == "" {
		return nil, "", apperr.Configuration(op, "MISSING_API_KEY", "ELEVENLABS_API_KEY is not configured")
	}

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = e.defaultVoice
	}

	payload, err := json.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: e.modelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       req.Settings.Stability,
			SimilarityBoost: req.Settings.SimilarityBoost,
			Style:           req.Settings.Style,
			UseSpeakerBoost: req.Settings.UseSpeakerBoost,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	query := url.Values{}
	query.Set("output_format", e.outputFormat)
	query.Set("optimize_streaming_latency", strconv.Itoa(e.latency))
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?%s", e.baseURL, url.PathEscape(voice), query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build elevenlabs request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, "", apperr.Upstream(op, "TRANSPORT", 0, "elevenlabs request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, "", apperr.Upstream(op, strconv.Itoa(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	return resp.Body, formatExtension(e.outputFormat), nil
}

// formatExtension maps "mp3_44100_128" to "mp3".
func formatExtension(format string) string {
	codec, _, _ := strings.Cut(format, "_")
	if codec == "" {
		return "mp3"
	}
	return codec
}
