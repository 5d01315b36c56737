// Package speech turns agent lines into staged audio the telephony platform can
// play, falling back to the platform's built-in voice on any failure.
package speech

import (
	"context"
	"io"
	"net/http"

	"github.com/zhouzirui/voice-agent/backend/internal/config"
	speechmodel "github.com/zhouzirui/voice-agent/backend/internal/model/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
)

// Request describes one line to synthesize.
type Request struct {
	SessionID string
	Turn      int
	// Label names the line within the turn ("greeting", "prompt", "reply"...).
	Label    string
	Text     string
	Voice    string
	Settings speechmodel.VoiceSettings
}

// Result is either a staged asset or the text to hand to the platform voice.
type Result struct {
	Text     string
	Asset    *staging.Asset
	Fallback bool
	Reason   string
}

// Playable reports whether the result carries a staged audio URL.
func (r Result) Playable() bool {
	return !r.Fallback && r.Asset != nil && r.Asset.PublicURL != ""
}

// Backend streams synthesized audio for a request. ext is the file extension
// of the returned audio.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request) (body io.ReadCloser, ext string, err error)
}

// Stager persists an audio stream and returns where it can be fetched.
type Stager interface {
	Stage(ctx context.Context, discriminator, ext string, r io.Reader) (staging.Asset, error)
}

// Meter receives character counts for billable synthesis.
type Meter interface {
	Add(sessionID, key, metric string, amount int64) bool
}

// NewBackend picks the backend named in cfg. It returns nil when the backend
// has no credentials, which makes every line fall back to the platform voice.
func NewBackend(cfg config.SpeechConfig) Backend {
	if !cfg.Enabled() {
		return nil
	}
	switch cfg.Backend {
	case "volcengine":
		return NewVolcengine(cfg)
	default:
		return NewElevenLabs(cfg, &http.Client{Timeout: cfg.Timeout})
	}
}
