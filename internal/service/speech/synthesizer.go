package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

// Options tunes a Synthesizer.
type Options struct {
	// Timeout bounds a single synthesis, including staging.
	Timeout time.Duration
	// CacheTTL is how long a staged phrase is reused. Keep it below the
	// staging max age so cached URLs never point at purged files.
	CacheTTL time.Duration
	Meter    Meter
}

type cachedAsset struct {
	asset    staging.Asset
	storedAt time.Time
}

// Synthesizer coordinates a Backend with the staging store.
type Synthesizer struct {
	backend  Backend
	stager   Stager
	timeout  time.Duration
	cacheTTL time.Duration
	meter    Meter

	flights singleflight.Group
	mu      sync.RWMutex
	cache   map[string]cachedAsset
	now     func() time.Time
}

// NewSynthesizer wires a backend to a stager.
func NewSynthesizer(backend Backend, stager Stager, opts Options) *Synthesizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 4 * time.Second
	}
	return &Synthesizer{
		backend:  backend,
		stager:   stager,
		timeout:  opts.Timeout,
		cacheTTL: opts.CacheTTL,
		meter:    opts.Meter,
		cache:    make(map[string]cachedAsset),
		now:      time.Now,
	}
}

// Synthesize never fails: any problem yields a fallback result carrying the
// original text for the platform's built-in voice.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) Result {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return s.fallback(req, "empty text", nil)
	}
	if s.backend == nil || s.stager == nil {
		return s.fallback(req, "synthesis disabled", nil)
	}

	key := s.cacheKey(req, text)
	if asset, ok := s.lookup(key); ok {
		return Result{Text: text, Asset: &asset}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch := s.flights.DoChan(key, func() (any, error) {
		// 共享结果的请求不应因首个调用方取消而失败
		flightCtx, flightCancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer flightCancel()
		return s.produce(flightCtx, req, text, key)
	})

	select {
	case <-ctx.Done():
		return s.fallback(req, "timeout", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return s.fallback(req, "backend failure", res.Err)
		}
		asset := res.Val.(staging.Asset)
		return Result{Text: text, Asset: &asset}
	}
}

func (s *Synthesizer) produce(ctx context.Context, req Request, text, key string) (staging.Asset, error) {
	started := s.now()

	body, ext, err := s.backend.Stream(ctx, Request{
		SessionID: req.SessionID,
		Turn:      req.Turn,
		Label:     req.Label,
		Text:      text,
		Voice:     req.Voice,
		Settings:  req.Settings,
	})
	if err != nil {
		return staging.Asset{}, err
	}
	defer body.Close()

	asset, err := s.stager.Stage(ctx, req.SessionID, ext, body)
	if err != nil {
		return staging.Asset{}, fmt.Errorf("stage audio: %w", err)
	}

	if s.meter != nil {
		s.meter.Add(req.SessionID, usage.Key(req.SessionID, req.Turn, "tts", req.Label), usage.TTSCharacters, int64(len([]rune(text))))
	}

	s.store(key, asset)
	slog.Debug("speech synthesized",
		"backend", s.backend.Name(),
		"session_id", req.SessionID,
		"turn", req.Turn,
		"label", req.Label,
		"asset", asset.Name,
		"elapsed_ms", s.now().Sub(started).Milliseconds(),
	)
	return asset, nil
}

func (s *Synthesizer) fallback(req Request, reason string, err error) Result {
	attrs := []any{
		"session_id", req.SessionID,
		"turn", req.Turn,
		"label", req.Label,
		"reason", reason,
		"chars", len(req.Text),
	}
	if s.backend != nil {
		attrs = append(attrs, "backend", s.backend.Name())
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		slog.Warn("speech synthesis fell back to platform voice", attrs...)
	} else {
		slog.Info("speech synthesis skipped", attrs...)
	}
	return Result{Text: strings.TrimSpace(req.Text), Fallback: true, Reason: reason}
}

func (s *Synthesizer) cacheKey(req Request, text string) string {
	backend := "none"
	if s.backend != nil {
		backend = s.backend.Name()
	}
	st := req.Settings
	return fmt.Sprintf("%s|%s|%.2f/%.2f/%.2f/%t/%.2f/%.2f|%s",
		backend, req.Voice, st.Stability, st.SimilarityBoost, st.Style, st.UseSpeakerBoost, st.Speed, st.Volume, text)
}

func (s *Synthesizer) lookup(key string) (staging.Asset, bool) {
	if s.cacheTTL <= 0 {
		return staging.Asset{}, false
	}

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if !ok || s.now().Sub(entry.storedAt) >= s.cacheTTL {
		return staging.Asset{}, false
	}
	// 文件可能已被清理
	if _, err := os.Stat(entry.asset.Path); err != nil {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return staging.Asset{}, false
	}
	return entry.asset, true
}

func (s *Synthesizer) store(key string, asset staging.Asset) {
	if s.cacheTTL <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[key] = cachedAsset{asset: asset, storedAt: s.now()}
	s.mu.Unlock()
}

// Expire drops cache entries past their TTL.
func (s *Synthesizer) Expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.cache {
		if now.Sub(entry.storedAt) >= s.cacheTTL {
			delete(s.cache, key)
			removed++
		}
	}
	return removed
}
