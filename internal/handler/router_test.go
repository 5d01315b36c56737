package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zhouzirui/voice-agent/backend/internal/markup"
	middlewarePkg "github.com/zhouzirui/voice-agent/backend/internal/middleware"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
	chatservice "github.com/zhouzirui/voice-agent/backend/internal/service/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
	"github.com/zhouzirui/voice-agent/backend/internal/service/telephony"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

type planStub struct{}

func (planStub) Greet(context.Context, callmodel.Params) (call.Plan, error) {
	return call.Apology("greeting"), nil
}

func (planStub) Reply(context.Context, callmodel.Params) (call.Plan, error) {
	return call.Apology("reply"), nil
}

type rejectAll struct{}

func (rejectAll) Validate(string, map[string]string, string) bool { return false }

func newTestRouter(t *testing.T, validator middlewarePkg.Validator) (http.Handler, *staging.Store) {
	t.Helper()
	store, err := staging.NewStore(t.TempDir(), "https://calls.example.com", "/media/")
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	agents := agent.NewMemoryStore(agent.Seed())
	links := call.Links{BaseURL: "https://calls.example.com"}

	deps := Deps{
		Agents:      agents,
		Conductor:   planStub{},
		Renderer:    markup.NewRenderer(links),
		Dialer:      telephony.NewInitiator(nil, agents, links, ""),
		Recordings:  recording.NewMemoryStore(),
		Usage:       usage.NewMeter(time.Minute),
		Transcripts: chatservice.NewService(time.Hour),
		Media:       store.Handler(),
		MediaPrefix: store.URLPrefix(),
	}
	if validator != nil {
		deps.SignatureValidator = validator
		deps.PublicBaseURL = "https://calls.example.com"
	}
	return NewRouter(deps), store
}

func TestRouterServesEndpoints(t *testing.T) {
	r, store := newTestRouter(t, nil)

	asset, err := store.Stage(context.Background(), "s1", "mp3", strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Stage err: %v", err)
	}

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/api/agents", http.StatusOK},
		{http.MethodGet, "/api/usage", http.StatusOK},
		{http.MethodGet, "/api/sessions/unknown", http.StatusNotFound},
		{http.MethodGet, "/media/" + asset.Name, http.StatusOK},
		{http.MethodPost, "/webhooks/voice?agentRef=1&sessionId=s1", http.StatusOK},
		{http.MethodPost, "/webhooks/status", http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, resp.Code)
		}
	}
}

func TestRouterEnforcesSignatures(t *testing.T) {
	r, _ := newTestRouter(t, rejectAll{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice?agentRef=1", nil)
	req.Header.Set("X-Twilio-Signature", "bogus")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}

	// operator endpoints are not signed by the platform
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
