package voice

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/voice-agent/backend/internal/markup"
	"github.com/zhouzirui/voice-agent/backend/internal/middleware"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/recording"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

const baseURL = "https://calls.example.com"

type stubBackend struct {
	delay time.Duration
	err   error
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Stream(ctx context.Context, req speech.Request) (io.ReadCloser, string, error) {
	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if b.err != nil {
		return nil, "", b.err
	}
	return io.NopCloser(strings.NewReader("ID3-audio:" + req.Text)), "mp3", nil
}

type stubResponder struct {
	reply string
}

func (s stubResponder) Respond(_ context.Context, _ agent.Agent, _ string, _ []chat.Message) string {
	return s.reply
}

type stubRecorder struct {
	mu    sync.Mutex
	calls []string
	bases []string
	done  chan struct{}
}

func (s *stubRecorder) StartRecording(_ context.Context, callSID, base string) error {
	s.mu.Lock()
	s.calls = append(s.calls, callSID)
	s.bases = append(s.bases, base)
	s.mu.Unlock()
	close(s.done)
	return nil
}

type fixture struct {
	router     *chi.Mux
	meter      *usage.Meter
	recordings *recording.MemoryStore
	recorder   *stubRecorder
}

func setup(t *testing.T, backend speech.Backend) fixture {
	t.Helper()
	return setupWithBase(t, backend, baseURL)
}

// setupWithBase wires the handler the way the router does; an empty base
// leaves the public origin to be derived from each request.
func setupWithBase(t *testing.T, backend speech.Backend, base string) fixture {
	t.Helper()

	store, err := staging.NewStore(t.TempDir(), base, "/media/")
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	meter := usage.NewMeter(time.Minute)
	synth := speech.NewSynthesizer(backend, store, speech.Options{Timeout: 200 * time.Millisecond, Meter: meter})

	agents := agent.NewMemoryStore(append(agent.Seed(), agent.Agent{
		ID:       "42",
		Name:     "Dana",
		Greeting: "Hello, how can I help?",
	}))

	conductor := call.NewConductor(call.Deps{
		Agents:      agents,
		Synthesizer: synth,
		Responder:   stubResponder{reply: "We cover all fifty states."},
		Meter:       meter,
	})
	recordings := recording.NewMemoryStore()
	recorder := &stubRecorder{done: make(chan struct{})}
	h := New(conductor, markup.NewRenderer(call.Links{BaseURL: base}), recordings, recorder)

	r := chi.NewRouter()
	r.Use(middleware.PublicBaseURL(base))
	h.RegisterRoutes(r)
	return fixture{router: r, meter: meter, recordings: recordings, recorder: recorder}
}

func post(t *testing.T, r http.Handler, path string, query, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path+"?"+query.Encode(), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func assertTwiML(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := resp.Body.String()
	if err := markup.Validate(body); err != nil {
		t.Fatalf("response is not valid twiml: %v\n%s", err, body)
	}
	return body
}

func TestVoiceWebhookGreets(t *testing.T) {
	f := setup(t, &stubBackend{})

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "recordingRequested": {"false"}}
	body := assertTwiML(t, post(t, f.router, "/webhooks/voice", query, nil))

	if !strings.Contains(body, "<Play>"+baseURL+"/media/tts_") {
		t.Fatalf("greeting should be played from staged audio:\n%s", body)
	}
	if !strings.Contains(body, `action="`+baseURL+"/webhooks/transcribe?") {
		t.Fatalf("gather should point at transcribe:\n%s", body)
	}
	for _, want := range []string{"agentRef=42", "sessionId=abc", "turn=1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("gather action missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "<Hangup") {
		t.Fatalf("greeting must not hang up:\n%s", body)
	}
}

func TestVoiceWebhookFallsBackToSayOnSynthesisTimeout(t *testing.T) {
	f := setup(t, &stubBackend{delay: 2 * time.Second})

	started := time.Now()
	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}}
	body := assertTwiML(t, post(t, f.router, "/webhooks/voice", query, nil))

	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("handler exceeded its budget: %s", elapsed)
	}
	if !strings.Contains(body, "<Say>Hello, how can I help?</Say>") {
		t.Fatalf("greeting should fall back to the built-in voice:\n%s", body)
	}
	if strings.Contains(body, "<Play>") {
		t.Fatalf("no audio should be referenced:\n%s", body)
	}
}

func TestTranscribeWebhookReplies(t *testing.T) {
	f := setup(t, &stubBackend{err: errors.New("upstream 500")})

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "turn": {"2"}}
	form := url.Values{"SpeechResult": {"Which states do you cover?"}, "CallSid": {"CA1"}}
	body := assertTwiML(t, post(t, f.router, "/webhooks/transcribe", query, form))

	if !strings.Contains(body, "<Say>We cover all fifty states.</Say>") {
		t.Fatalf("reply should be spoken:\n%s", body)
	}
	if !strings.Contains(body, "turn=3") {
		t.Fatalf("next gather should advance the turn:\n%s", body)
	}
}

func TestTranscribeWebhookSilenceReprompts(t *testing.T) {
	f := setup(t, &stubBackend{})

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "utteranceText": {""}, "turn": {"1"}}
	body := assertTwiML(t, post(t, f.router, "/webhooks/transcribe", query, nil))

	if strings.Count(body, "<Gather") != 2 {
		t.Fatalf("silence should lead to a re-prompt and a second gather:\n%s", body)
	}
	if strings.Contains(body, "<Hangup") {
		t.Fatalf("silence must not hang up immediately:\n%s", body)
	}
}

func TestUnknownAgentApologizes(t *testing.T) {
	f := setup(t, &stubBackend{})

	for _, path := range []string{"/webhooks/voice", "/webhooks/transcribe"} {
		t.Run(path, func(t *testing.T) {
			query := url.Values{"agentRef": {"999"}, "sessionId": {"abc"}}
			body := assertTwiML(t, post(t, f.router, path, query, nil))

			if !strings.Contains(body, call.ApologyAgentMissing) || !strings.Contains(body, "<Hangup") {
				t.Fatalf("expected apology and hang-up:\n%s", body)
			}
			if strings.Contains(body, "<Gather") {
				t.Fatalf("apology must not gather:\n%s", body)
			}
		})
	}
}

func TestMissingAgentRefApologizes(t *testing.T) {
	f := setup(t, &stubBackend{})

	body := assertTwiML(t, post(t, f.router, "/webhooks/voice", url.Values{"sessionId": {"abc"}}, nil))
	if !strings.Contains(body, call.ApologyAgentMissing) {
		t.Fatalf("expected agent-missing apology:\n%s", body)
	}
}

func TestLegacyParameterNames(t *testing.T) {
	f := setup(t, &stubBackend{})

	query := url.Values{"agentId": {"42"}, "sessionId": {"abc"}, "leadId": {"L7"}, "record": {"false"}}
	body := assertTwiML(t, post(t, f.router, "/webhooks/voice", query, nil))
	if !strings.Contains(body, "leadRef=L7") {
		t.Fatalf("legacy lead id should be carried forward:\n%s", body)
	}
}

func TestTranscribeRetryIsIdempotent(t *testing.T) {
	f := setup(t, &stubBackend{})

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "turn": {"1"}, "utteranceText": {"hi"}}
	first := assertTwiML(t, post(t, f.router, "/webhooks/transcribe", query, nil))
	afterFirst := f.meter.Snapshot()
	second := assertTwiML(t, post(t, f.router, "/webhooks/transcribe", query, nil))
	afterSecond := f.meter.Snapshot()

	if strings.Count(first, "<Gather") != strings.Count(second, "<Gather") {
		t.Fatalf("retry should produce an equivalent document")
	}
	for metric, total := range afterFirst.Totals {
		if afterSecond.Totals[metric] != total {
			t.Fatalf("metric %s double counted: %d -> %d", metric, total, afterSecond.Totals[metric])
		}
	}
	if afterFirst.Totals[usage.LLMRequests] != 1 {
		t.Fatalf("expected one llm request, got %d", afterFirst.Totals[usage.LLMRequests])
	}
}

func TestInboundRecordingStarted(t *testing.T) {
	f := setup(t, &stubBackend{})

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "recordingRequested": {"true"}}
	form := url.Values{"CallSid": {"CA77"}, "Direction": {"inbound"}}
	assertTwiML(t, post(t, f.router, "/webhooks/voice", query, form))

	select {
	case <-f.recorder.done:
	case <-time.After(time.Second):
		t.Fatal("recording was not started")
	}
	if f.recorder.calls[0] != "CA77" {
		t.Fatalf("unexpected call sid %v", f.recorder.calls)
	}
}

func TestWebhooksDeriveOriginWithoutConfiguredBase(t *testing.T) {
	f := setupWithBase(t, &stubBackend{}, "")

	query := url.Values{"agentRef": {"42"}, "sessionId": {"abc"}, "recordingRequested": {"true"}}
	form := url.Values{"CallSid": {"CA78"}, "Direction": {"inbound"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice?"+query.Encode(), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "abc.ngrok.app"
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	body := assertTwiML(t, resp)
	if strings.Contains(body, call.ApologyTechnical) {
		t.Fatalf("expected greeting, got apology:\n%s", body)
	}
	if !strings.Contains(body, "<Play>https://abc.ngrok.app/media/tts_") {
		t.Fatalf("expected staged audio on the derived origin:\n%s", body)
	}
	if !strings.Contains(body, `action="https://abc.ngrok.app/webhooks/transcribe?`) {
		t.Fatalf("expected gather action on the derived origin:\n%s", body)
	}

	select {
	case <-f.recorder.done:
	case <-time.After(time.Second):
		t.Fatal("recording was not started")
	}
	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	if f.recorder.bases[0] != "https://abc.ngrok.app" {
		t.Fatalf("recording callback origin %q", f.recorder.bases[0])
	}
}

func TestPanicIsAnsweredWithApology(t *testing.T) {
	r := chi.NewRouter()
	r.With(RecoverWithApology).Post("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	body := assertTwiML(t, post(t, r, "/boom", url.Values{}, nil))
	if !strings.Contains(body, call.ApologyTechnical) {
		t.Fatalf("expected technical apology:\n%s", body)
	}
}

func TestStatusWebhookStoresRecording(t *testing.T) {
	f := setup(t, &stubBackend{})

	form := url.Values{
		"CallSid":           {"CA1"},
		"CallStatus":        {"completed"},
		"RecordingSid":      {"RE1"},
		"RecordingStatus":   {"completed"},
		"RecordingUrl":      {"https://api.example.com/RE1"},
		"RecordingDuration": {"42"},
	}
	resp := post(t, f.router, "/webhooks/status", url.Values{}, form)
	if resp.Code != http.StatusOK || resp.Body.String() != "OK" {
		t.Fatalf("unexpected response %d %q", resp.Code, resp.Body.String())
	}

	recs, err := f.recordings.FindByCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("FindByCall err: %v", err)
	}
	if len(recs) != 1 || recs[0].URL != "https://api.example.com/RE1" || recs[0].Duration != "42" {
		t.Fatalf("unexpected recordings %+v", recs)
	}
}

func TestStatusWebhookIgnoresIncompleteRecording(t *testing.T) {
	f := setup(t, &stubBackend{})

	form := url.Values{"CallSid": {"CA2"}, "CallStatus": {"completed"}, "RecordingStatus": {"in-progress"}}
	resp := post(t, f.router, "/webhooks/status", url.Values{}, form)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if _, err := f.recordings.FindByCall(context.Background(), "CA2"); !errors.Is(err, recording.ErrNotFound) {
		t.Fatalf("expected no recording, got %v", err)
	}
}
