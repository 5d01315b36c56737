package call

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/voice-agent/backend/internal/service/chat"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/staging"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

type fakeSynth struct {
	mu       sync.Mutex
	fallback bool
	requests []speech.Request
}

func (f *fakeSynth) Synthesize(_ context.Context, req speech.Request) speech.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.fallback {
		return speech.Result{Text: req.Text, Fallback: true, Reason: "timeout"}
	}
	return speech.Result{Text: req.Text, Asset: &staging.Asset{
		Name:      req.Label + ".mp3",
		PublicURL: "https://calls.example.com/media/" + req.Label + ".mp3",
		CreatedAt: time.Now(),
	}}
}

// slowSynth records how many syntheses overlap.
type slowSynth struct {
	mu       sync.Mutex
	inflight int
	peak     int
}

func (f *slowSynth) Synthesize(_ context.Context, req speech.Request) speech.Result {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return speech.Result{Text: req.Text, Fallback: true}
}

type fakeResponder struct {
	mu        sync.Mutex
	reply     string
	utterance string
	history   []chat.Message
}

func (f *fakeResponder) Respond(_ context.Context, _ agent.Agent, utterance string, history []chat.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utterance = utterance
	f.history = history
	return f.reply
}

func newTestConductor(synth *fakeSynth, responder *fakeResponder) *Conductor {
	return NewConductor(Deps{
		Agents:      agent.NewMemoryStore(agent.Seed()),
		Synthesizer: synth,
		Responder:   responder,
	})
}

func TestGreetPlan(t *testing.T) {
	synth := &fakeSynth{}
	c := newTestConductor(synth, &fakeResponder{})

	p := callmodel.Params{SessionID: "s1", AgentRef: "1", LeadRef: "L9", RecordingRequested: true}
	plan, err := c.Greet(context.Background(), p)
	if err != nil {
		t.Fatalf("Greet err: %v", err)
	}

	if plan.State != StateAwaitingSpeech {
		t.Fatalf("unexpected state %s", plan.State)
	}
	kinds := []Kind{KindSpeak, KindSpeak, KindGather, KindSpeak, KindGather}
	if len(plan.Instructions) != len(kinds) {
		t.Fatalf("unexpected instruction count %d", len(plan.Instructions))
	}
	for i, kind := range kinds {
		if plan.Instructions[i].Kind != kind {
			t.Fatalf("instruction %d: got kind %d want %d", i, plan.Instructions[i].Kind, kind)
		}
	}

	intro := plan.Instructions[0].Line
	if intro.Text != "Hello, this is Sarah from Warm Lead Network." || intro.AudioURL == "" {
		t.Fatalf("unexpected intro %+v", intro)
	}

	g := plan.Instructions[2].Gather
	if g.Target != TargetTranscribe || g.Next.Turn != 1 || g.Next.SessionID != "s1" || g.Next.LeadRef != "L9" || !g.Next.RecordingRequested {
		t.Fatalf("gather should carry session context with turn=1: %+v", g.Next)
	}
	if g.Prompt.Text != GreetingPrompt {
		t.Fatalf("unexpected prompt %q", g.Prompt.Text)
	}
	if plan.StartRecording {
		t.Fatal("outbound calls record from dial time")
	}
	if len(synth.requests) != 5 {
		t.Fatalf("expected 5 synthesized lines, got %d", len(synth.requests))
	}
}

func TestGreetBoundsSynthesisFanOut(t *testing.T) {
	synth := &slowSynth{}
	c := NewConductor(Deps{
		Agents:         agent.NewMemoryStore(agent.Seed()),
		Synthesizer:    synth,
		Responder:      &fakeResponder{},
		SynthesisLimit: 2,
	})

	plan, err := c.Greet(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "1"})
	if err != nil {
		t.Fatalf("Greet err: %v", err)
	}
	if synth.peak > 2 {
		t.Fatalf("expected at most 2 concurrent syntheses, got %d", synth.peak)
	}
	// 顺序与并发度无关
	if plan.Instructions[1].Line.Text != agent.DefaultGreeting || plan.Instructions[2].Gather.Prompt.Text != GreetingPrompt {
		t.Fatalf("lines out of order: %+v", plan.Instructions)
	}
}

func TestGreetIntroWithoutCompany(t *testing.T) {
	c := NewConductor(Deps{
		Agents:      agent.NewMemoryStore([]agent.Agent{{ID: "42", Name: "Dana"}}),
		Synthesizer: &fakeSynth{},
		Responder:   &fakeResponder{},
	})

	plan, err := c.Greet(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "42"})
	if err != nil {
		t.Fatalf("Greet err: %v", err)
	}
	if got := plan.Instructions[0].Line.Text; got != "Hello, this is Dana." {
		t.Fatalf("unexpected intro %q", got)
	}
	if got := plan.Instructions[1].Line.Text; got != agent.DefaultGreeting {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestGreetInboundStartsRecording(t *testing.T) {
	c := newTestConductor(&fakeSynth{}, &fakeResponder{})

	plan, err := c.Greet(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "1", RecordingRequested: true, Direction: "inbound"})
	if err != nil {
		t.Fatalf("Greet err: %v", err)
	}
	if !plan.StartRecording {
		t.Fatal("inbound call with recording requested should start recording")
	}
}

func TestGreetUnknownAgent(t *testing.T) {
	c := newTestConductor(&fakeSynth{}, &fakeResponder{})

	_, err := c.Greet(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "999"})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplyPlanWithFallbackSynthesis(t *testing.T) {
	synth := &fakeSynth{fallback: true}
	responder := &fakeResponder{reply: "We have leads in Ohio."}
	c := newTestConductor(synth, responder)

	plan, err := c.Reply(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "1", Turn: 3, Utterance: "Do you cover Ohio?"})
	if err != nil {
		t.Fatalf("Reply err: %v", err)
	}

	if responder.utterance != "Do you cover Ohio?" {
		t.Fatalf("unexpected utterance %q", responder.utterance)
	}
	reply := plan.Instructions[0]
	if reply.Kind != KindSpeak || reply.Line.Text != "We have leads in Ohio." || reply.Line.AudioURL != "" {
		t.Fatalf("fallback reply should be plain text: %+v", reply)
	}
	if plan.Instructions[1].Kind != KindPause || plan.Instructions[1].Seconds != 1 {
		t.Fatalf("expected a one second pause, got %+v", plan.Instructions[1])
	}
	g := plan.Instructions[2].Gather
	if g == nil || g.Next.Turn != 4 || g.Prompt.Text != ReplyPrompt {
		t.Fatalf("unexpected gather %+v", g)
	}
	if plan.Instructions[3].Line.Text != ReplyNoInput {
		t.Fatalf("unexpected no-input line %+v", plan.Instructions[3])
	}
	if plan.State != StateAwaitingSpeech {
		t.Fatalf("unexpected state %s", plan.State)
	}
}

func TestReplyEmptyUtteranceUsesOpeningLine(t *testing.T) {
	responder := &fakeResponder{reply: "Happy to help."}
	c := newTestConductor(&fakeSynth{}, responder)

	if _, err := c.Reply(context.Background(), callmodel.Params{SessionID: "s1", AgentRef: "1", Turn: 1}); err != nil {
		t.Fatalf("Reply err: %v", err)
	}
	if responder.utterance != OpeningUtterance {
		t.Fatalf("expected canned opening, got %q", responder.utterance)
	}
}

func TestReplyHistoryAndMetering(t *testing.T) {
	responder := &fakeResponder{reply: "Sure."}
	transcripts := chatservice.NewService(time.Hour)
	meter := usage.NewMeter(time.Minute)
	c := NewConductor(Deps{
		Agents:       agent.NewMemoryStore(agent.Seed()),
		Synthesizer:  &fakeSynth{},
		Responder:    responder,
		Transcripts:  transcripts,
		Meter:        meter,
		HistoryTurns: 2,
	})
	ctx := context.Background()

	first := callmodel.Params{SessionID: "s1", AgentRef: "1", Turn: 1, Utterance: "first"}
	if _, err := c.Reply(ctx, first); err != nil {
		t.Fatalf("Reply err: %v", err)
	}
	// same turn delivered twice by the platform
	if _, err := c.Reply(ctx, first); err != nil {
		t.Fatalf("Reply err: %v", err)
	}
	if _, err := c.Reply(ctx, callmodel.Params{SessionID: "s1", AgentRef: "1", Turn: 2, Utterance: "second"}); err != nil {
		t.Fatalf("Reply err: %v", err)
	}

	if len(responder.history) != 2 || responder.history[0].Content != "first" {
		t.Fatalf("second turn should see exactly the first exchange, got %+v", responder.history)
	}
	if got := meter.Snapshot().Totals[usage.LLMRequests]; got != 2 {
		t.Fatalf("retried turn should be metered once, got %d", got)
	}
}

func TestReplyWithoutSessionMetersEachCall(t *testing.T) {
	meter := usage.NewMeter(time.Minute)
	c := NewConductor(Deps{
		Agents:      agent.NewMemoryStore(agent.Seed()),
		Synthesizer: &fakeSynth{},
		Responder:   &fakeResponder{reply: "Sure."},
		Meter:       meter,
	})
	ctx := context.Background()

	// 旧版外呼只带 agentId，两通电话各自有 CallSid
	for _, sid := range []string{"CA111", "CA222"} {
		p, err := ParseParams(url.Values{"agentId": {"1"}, "CallSid": {sid}, "SpeechResult": {"hi"}})
		if err != nil {
			t.Fatalf("ParseParams err: %v", err)
		}
		if _, err := c.Reply(ctx, p); err != nil {
			t.Fatalf("Reply err: %v", err)
		}
	}
	if got := meter.Snapshot().Totals[usage.LLMRequests]; got != 2 {
		t.Fatalf("distinct calls must not share idempotency keys, got %d", got)
	}

	// 完全无法关联的请求不做去重
	for i := 0; i < 2; i++ {
		if _, err := c.Reply(ctx, callmodel.Params{AgentRef: "1", Turn: 1}); err != nil {
			t.Fatalf("Reply err: %v", err)
		}
	}
	if got := meter.Snapshot().Totals[usage.LLMRequests]; got != 4 {
		t.Fatalf("uncorrelated requests should each count, got %d", got)
	}
}

func TestApologyPlan(t *testing.T) {
	plan := Apology("")
	if plan.State != StateTerminated {
		t.Fatalf("unexpected state %s", plan.State)
	}
	if len(plan.Instructions) != 3 || plan.Instructions[2].Kind != KindHangup {
		t.Fatalf("apology must end with a hang-up: %+v", plan.Instructions)
	}
	if !strings.Contains(plan.Instructions[0].Line.Text, "technical issue") {
		t.Fatalf("unexpected default apology %q", plan.Instructions[0].Line.Text)
	}
}
