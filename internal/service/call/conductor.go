// Package call drives the per-webhook conversation loop: it reconstructs the
// session from request parameters, asks the language model for a reply,
// synthesizes every line and returns a markup-independent Plan.
package call

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/voice-agent/backend/internal/apperr"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
	speechmodel "github.com/zhouzirui/voice-agent/backend/internal/model/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/usage"
)

// Synthesizer renders a line to audio; it never fails.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.Request) speech.Result
}

// Responder produces the agent's next line; it never fails.
type Responder interface {
	Respond(ctx context.Context, a agent.Agent, utterance string, history []chat.Message) string
}

// Transcripts stores turns for the optional history window.
type Transcripts interface {
	RecordTurn(ctx context.Context, sessionID, agentRef string, turn int, callerText, agentText string) error
	LoadTranscript(ctx context.Context, sessionID string, beforeTurn int) ([]chat.Message, error)
}

// Meter counts billable work.
type Meter interface {
	Add(sessionID, key, metric string, amount int64) bool
}

// Deps groups the Conductor's collaborators. Transcripts and Meter are optional.
type Deps struct {
	Agents       agent.Store
	Synthesizer  Synthesizer
	Responder    Responder
	Transcripts  Transcripts
	Meter        Meter
	HistoryTurns int

	// SynthesisLimit bounds concurrent synthesis per webhook; 0 means no limit.
	SynthesisLimit int
}

// Conductor builds the plan for each webhook.
type Conductor struct {
	agents       agent.Store
	synth        Synthesizer
	responder    Responder
	transcripts  Transcripts
	meter        Meter
	historyTurns int
	synthLimit   int
}

// NewConductor wires the call loop.
func NewConductor(deps Deps) *Conductor {
	return &Conductor{
		agents:       deps.Agents,
		synth:        deps.Synthesizer,
		responder:    deps.Responder,
		transcripts:  deps.Transcripts,
		meter:        deps.Meter,
		historyTurns: deps.HistoryTurns,
		synthLimit:   deps.SynthesisLimit,
	}
}

type lineSpec struct {
	label string
	text  string
}

// Greet handles the Voice webhook.
func (c *Conductor) Greet(ctx context.Context, p callmodel.Params) (Plan, error) {
	a, err := c.lookupAgent("call.greet", p.AgentRef)
	if err != nil {
		return Plan{}, err
	}

	lines := c.synthesizeAll(ctx, a, p, []lineSpec{
		{label: "intro", text: introduction(a.Name, a.Company)},
		{label: "greeting", text: a.OpeningLine()},
		{label: "prompt", text: GreetingPrompt},
		{label: "no_input", text: GreetingNoInput},
		{label: "retry_prompt", text: GreetingRetryPrompt},
	})

	next := p
	next.Turn = p.Turn + 1
	next.Utterance = ""

	plan := Plan{
		State: walk(StateGreeting, EventGreetingDelivered),
		Instructions: []Instruction{
			speak(lines[0]),
			speak(lines[1]),
			gather(next, lines[2]),
			speak(lines[3]),
			gather(next, lines[4]),
		},
		StartRecording: p.RecordingRequested && p.Inbound(),
	}

	slog.Info("call greeting planned",
		"session_id", p.SessionID,
		"agent_id", a.ID,
		"lead_ref", p.LeadRef,
		"call_sid", p.CallSID,
		"synthesized", countPlayable(lines),
	)
	return plan, nil
}

// Reply handles the Transcribe webhook.
func (c *Conductor) Reply(ctx context.Context, p callmodel.Params) (Plan, error) {
	a, err := c.lookupAgent("call.reply", p.AgentRef)
	if err != nil {
		return Plan{}, err
	}

	state := walk(StateAwaitingSpeech, EventSpeechReceived)

	utterance := strings.TrimSpace(p.Utterance)
	if utterance == "" {
		utterance = OpeningUtterance
	}

	history := c.loadHistory(ctx, p)
	if c.meter != nil {
		c.meter.Add(p.SessionID, usage.Key(p.SessionID, p.Turn, "llm", "reply"), usage.LLMRequests, 1)
	}
	reply := c.responder.Respond(ctx, a, utterance, history)
	state, _ = Transition(state, EventReplyReady)

	if c.transcripts != nil && c.historyTurns > 0 && p.SessionID != "" {
		if err := c.transcripts.RecordTurn(ctx, p.SessionID, a.ID, p.Turn, utterance, reply); err != nil {
			slog.Warn("failed to record turn", "session_id", p.SessionID, "turn", p.Turn, "error", err)
		}
	}

	lines := c.synthesizeAll(ctx, a, p, []lineSpec{
		{label: "reply", text: reply},
		{label: "prompt", text: ReplyPrompt},
		{label: "no_input", text: ReplyNoInput},
		{label: "retry_prompt", text: ReplyRetryPrompt},
	})

	next := p
	next.Turn = p.Turn + 1
	next.Utterance = ""

	plan := Plan{
		State: walk(state, EventReplyDelivered),
		Instructions: []Instruction{
			speak(lines[0]),
			pause(1),
			gather(next, lines[1]),
			speak(lines[2]),
			gather(next, lines[3]),
		},
	}

	slog.Info("call reply planned",
		"session_id", p.SessionID,
		"agent_id", a.ID,
		"turn", p.Turn,
		"lead_ref", p.LeadRef,
		"utterance_chars", len(utterance),
		"reply_chars", len(reply),
		"synthesized", countPlayable(lines),
	)
	return plan, nil
}

func (c *Conductor) lookupAgent(op, ref string) (agent.Agent, error) {
	if strings.TrimSpace(ref) == "" {
		return agent.Agent{}, apperr.Validation(op, "AGENT_REF", "agentRef is required")
	}
	a, ok := c.agents.FindByID(ref)
	if !ok {
		return agent.Agent{}, apperr.NotFound(op, "agent", ref)
	}
	return a, nil
}

func (c *Conductor) loadHistory(ctx context.Context, p callmodel.Params) []chat.Message {
	if c.transcripts == nil || c.historyTurns <= 0 || p.SessionID == "" {
		return nil
	}
	history, err := c.transcripts.LoadTranscript(ctx, p.SessionID, p.Turn)
	if err != nil {
		// 首轮对话尚无记录
		return nil
	}
	return history
}

// synthesizeAll renders every line concurrently, preserving order. Synthesis
// never fails, so the group only bounds the fan-out.
func (c *Conductor) synthesizeAll(ctx context.Context, a agent.Agent, p callmodel.Params, specs []lineSpec) []Line {
	settings := speechmodel.DefaultVoiceSettings().Merge(a.Voice)
	lines := make([]Line, len(specs))

	var g errgroup.Group
	if c.synthLimit > 0 {
		g.SetLimit(c.synthLimit)
	}
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			res := c.synth.Synthesize(ctx, speech.Request{
				SessionID: p.SessionID,
				Turn:      p.Turn,
				Label:     spec.label,
				Text:      spec.text,
				Voice:     a.VoiceID,
				Settings:  settings,
			})
			lines[i] = LineFrom(res)
			return nil
		})
	}
	_ = g.Wait()
	return lines
}

func countPlayable(lines []Line) int {
	n := 0
	for _, l := range lines {
		if l.AudioURL != "" {
			n++
		}
	}
	return n
}
