package call

import (
	callmodel "github.com/zhouzirui/voice-agent/backend/internal/model/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
)

// Line is something the caller hears: staged audio when available, otherwise
// text for the platform's built-in voice.
type Line struct {
	Text     string
	AudioURL string
}

// LineFrom converts a synthesis result.
func LineFrom(res speech.Result) Line {
	if res.Playable() {
		return Line{Text: res.Text, AudioURL: res.Asset.PublicURL}
	}
	return Line{Text: res.Text}
}

// Kind is the type of an Instruction.
type Kind int

const (
	KindSpeak Kind = iota + 1
	KindPause
	KindGather
	KindHangup
)

// Gather collects speech and sends the transcript to Target.
type Gather struct {
	Target        Target
	Next          callmodel.Params
	Prompt        Line
	Timeout       int
	SpeechTimeout string
	SpeechModel   string
	Enhanced      bool
}

// Instruction is one step of a webhook response, independent of markup.
type Instruction struct {
	Kind    Kind
	Line    Line
	Seconds int
	Gather  *Gather
}

// Plan is the full response to one webhook invocation.
type Plan struct {
	State        State
	Instructions []Instruction
	// StartRecording asks the handler to begin recording through the REST API.
	StartRecording bool
}

func speak(l Line) Instruction { return Instruction{Kind: KindSpeak, Line: l} }

func pause(seconds int) Instruction { return Instruction{Kind: KindPause, Seconds: seconds} }

func hangup() Instruction { return Instruction{Kind: KindHangup} }

func gather(next callmodel.Params, prompt Line) Instruction {
	return Instruction{Kind: KindGather, Gather: &Gather{
		Target:        TargetTranscribe,
		Next:          next,
		Prompt:        prompt,
		Timeout:       10,
		SpeechTimeout: "auto",
		SpeechModel:   "phone_call",
		Enhanced:      true,
	}}
}

// Apology is the static document returned whenever a call cannot continue.
func Apology(message string) Plan {
	if message == "" {
		message = ApologyTechnical
	}
	return Plan{
		State: StateTerminated,
		Instructions: []Instruction{
			speak(Line{Text: message}),
			pause(2),
			hangup(),
		},
	}
}
