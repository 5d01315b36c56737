// Package markup renders call plans as TwiML documents.
package markup

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/twilio/twilio-go/twiml"

	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
)

// Renderer turns a Plan into TwiML, resolving targets against Links.
type Renderer struct {
	links call.Links
}

// NewRenderer creates a renderer for the given public base URL.
func NewRenderer(links call.Links) *Renderer {
	return &Renderer{links: links}
}

// WithBaseURL returns a renderer resolving against base, used when the public
// origin is only known per request. An empty base keeps r.
func (r *Renderer) WithBaseURL(base string) *Renderer {
	if base == "" || base == r.links.BaseURL {
		return r
	}
	return &Renderer{links: call.Links{BaseURL: base}}
}

// Render builds and validates the document for plan.
func (r *Renderer) Render(plan call.Plan) (string, error) {
	elements := make([]twiml.Element, 0, len(plan.Instructions))
	for i, ins := range plan.Instructions {
		el, err := r.element(ins)
		if err != nil {
			return "", fmt.Errorf("instruction %d: %w", i, err)
		}
		elements = append(elements, el)
	}

	doc, err := twiml.Voice(elements)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	if err := Validate(doc); err != nil {
		return "", err
	}
	return doc, nil
}

// RenderOrApologize never fails: an invalid plan is logged and replaced by
// the apology document.
func (r *Renderer) RenderOrApologize(plan call.Plan) string {
	doc, err := r.Render(plan)
	if err != nil {
		slog.Error("markup validation failed, returning apology", "error", err)
		return ApologyDocument("")
	}
	return doc
}

func (r *Renderer) element(ins call.Instruction) (twiml.Element, error) {
	switch ins.Kind {
	case call.KindSpeak:
		return r.lineElement(ins.Line)
	case call.KindPause:
		return twiml.VoicePause{Length: strconv.Itoa(ins.Seconds)}, nil
	case call.KindHangup:
		return twiml.VoiceHangup{}, nil
	case call.KindGather:
		if ins.Gather == nil {
			return nil, errors.New("gather without parameters")
		}
		prompt, err := r.lineElement(ins.Gather.Prompt)
		if err != nil {
			return nil, err
		}
		g := ins.Gather
		return twiml.VoiceGather{
			Input:         "speech",
			Action:        r.links.URL(g.Target, g.Next),
			Method:        "POST",
			Timeout:       strconv.Itoa(g.Timeout),
			SpeechTimeout: g.SpeechTimeout,
			SpeechModel:   g.SpeechModel,
			Enhanced:      strconv.FormatBool(g.Enhanced),
			InnerElements: []twiml.Element{prompt},
		}, nil
	default:
		return nil, fmt.Errorf("unknown instruction kind %d", ins.Kind)
	}
}

// lineElement prefers staged audio and falls back to the built-in voice.
func (r *Renderer) lineElement(l call.Line) (twiml.Element, error) {
	if l.AudioURL != "" {
		return twiml.VoicePlay{Url: r.links.Absolute(l.AudioURL)}, nil
	}
	if l.Text == "" {
		return nil, errors.New("line has neither audio nor text")
	}
	return twiml.VoiceSay{Message: l.Text}, nil
}

// ApologyDocument is the static response used whenever a call cannot continue.
// It is built by hand so it cannot fail.
func ApologyDocument(message string) string {
	if message == "" {
		message = call.ApologyTechnical
	}
	doc, err := twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: message},
		twiml.VoicePause{Length: "2"},
		twiml.VoiceHangup{},
	})
	if err != nil {
		return fallbackApology
	}
	return doc
}

const fallbackApology = `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Sorry, we encountered a technical issue processing your speech. Please try again later.</Say><Pause length="2"></Pause><Hangup></Hangup></Response>`
