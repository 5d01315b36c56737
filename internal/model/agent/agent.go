package agent

import "github.com/zhouzirui/voice-agent/backend/internal/model/speech"

// DefaultGreeting is spoken after the introduction when an agent has none configured.
const DefaultGreeting = "How can I help you today?"

// Agent captures the profile a call is conducted as.
type Agent struct {
	ID           string                `json:"id" yaml:"id"`
	Name         string                `json:"name" yaml:"name"`
	Company      string                `json:"company,omitempty" yaml:"company"`
	Greeting     string                `json:"greeting,omitempty" yaml:"greeting"`
	SystemPrompt string                `json:"systemPrompt,omitempty" yaml:"system_prompt"`
	Tone         string                `json:"tone,omitempty" yaml:"tone"`
	Traits       []string              `json:"traits,omitempty" yaml:"traits"`
	VoiceID      string                `json:"voiceId,omitempty" yaml:"voice_id"`
	Voice        *speech.VoiceSettings `json:"voiceSettings,omitempty" yaml:"voice_settings"`
}

// OpeningLine returns the configured greeting or DefaultGreeting.
func (a Agent) OpeningLine() string {
	if a.Greeting != "" {
		return a.Greeting
	}
	return DefaultGreeting
}

// Seed provides the demo agents used when no AGENTS_FILE is configured.
func Seed() []Agent {
	return []Agent{
		{
			ID:           "1",
			Name:         "Sarah",
			Company:      "Warm Lead Network",
			Greeting:     DefaultGreeting,
			SystemPrompt: "You are Sarah, a friendly sales representative for Warm Lead Network. You help small businesses find qualified leads. Qualify the caller's needs and offer to book a follow-up call.",
			Tone:         "warm, upbeat, concise",
			Traits:       []string{"patient", "curious", "helpful"},
			VoiceID:      "EXAVITQu4vr4xnSDxMaL",
		},
		{
			ID:           "2",
			Name:         "Marcus",
			Company:      "Warm Lead Network",
			Greeting:     "I'm calling to follow up on your recent enquiry.",
			SystemPrompt: "You are Marcus, an account manager at Warm Lead Network. You follow up on enquiries, answer pricing questions in plain terms and never pressure the caller.",
			Tone:         "calm, professional",
			Traits:       []string{"reassuring", "precise"},
		},
	}
}
