package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
)

// phoneRules are appended to every agent persona; replies are read aloud.
var phoneRules = []string{
	"You are speaking with the caller on a live phone call, so every reply is converted to speech.",
	"Answer in one to three short sentences and end with a question or a clear next step when it fits.",
	"Never use markdown, bullet points, emoji, URLs or any formatting that cannot be spoken.",
	"Spell out numbers, prices and times the way a person would say them.",
	"If you did not understand the caller, ask them to repeat instead of guessing.",
}

// BuildSystemPrompt combines the agent persona with the phone-call rules.
func BuildSystemPrompt(a agent.Agent) string {
	var b strings.Builder

	if strings.TrimSpace(a.SystemPrompt) != "" {
		b.WriteString(strings.TrimSpace(a.SystemPrompt))
	} else {
		b.WriteString(basicPersona(a))
	}

	b.WriteString("\n\nProfile:\n")
	fmt.Fprintf(&b, "- Name: %s\n", a.Name)
	if a.Company != "" {
		fmt.Fprintf(&b, "- Company: %s\n", a.Company)
	}
	if a.Tone != "" {
		fmt.Fprintf(&b, "- Tone: %s\n", a.Tone)
	}
	if len(a.Traits) > 0 {
		fmt.Fprintf(&b, "- Traits: %s\n", strings.Join(a.Traits, ", "))
	}

	b.WriteString("\nCall rules:\n- ")
	b.WriteString(strings.Join(phoneRules, "\n- "))
	return b.String()
}

func basicPersona(a agent.Agent) string {
	if a.Company != "" {
		return fmt.Sprintf("You are %s, a helpful representative of %s. Stay in character and help the caller with their questions.", a.Name, a.Company)
	}
	return fmt.Sprintf("You are %s, a helpful phone assistant. Stay in character and help the caller with their questions.", a.Name)
}
