package call

import "fmt"

// Fixed lines spoken by every agent.
const (
	GreetingPrompt      = "Please tell me what you're looking for and I'll be happy to assist you."
	GreetingNoInput     = "I didn't hear anything. Let me ask again."
	GreetingRetryPrompt = "How can I help you today?"

	OpeningUtterance = "Hello, I'm interested in your services."

	ReplyPrompt      = "Is there anything else you'd like to know?"
	ReplyNoInput     = "I didn't hear your response. Let me know if you have any other questions."
	ReplyRetryPrompt = "Is there anything else I can help you with today?"

	ApologyAgentMissing = "Sorry, the requested AI agent could not be found. Please try again later."
	ApologyTechnical    = "Sorry, we encountered a technical issue processing your speech. Please try again later."
)

func introduction(name, company string) string {
	if company == "" {
		return fmt.Sprintf("Hello, this is %s.", name)
	}
	return fmt.Sprintf("Hello, this is %s from %s.", name, company)
}
