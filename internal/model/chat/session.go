package chat

import "time"

// Session captures the transcript state of a single phone call.
type Session struct {
	ID        string    `json:"id"`
	AgentRef  string    `json:"agentRef"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
