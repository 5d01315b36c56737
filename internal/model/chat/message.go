package chat

import "time"

// Speaker values for Message.Sender.
const (
	SenderCaller = "caller"
	SenderAgent  = "agent"
)

// Message is one side of a conversational turn.
type Message struct {
	SessionID string    `json:"sessionId"`
	Turn      int       `json:"turn"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
