package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-agent/backend/internal/config"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
)

// FallbackReply is spoken whenever the model cannot produce a usable answer.
const FallbackReply = "I'm sorry, I'm having trouble answering that right now. Could you say that another way?"

// Responder turns a caller utterance into the agent's next line.
type Responder struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	timeout      time.Duration
	historyTurns int
}

// NewResponder compiles the prompt chain around chatModel.
func NewResponder(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Responder, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Responder{
		chain:        runnable,
		timeout:      timeout,
		historyTurns: cfg.HistoryTurns,
	}, nil
}

// HistoryTurns is the number of prior turns the prompt may include.
func (r *Responder) HistoryTurns() int {
	if r == nil {
		return 0
	}
	return r.historyTurns
}

// Respond never fails: errors, timeouts and empty completions yield FallbackReply.
func (r *Responder) Respond(ctx context.Context, a agent.Agent, utterance string, history []chat.Message) string {
	if r == nil {
		slog.Warn("response generation disabled, using fallback", "agent_id", a.ID)
		return FallbackReply
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	input := map[string]any{
		"system":  BuildSystemPrompt(a),
		"history": r.buildHistoryMessages(history),
		"query":   utterance,
	}

	response, err := r.chain.Invoke(ctx, input)
	if err != nil {
		slog.Error("response generation failed",
			"agent_id", a.ID,
			"error", err,
			"timed_out", errors.Is(ctx.Err(), context.DeadlineExceeded),
			"elapsed_ms", time.Since(started).Milliseconds(),
		)
		return FallbackReply
	}

	content := ""
	if response != nil {
		content = strings.TrimSpace(response.Content)
	}
	if content == "" {
		slog.Warn("response generation returned empty completion", "agent_id", a.ID)
		return FallbackReply
	}

	slog.Info("response generated",
		"agent_id", a.ID,
		"length", len(content),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return content
}

// buildHistoryMessages keeps at most historyTurns exchanges, newest last.
func (r *Responder) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if r.historyTurns <= 0 || len(messages) == 0 {
		return nil
	}

	limit := r.historyTurns * 2
	startIdx := 0
	if len(messages) > limit {
		startIdx = len(messages) - limit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Sender {
		case chat.SenderCaller:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderAgent:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
