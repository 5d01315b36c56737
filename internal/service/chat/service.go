package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/voice-agent/backend/internal/model/chat"
)

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrSessionNotFound = errors.New("session not found")
)

type exchange struct {
	caller chat.Message
	agent  chat.Message
}

type sessionState struct {
	session chat.Session
	turns   map[int]exchange
}

// Service keeps short-lived call transcripts in memory. Turns are keyed by
// ordinal so a retried webhook overwrites rather than duplicates.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	ttl      time.Duration
	now      func() time.Time
}

// NewService creates a transcript store whose sessions expire after ttl of inactivity.
func NewService(ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		sessions: make(map[string]*sessionState),
		ttl:      ttl,
		now:      time.Now,
	}
}

// RecordTurn stores what the caller said and what the agent answered on turn.
func (s *Service) RecordTurn(_ context.Context, sessionID, agentRef string, turn int, callerText, agentText string) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{
			session: chat.Session{ID: sessionID, AgentRef: agentRef, CreatedAt: now},
			turns:   make(map[int]exchange),
		}
		s.sessions[sessionID] = state
	}
	state.session.UpdatedAt = now

	state.turns[turn] = exchange{
		caller: chat.Message{SessionID: sessionID, Turn: turn, Sender: chat.SenderCaller, Content: callerText, CreatedAt: now},
		agent:  chat.Message{SessionID: sessionID, Turn: turn, Sender: chat.SenderAgent, Content: agentText, CreatedAt: now},
	}
	return nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return state.session, nil
}

// LoadTranscript returns messages for turns strictly before beforeTurn, oldest first.
// Pass 0 to load everything.
func (s *Service) LoadTranscript(_ context.Context, sessionID string, beforeTurn int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	ordinals := make([]int, 0, len(state.turns))
	for turn := range state.turns {
		if beforeTurn > 0 && turn >= beforeTurn {
			continue
		}
		ordinals = append(ordinals, turn)
	}
	sort.Ints(ordinals)

	messages := make([]chat.Message, 0, len(ordinals)*2)
	for _, turn := range ordinals {
		ex := state.turns[turn]
		messages = append(messages, ex.caller, ex.agent)
	}
	return messages, nil
}

// Expire drops sessions idle for longer than the TTL.
func (s *Service) Expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, state := range s.sessions {
		if now.Sub(state.session.UpdatedAt) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
