// Package recording persists completed call recordings reported by the
// telephony platform.
package recording

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("recording not found")

// Recording links a call to its recording on the platform.
type Recording struct {
	CallSID      string    `json:"callSid"`
	RecordingSID string    `json:"recordingSid"`
	URL          string    `json:"url"`
	Duration     string    `json:"duration,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Store persists recordings keyed by call.
type Store interface {
	Save(ctx context.Context, rec Recording) error
	FindByCall(ctx context.Context, callSID string) ([]Recording, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	byCall map[string][]Recording
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byCall: make(map[string][]Recording)}
}

// Save stores rec. A second report for the same recording SID replaces the first.
func (s *MemoryStore) Save(_ context.Context, rec Recording) error {
	if strings.TrimSpace(rec.CallSID) == "" {
		return errors.New("call sid is required")
	}
	if strings.TrimSpace(rec.URL) == "" {
		return errors.New("recording url is required")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byCall[rec.CallSID]
	for i, item := range existing {
		if rec.RecordingSID != "" && item.RecordingSID == rec.RecordingSID {
			existing[i] = rec
			return nil
		}
	}
	s.byCall[rec.CallSID] = append(existing, rec)
	return nil
}

// FindByCall returns the recordings reported for callSID.
func (s *MemoryStore) FindByCall(_ context.Context, callSID string) ([]Recording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.byCall[callSID]
	if !ok || len(items) == 0 {
		return nil, ErrNotFound
	}
	return append([]Recording(nil), items...), nil
}
