// Package usage counts billable upstream work per call.
package usage

import (
	"fmt"
	"sync"
	"time"
)

// Metric names.
const (
	LLMRequests   = "llm.requests"
	TTSCharacters = "tts.characters"
)

// Key builds the idempotency key for one unit of work inside a turn. Work
// that cannot be tied to a call gets no key.
func Key(sessionID string, turn int, kind, line string) string {
	if sessionID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%s:%s", sessionID, turn, kind, line)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Totals     map[string]int64            `json:"totals"`
	PerSession map[string]map[string]int64 `json:"perSession"`
	TrackedAt  time.Time                   `json:"trackedAt"`
}

type record struct {
	recordedAt time.Time
}

// Meter aggregates counters and ignores repeated idempotency keys inside the window.
type Meter struct {
	mu         sync.Mutex
	window     time.Duration
	seen       map[string]record
	totals     map[string]int64
	perSession map[string]map[string]int64
	now        func() time.Time
}

// NewMeter creates a Meter that remembers keys for window.
func NewMeter(window time.Duration) *Meter {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Meter{
		window:     window,
		seen:       make(map[string]record),
		totals:     make(map[string]int64),
		perSession: make(map[string]map[string]int64),
		now:        time.Now,
	}
}

// Add records amount under metric unless key was already recorded within the
// window. An empty key is always counted. It reports whether the amount was
// counted.
func (m *Meter) Add(sessionID, key, metric string, amount int64) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if key != "" {
		if rec, ok := m.seen[key]; ok && now.Sub(rec.recordedAt) < m.window {
			return false
		}
		m.seen[key] = record{recordedAt: now}
	}

	m.totals[metric] += amount
	if sessionID != "" {
		bucket, ok := m.perSession[sessionID]
		if !ok {
			bucket = make(map[string]int64)
			m.perSession[sessionID] = bucket
		}
		bucket[metric] += amount
	}
	return true
}

// Snapshot returns a copy of the counters.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := make(map[string]int64, len(m.totals))
	for k, v := range m.totals {
		totals[k] = v
	}
	perSession := make(map[string]map[string]int64, len(m.perSession))
	for id, bucket := range m.perSession {
		copied := make(map[string]int64, len(bucket))
		for k, v := range bucket {
			copied[k] = v
		}
		perSession[id] = copied
	}
	return Snapshot{Totals: totals, PerSession: perSession, TrackedAt: m.now().UTC()}
}

// Expire forgets idempotency keys older than the window. Totals are kept.
func (m *Meter) Expire(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, rec := range m.seen {
		if now.Sub(rec.recordedAt) >= m.window {
			delete(m.seen, key)
			removed++
		}
	}
	return removed
}
