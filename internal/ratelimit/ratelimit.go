// Package ratelimit throttles generation requests per agent with a sliding
// window: at most Limit events in any Window-long span.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter reports whether one more event for key fits in the window and,
// if it does, records it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Limit  int
	Window time.Duration
}

// Memory is a single-process sliding window.
type Memory struct {
	cfg   Config
	clock clockwork.Clock

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewMemory(cfg Config, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{cfg: cfg, clock: clock, events: make(map[string][]time.Time)}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[key][:0]
	for _, at := range m.events[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= m.cfg.Limit {
		m.events[key] = kept
		return false, nil
	}
	m.events[key] = append(kept, now)
	return true, nil
}

// Forget drops the history for key, e.g. when an agent is retired.
func (m *Memory) Forget(key string) {
	m.mu.Lock()
	delete(m.events, key)
	m.mu.Unlock()
}
