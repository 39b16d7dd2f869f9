package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory keeps raw event timestamps and prunes them lazily on every call.
type Memory struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	perKey map[string][]time.Time
	global []time.Time
}

func NewMemory(cfg Config, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		cfg:    cfg.withDefaults(),
		now:    now,
		perKey: make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.global = prune(m.global, now, m.cfg.Window)
	events := prune(m.perKey[key], now, m.cfg.Window)
	if len(events) == 0 {
		delete(m.perKey, key)
	} else {
		m.perKey[key] = events
	}

	if m.cfg.Global > 0 && len(m.global) >= m.cfg.Global {
		return false, nil
	}
	if len(events) >= m.cfg.PerKey {
		return false, nil
	}

	m.perKey[key] = append(events, now)
	m.global = append(m.global, now)
	return true, nil
}

// prune drops timestamps that are window or more in the past. Slices are
// append-ordered so the cut is a prefix.
func prune(events []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(events) && now.Sub(events[i]) >= window {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0:0], events[i:]...)
}

var _ Limiter = (*Memory)(nil)
