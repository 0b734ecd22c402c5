package ratelimit

import (
	"context"
	"sync"
	"time"

	"chatrelay/internal/clock"
)

// Memory is a per-key fixed-window limiter held in process memory.
// ARCHITECTURAL DISCOVERY: per-key state is dropped by Cleanup after five
// idle windows so abandoned keys do not leak.
type Memory struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	start time.Time
}

// NewMemory allows limit events per window for each key.
func NewMemory(limit int, period time.Duration, clk clock.Clock) (*Memory, error) {
	if limit <= 0 || period <= 0 {
		return nil, ErrInvalidLimit
	}
	if clk == nil {
		clk = clock.System
	}
	return &Memory{limit: limit, window: period, clock: clk, windows: make(map[string]*window)}, nil
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.window {
		w = &window{start: now}
		m.windows[key] = w
	}
	if w.count < m.limit {
		w.count++
		return decide(m.limit, w.count, 0), nil
	}
	return decide(m.limit, m.limit+1, w.start.Add(m.window).Sub(now)), nil
}

// Cleanup removes keys idle for more than five windows and returns how many
// were dropped.
func (m *Memory) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for key, w := range m.windows {
		if now.Sub(w.start) > 5*m.window {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (m *Memory) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Len reports how many keys are tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
