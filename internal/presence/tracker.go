// Package presence derives per-user online status from live connections.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/pkg/types"
)

// Hook observes presence transitions. Hooks run one at a time, in
// transition order, without the tracker lock held.
type Hook interface {
	PresenceChanged(ctx context.Context, userID, status string, at time.Time)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, userID, status string, at time.Time)

func (f HookFunc) PresenceChanged(ctx context.Context, userID, status string, at time.Time) {
	f(ctx, userID, status, at)
}

// Tracker implements the union rule: a user is online while at least one
// live, focused connection maps to them.
type Tracker struct {
	clock  clock.Clock
	logger *slog.Logger
	hooks  []Hook

	mu     sync.Mutex
	conns  map[string]map[string]bool // userID -> connID -> focused
	online map[string]bool

	notifyMu sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithHooks appends hooks fired on every transition.
func WithHooks(h ...Hook) Option { return func(t *Tracker) { t.hooks = append(t.hooks, h...) } }

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		clock:  clock.System,
		logger: slog.Default(),
		conns:  make(map[string]map[string]bool),
		online: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "presence"))
	return t
}

// Connect registers a live connection. New connections start focused.
func (t *Tracker) Connect(ctx context.Context, userID, connID string) {
	if userID == "" || connID == "" {
		return
	}
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]bool)
		t.conns[userID] = set
	}
	set[connID] = true
	t.settle(ctx, userID)
}

// Disconnect forgets a connection. The user goes offline when it was the
// last one.
func (t *Tracker) Disconnect(ctx context.Context, userID, connID string) {
	t.mu.Lock()
	if set, ok := t.conns[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.conns, userID)
		}
	}
	t.settle(ctx, userID)
}

// SetFocus records a focus or blur of a known connection. Unknown
// connections are ignored and reported as false.
func (t *Tracker) SetFocus(ctx context.Context, userID, connID string, focused bool) bool {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if _, known := set[connID]; !known {
		t.mu.Unlock()
		return false
	}
	set[connID] = focused
	t.settle(ctx, userID)
	return true
}

// MarkOnline forces userID online. It reports whether this was a transition.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) bool {
	t.mu.Lock()
	return t.transition(ctx, userID, true)
}

// MarkOffline forces userID offline. It reports whether this was a
// transition.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) bool {
	t.mu.Lock()
	return t.transition(ctx, userID, false)
}

// settle recomputes userID's status from its connections. Called with t.mu
// held; returns with it released.
func (t *Tracker) settle(ctx context.Context, userID string) {
	want := false
	for _, focused := range t.conns[userID] {
		if focused {
			want = true
			break
		}
	}
	t.transition(ctx, userID, want)
}

// transition is called with t.mu held and releases it. Hooks fire after the
// state lock is dropped but before notifyMu is released, so they observe
// transitions in order.
func (t *Tracker) transition(ctx context.Context, userID string, online bool) bool {
	if t.online[userID] == online {
		t.mu.Unlock()
		return false
	}
	if online {
		t.online[userID] = true
	} else {
		delete(t.online, userID)
	}
	at := t.clock.Now()

	t.notifyMu.Lock()
	t.mu.Unlock()
	defer t.notifyMu.Unlock()

	status := types.StatusOffline
	if online {
		status = types.StatusOnline
	}
	t.logger.Debug("presence changed", slog.String("user_id", userID), slog.String("status", status))
	for _, h := range t.hooks {
		h.PresenceChanged(ctx, userID, status, at)
	}
	return true
}

// IsOnline reports userID's current status.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// Connections counts live connections of userID.
func (t *Tracker) Connections(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID])
}

// OnlineUsers lists online users, sorted.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}
