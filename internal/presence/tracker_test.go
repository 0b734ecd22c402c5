package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/clock"
	"chatrelay/internal/testutil"
	"chatrelay/pkg/types"
)

type transition struct {
	userID string
	status string
}

type recordingHook struct {
	mu  sync.Mutex
	got []transition
}

func (h *recordingHook) PresenceChanged(_ context.Context, userID, status string, _ time.Time) {
	h.mu.Lock()
	h.got = append(h.got, transition{userID, status})
	h.mu.Unlock()
}

func (h *recordingHook) transitions() []transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transition(nil), h.got...)
}

var ctx = context.Background()

// Functional Validation Tests - union rule

func TestTracker_MultiConnectionUnion(t *testing.T) {
	hook := &recordingHook{}
	tr := NewTracker(WithHooks(hook))

	tr.Connect(ctx, "u", "c1")
	tr.Connect(ctx, "u", "c2")
	assert.True(t, tr.IsOnline("u"))

	tr.Disconnect(ctx, "u", "c1")
	assert.True(t, tr.IsOnline("u"), "one live connection keeps the user online")

	tr.Disconnect(ctx, "u", "c2")
	assert.False(t, tr.IsOnline("u"))

	tr.Disconnect(ctx, "u", "c2")

	assert.Equal(t, []transition{
		{"u", types.StatusOnline},
		{"u", types.StatusOffline},
	}, hook.transitions(), "offline fires exactly once")
}

func TestTracker_FocusAndBlur(t *testing.T) {
	hook := &recordingHook{}
	tr := NewTracker(WithHooks(hook))

	tr.Connect(ctx, "u", "c1")
	tr.Connect(ctx, "u", "c2")

	assert.True(t, tr.SetFocus(ctx, "u", "c1", false))
	assert.True(t, tr.IsOnline("u"), "c2 is still focused")

	assert.True(t, tr.SetFocus(ctx, "u", "c2", false))
	assert.False(t, tr.IsOnline("u"))
	assert.Equal(t, 2, tr.Connections("u"), "blurred connections stay live")

	assert.True(t, tr.SetFocus(ctx, "u", "c2", true))
	assert.True(t, tr.IsOnline("u"))

	assert.Equal(t, []transition{
		{"u", types.StatusOnline},
		{"u", types.StatusOffline},
		{"u", types.StatusOnline},
	}, hook.transitions())
}

func TestTracker_SetFocusUnknownConnection(t *testing.T) {
	tr := NewTracker()
	tr.Connect(ctx, "u", "c1")

	assert.False(t, tr.SetFocus(ctx, "u", "nope", true))
	assert.False(t, tr.SetFocus(ctx, "other", "c1", true))
}

func TestTracker_MarkIsIdempotent(t *testing.T) {
	hook := &recordingHook{}
	tr := NewTracker(WithHooks(hook))

	assert.True(t, tr.MarkOnline(ctx, "u"))
	assert.False(t, tr.MarkOnline(ctx, "u"))
	assert.True(t, tr.MarkOffline(ctx, "u"))
	assert.False(t, tr.MarkOffline(ctx, "u"))

	assert.Len(t, hook.transitions(), 2)
}

func TestTracker_IgnoresEmptyIdentifiers(t *testing.T) {
	tr := NewTracker()

	tr.Connect(ctx, "", "c1")
	tr.Connect(ctx, "u", "")

	assert.Empty(t, tr.OnlineUsers())
}

func TestTracker_OnlineUsersSorted(t *testing.T) {
	tr := NewTracker()
	tr.Connect(ctx, "b", "c1")
	tr.Connect(ctx, "a", "c2")

	assert.Equal(t, []string{"a", "b"}, tr.OnlineUsers())
}

func TestTracker_HookSeesClockTime(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var at time.Time
	tr := NewTracker(
		WithClock(clock.NewFake(start)),
		WithHooks(HookFunc(func(_ context.Context, _, _ string, ts time.Time) { at = ts })),
	)

	tr.Connect(ctx, "u", "c1")

	assert.Equal(t, start, at)
}

// Functional Validation Tests - store hook

func TestStoreHook_PersistsStatus(t *testing.T) {
	store := testutil.NewStore()
	tr := NewTracker(WithHooks(StoreHook{Store: store}))

	tr.Connect(ctx, "u", "c1")
	assert.Equal(t, types.StatusOnline, store.Presence("u"))

	tr.Disconnect(ctx, "u", "c1")
	assert.Equal(t, types.StatusOffline, store.Presence("u"))
}

type failingWriter struct{}

func (failingWriter) UpdatePresence(context.Context, string, string, time.Time) error {
	return errors.New("database is locked")
}

func TestStoreHook_FailureIsAbsorbed(t *testing.T) {
	tr := NewTracker(WithHooks(StoreHook{Store: failingWriter{}}))

	require.NotPanics(t, func() { tr.Connect(ctx, "u", "c1") })
	assert.True(t, tr.IsOnline("u"))
}

// Concurrency Tests

func TestTracker_ConcurrentConnections(t *testing.T) {
	hook := &recordingHook{}
	tr := NewTracker(WithHooks(hook))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			tr.Connect(ctx, "u", connID)
			tr.SetFocus(ctx, "u", connID, i%2 == 0)
			tr.Disconnect(ctx, "u", connID)
		}(i)
	}
	wg.Wait()

	assert.False(t, tr.IsOnline("u"))
	got := hook.transitions()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.NotEqual(t, got[i-1].status, got[i].status, "transitions alternate")
	}
	assert.Equal(t, types.StatusOffline, got[len(got)-1].status)
}
