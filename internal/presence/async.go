package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// AsyncHook runs an inner hook on background workers. A user always maps to
// the same worker, so one user's changes reach the inner hook in order while
// a slow write for one user never holds up the caller.
type AsyncHook struct {
	inner  Hook
	queues []chan change
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type change struct {
	ctx    context.Context
	userID string
	status string
	at     time.Time
}

// NewAsyncHook starts workers goroutines, each with a queue of depth
// entries. Non-positive values fall back to 4 workers and 256 entries.
func NewAsyncHook(inner Hook, workers, depth int) *AsyncHook {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 256
	}
	a := &AsyncHook{inner: inner, queues: make([]chan change, workers)}
	for i := range a.queues {
		q := make(chan change, depth)
		a.queues[i] = q
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for c := range q {
				a.inner.PresenceChanged(c.ctx, c.userID, c.status, c.at)
			}
		}()
	}
	return a
}

// PresenceChanged queues the change. It blocks only while the user's worker
// queue is full. Changes after Close run inline.
func (a *AsyncHook) PresenceChanged(ctx context.Context, userID, status string, at time.Time) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.inner.PresenceChanged(ctx, userID, status, at)
		return
	}
	a.queues[a.shard(userID)] <- change{ctx: context.WithoutCancel(ctx), userID: userID, status: status, at: at}
	a.mu.RUnlock()
}

// Close stops accepting work and waits until every queued change ran.
func (a *AsyncHook) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, q := range a.queues {
		close(q)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AsyncHook) shard(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(a.queues)))
}
