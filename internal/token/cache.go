package token

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"chatrelay/internal/clock"
	"chatrelay/pkg/types"
)

// Kind separates access tokens from refresh tokens. Each kind has its own
// signing secret and lifetime.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Payload is the decoded, verified content of a token.
type Payload struct {
	ID        string // jti
	UserID    string
	Role      types.Role
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Identity returns the (userId, role) pair the token resolves to.
func (p Payload) Identity() types.Identity {
	return types.Identity{UserID: p.UserID, Role: p.Role}
}

// Cache memoizes verified payloads keyed by the raw token string.
// ARCHITECTURAL DISCOVERY: locking is per shard, so lookups for unrelated
// tokens never contend on one mutex.
type Cache struct {
	shards []*shard
	clock  clock.Clock
}

type shard struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[string, Payload]
	byUser map[string]map[string]struct{}
}

// NewCache builds a cache holding at most capacity entries spread over
// shardCount shards.
func NewCache(capacity, shardCount int, clk clock.Clock) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("token cache capacity must be positive, got %d", capacity)
	}
	if shardCount <= 0 {
		shardCount = 1
	}
	if shardCount > capacity {
		shardCount = capacity
	}
	if clk == nil {
		clk = clock.System
	}

	perShard := capacity / shardCount
	c := &Cache{shards: make([]*shard, shardCount), clock: clk}
	for i := range c.shards {
		s := &shard{byUser: make(map[string]map[string]struct{})}
		lru, err := simplelru.NewLRU[string, Payload](perShard, s.onEvict)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache shard: %w", err)
		}
		s.lru = lru
		c.shards[i] = s
	}
	return c, nil
}

// onEvict keeps the per-user index in step with the LRU. It runs with the
// shard lock held.
func (s *shard) onEvict(tok string, p Payload) {
	tokens := s.byUser[p.UserID]
	delete(tokens, tok)
	if len(tokens) == 0 {
		delete(s.byUser, p.UserID)
	}
}

func (c *Cache) shardFor(tok string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tok))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached payload for tok. An entry at or past its expiry is
// dropped and reported as a miss.
func (c *Cache) Get(tok string, kind Kind) (Payload, bool) {
	s := c.shardFor(tok)
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lru.Get(tok)
	if !ok {
		return Payload{}, false
	}
	if !c.clock.Now().Before(p.ExpiresAt) {
		s.lru.Remove(tok)
		return Payload{}, false
	}
	if p.Kind != kind {
		return Payload{}, false
	}
	return p, true
}

// Put stores a verified payload. Already expired payloads are ignored.
func (c *Cache) Put(tok string, p Payload) {
	if !c.clock.Now().Before(p.ExpiresAt) {
		return
	}
	s := c.shardFor(tok)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Add(tok, p)
	tokens, ok := s.byUser[p.UserID]
	if !ok {
		tokens = make(map[string]struct{})
		s.byUser[p.UserID] = tokens
	}
	tokens[tok] = struct{}{}
}

// Evict removes a single token.
func (c *Cache) Evict(tok string) bool {
	s := c.shardFor(tok)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Remove(tok)
}

// EvictUser removes every entry belonging to userID and returns how many
// were dropped.
func (c *Cache) EvictUser(userID string) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		tokens := s.byUser[userID]
		keys := make([]string, 0, len(tokens))
		for tok := range tokens {
			keys = append(keys, tok)
		}
		for _, tok := range keys {
			if s.lru.Remove(tok) {
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Sweep drops expired entries across all shards.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, tok := range s.lru.Keys() {
			p, ok := s.lru.Peek(tok)
			if ok && !now.Before(p.ExpiresAt) {
				s.lru.Remove(tok)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}
