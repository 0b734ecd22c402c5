package rooms

import (
	"sync"

	"chatrelay/pkg/interfaces"
)

// Store holds room member sets. Implementations must apply Add and Remove
// atomically with respect to Members: a snapshot sees a member either fully
// present or fully absent.
type Store interface {
	// Add inserts m into roomID, creating the room if needed. It reports
	// false when m was already a member.
	Add(roomID string, m interfaces.Connection) bool

	// Remove deletes the member with connID from roomID and drops the room
	// once it is empty. It reports false when there was nothing to remove.
	Remove(roomID, connID string) bool

	// Members returns a snapshot of roomID's members.
	Members(roomID string) []interfaces.Connection

	Stats() Stats
}

// Stats summarizes room occupancy.
type Stats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

type room struct {
	mu      sync.RWMutex
	members map[string]interfaces.Connection
	dead    bool // set once the room is unlinked from the store
}

// MemoryStore keeps rooms in process memory. The store-wide lock only guards
// room creation and collection; membership changes lock a single room.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*room)}
}

func (s *MemoryStore) lookup(roomID string) *room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

func (s *MemoryStore) acquire(roomID string) *room {
	if r := s.lookup(roomID); r != nil {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &room{members: make(map[string]interfaces.Connection)}
		s.rooms[roomID] = r
	}
	return r
}

func (s *MemoryStore) Add(roomID string, m interfaces.Connection) bool {
	for {
		r := s.acquire(roomID)
		r.mu.Lock()
		if r.dead {
			// Collected between acquire and lock; retry against a fresh room.
			r.mu.Unlock()
			continue
		}
		_, exists := r.members[m.ID()]
		if !exists {
			r.members[m.ID()] = m
		}
		r.mu.Unlock()
		return !exists
	}
}

func (s *MemoryStore) Remove(roomID, connID string) bool {
	r := s.lookup(roomID)
	if r == nil {
		return false
	}

	r.mu.Lock()
	_, exists := r.members[connID]
	delete(r.members, connID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		s.collect(roomID, r)
	}
	return exists
}

// collect unlinks r if it is still empty. Lock order is store, then room.
func (s *MemoryStore) collect(roomID string, r *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.dead {
		return
	}
	r.dead = true
	if s.rooms[roomID] == r {
		delete(s.rooms, roomID)
	}
}

func (s *MemoryStore) Members(roomID string) []interfaces.Connection {
	r := s.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Connection, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Rooms: len(s.rooms)}
	for _, r := range s.rooms {
		r.mu.RLock()
		st.Members += len(r.members)
		r.mu.RUnlock()
	}
	return st
}
