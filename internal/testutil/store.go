package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Store is an in-memory interfaces.DatabaseManager. Set the Fail* fields to
// simulate upstream failures.
type Store struct {
	mu       sync.Mutex
	users    map[string]*types.User
	chats    map[string]*types.Chat
	members  map[string]map[string]time.Time // chatID -> userID -> joinedAt
	messages map[string]*types.Message
	seen     map[string]map[string]time.Time // messageID -> userID -> seenAt
	resets   map[string]reset                // tokenHash -> reset
	presence map[string]string

	FailCreateMessage error
	FailIsMember      error
	FailHealth        error
}

type reset struct {
	userID    string
	expiresAt time.Time
}

var _ interfaces.DatabaseManager = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*types.User),
		chats:    make(map[string]*types.Chat),
		members:  make(map[string]map[string]time.Time),
		messages: make(map[string]*types.Message),
		seen:     make(map[string]map[string]time.Time),
		resets:   make(map[string]reset),
		presence: make(map[string]string),
	}
}

func copyUser(u *types.User) *types.User {
	c := *u
	return &c
}

func (s *Store) CreateUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return interfaces.ErrDuplicate
		}
	}
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *Store) ListUsers(_ context.Context) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return interfaces.ErrNotFound
	}
	for id, u := range s.users {
		if id != user.ID && u.Email == user.Email {
			return interfaces.ErrDuplicate
		}
	}
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *Store) UpdateUserRole(_ context.Context, id string, role types.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	u.Role = role
	return nil
}

func (s *Store) DeleteUsers(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := s.users[id]; ok {
			delete(s.users, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdatePresence(_ context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[id] = status
	if u, ok := s.users[id]; ok {
		u.Status = status
		seen := at
		u.LastSeenAt = &seen
	}
	return nil
}

// Presence returns the last status written for id.
func (s *Store) Presence(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence[id]
}

func (s *Store) SetPasswordReset(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, r := range s.resets {
		if r.userID == userID {
			delete(s.resets, h)
		}
	}
	s.resets[tokenHash] = reset{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *Store) ConsumePasswordReset(_ context.Context, tokenHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[tokenHash]
	if !ok || !now.Before(r.expiresAt) {
		return "", interfaces.ErrNotFound
	}
	delete(s.resets, tokenHash)
	return r.userID, nil
}

// PendingResets counts stored reset tokens.
func (s *Store) PendingResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resets)
}

func (s *Store) CreateChat(_ context.Context, chat *types.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *chat
	s.chats[chat.ID] = &c
	s.members[chat.ID] = map[string]time.Time{chat.AdminID: chat.CreatedAt}
	return nil
}

func (s *Store) GetChat(_ context.Context, id string) (*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) ListChatsForUser(_ context.Context, userID string) ([]*types.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Chat
	for chatID, m := range s.members {
		if _, ok := m[userID]; ok {
			c := *s.chats[chatID]
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AddMember(_ context.Context, chatID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[chatID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if _, dup := m[userID]; dup {
		return interfaces.ErrDuplicate
	}
	m[userID] = at
	return nil
}

func (s *Store) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailIsMember != nil {
		return false, s.FailIsMember
	}
	_, ok := s.members[chatID][userID]
	return ok, nil
}

func (s *Store) CreateMessage(_ context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreateMessage != nil {
		return s.FailCreateMessage
	}
	m := *msg
	s.messages[msg.ID] = &m
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		c := *m
		if u, ok := s.users[m.SenderID]; ok {
			c.Sender = &types.UserSummary{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// MessageCount reports how many messages were persisted.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) MarkSeen(_ context.Context, messageID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return interfaces.ErrNotFound
	}
	m, ok := s.seen[messageID]
	if !ok {
		m = make(map[string]time.Time)
		s.seen[messageID] = m
	}
	if _, dup := m[userID]; !dup {
		m[userID] = at
	}
	return nil
}

// SeenBy reports whether userID marked messageID as seen.
func (s *Store) SeenBy(messageID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[messageID][userID]
	return ok
}

func (s *Store) HealthCheck(context.Context) error { return s.FailHealth }

func (s *Store) Close() error { return nil }
