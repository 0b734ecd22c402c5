// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// ErrConnClosed is returned by Conn.Send after Close.
var ErrConnClosed = errors.New("fake connection closed")

// Conn is an in-memory interfaces.Connection that records what it is sent.
type Conn struct {
	id string

	mu       sync.Mutex
	identity types.Identity
	events   []types.Event
	rooms    map[string]struct{}
	sendErr  error
	closed   bool
}

var _ interfaces.Connection = (*Conn)(nil)

// NewConn returns an authenticated fake for userID with role USER.
func NewConn(userID string) *Conn {
	return NewConnWithRole(userID, types.RoleUser)
}

// NewConnWithRole returns an authenticated fake. An empty userID yields an
// unauthenticated connection.
func NewConnWithRole(userID string, role types.Role) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		identity: types.Identity{UserID: userID, Role: role},
		rooms:    make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID
}

func (c *Conn) Identity() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.UserID != "" && !c.closed
}

func (c *Conn) Send(event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, event)
	return nil
}

func (c *Conn) RoomJoined(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) RoomLeft(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// FailSends makes every following Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Events returns a copy of everything sent so far.
func (c *Conn) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

// EventsNamed returns the sent events with the given name.
func (c *Conn) EventsNamed(name string) []types.Event {
	var out []types.Event
	for _, e := range c.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// InRoom reports whether the connection was told it joined roomID.
func (c *Conn) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Reset forgets recorded events.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
