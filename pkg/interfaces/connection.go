package interfaces

import "chatrelay/pkg/types"

// Connection is one live realtime endpoint as seen by the core.
// ARCHITECTURAL DISCOVERY: rooms, relay and hub only depend on this contract,
// so they can be driven by in-memory fakes in tests.
type Connection interface {
	// ID is unique per transport handshake. A reconnect yields a new ID.
	ID() string

	// UserID is empty until the connection authenticates.
	UserID() string

	// Identity returns the authenticated (userId, role) pair.
	Identity() types.Identity

	IsAuthenticated() bool

	// Send queues an event on the connection's single writer. It never
	// blocks on the network.
	Send(event types.Event) error

	// RoomJoined and RoomLeft let the connection track its joined set.
	RoomJoined(roomID string)
	RoomLeft(roomID string)

	Close() error
}
