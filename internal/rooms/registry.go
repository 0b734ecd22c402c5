// Package rooms fans realtime events out to the connections that joined a
// chat room.
package rooms

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Attempted int
	Delivered int
	Failed    int
}

// Recorder observes broadcasts.
type Recorder interface {
	Broadcast(d Delivery)
}

type noopRecorder struct{}

func (noopRecorder) Broadcast(Delivery) {}

// Registry owns join, leave, broadcast and disconnect cleanup. Member
// storage is injected; the registry itself only tracks which rooms each
// connection joined so that disconnect cleanup is exhaustive.
type Registry struct {
	store    Store
	recorder Recorder
	logger   *slog.Logger

	mu          sync.Mutex
	memberships map[string]map[string]struct{} // connID -> roomIDs
}

// Option customizes a Registry.
type Option func(*Registry)

func WithRecorder(r Recorder) Option { return func(reg *Registry) { reg.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(reg *Registry) { reg.logger = l } }

// NewRegistry builds a registry over store. A nil store means MemoryStore.
func NewRegistry(store Store, opts ...Option) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Registry{
		store:       store,
		recorder:    noopRecorder{},
		logger:      slog.Default(),
		memberships: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "rooms"))
	return r
}

// Join adds conn to roomID. Joining twice is a no-op.
func (r *Registry) Join(conn interfaces.Connection, roomID string) error {
	if conn == nil || !conn.IsAuthenticated() {
		return types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, nil)
	}
	if roomID == "" {
		return types.ValidationFailed(types.ReasonInvalidID, "Room id is required")
	}

	if !r.store.Add(roomID, conn) {
		return nil
	}

	r.mu.Lock()
	joined, ok := r.memberships[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[conn.ID()] = joined
	}
	joined[roomID] = struct{}{}
	r.mu.Unlock()

	conn.RoomJoined(roomID)
	r.logger.Debug("joined room",
		slog.String("room_id", roomID),
		slog.String("conn_id", conn.ID()),
		slog.String("user_id", conn.UserID()),
	)
	return nil
}

// Leave removes conn from roomID. It reports whether conn was a member.
func (r *Registry) Leave(conn interfaces.Connection, roomID string) bool {
	if conn == nil {
		return false
	}
	removed := r.store.Remove(roomID, conn.ID())

	r.mu.Lock()
	if joined, ok := r.memberships[conn.ID()]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.memberships, conn.ID())
		}
	}
	r.mu.Unlock()

	if removed {
		conn.RoomLeft(roomID)
	}
	return removed
}

// OnDisconnect removes conn from every room it joined and returns those
// rooms. Safe to call more than once; later calls find nothing.
func (r *Registry) OnDisconnect(conn interfaces.Connection) []string {
	if conn == nil {
		return nil
	}

	r.mu.Lock()
	joined := r.memberships[conn.ID()]
	delete(r.memberships, conn.ID())
	r.mu.Unlock()

	left := make([]string, 0, len(joined))
	for roomID := range joined {
		if r.store.Remove(roomID, conn.ID()) {
			left = append(left, roomID)
		}
	}
	if len(left) > 0 {
		r.logger.Debug("connection removed from rooms",
			slog.String("conn_id", conn.ID()),
			slog.Int("rooms", len(left)),
		)
	}
	return left
}

// Broadcast sends event to every member of roomID except exclude (which may
// be nil). The member set is snapshotted first; sends are fire-and-forget
// and one failing recipient never stops the others. Failures come back as a
// DeliveryPartialFailure error for the caller to log and absorb.
func (r *Registry) Broadcast(roomID string, event types.Event, exclude interfaces.Connection) (Delivery, error) {
	members := r.store.Members(roomID)

	var d Delivery
	var failures []error
	for _, m := range members {
		if exclude != nil && m.ID() == exclude.ID() {
			continue
		}
		d.Attempted++
		if err := m.Send(event); err != nil {
			d.Failed++
			failures = append(failures, fmt.Errorf("conn %s: %w", m.ID(), err))
			r.logger.Warn("delivery failed",
				slog.String("room_id", roomID),
				slog.String("conn_id", m.ID()),
				slog.String("event", event.Name),
				slog.Any("error", err),
			)
			continue
		}
		d.Delivered++
	}
	r.recorder.Broadcast(d)

	if d.Failed > 0 {
		return d, types.NewError(types.KindDeliveryPartialFailure, types.ReasonPartialDelivery,
			fmt.Sprintf("%d of %d recipients unreachable", d.Failed, d.Attempted), errors.Join(failures...))
	}
	return d, nil
}

// Members returns a snapshot of roomID's member connections.
func (r *Registry) Members(roomID string) []interfaces.Connection {
	return r.store.Members(roomID)
}

// RoomsOf lists the rooms conn currently belongs to.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.memberships[connID]))
	for roomID := range r.memberships[connID] {
		out = append(out, roomID)
	}
	return out
}

// Stats reports occupancy for health checks and metrics.
func (r *Registry) Stats() Stats {
	return r.store.Stats()
}
