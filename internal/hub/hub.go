// Package hub connects socket connections to the room registry, the presence
// tracker and the message relay.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"chatrelay/internal/presence"
	"chatrelay/internal/relay"
	"chatrelay/internal/rooms"
	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

const closePolicyViolation = 1008

// Authorizer re-runs the session gate for in-band auth frames.
type Authorizer interface {
	Authorize(ctx context.Context, creds session.Credentials) (session.Decision, error)
}

// Recorder observes connection lifecycle and inbound events.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	SocketEvent(name, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ConnectionOpened() {}

func (noopRecorder) ConnectionClosed() {}

func (noopRecorder) SocketEvent(string, string) {}

// Stats is the realtime section of the health report.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"onlineUsers"`
	Rooms       int `json:"rooms"`
	RoomMembers int `json:"roomMembers"`
}

type lifecycleEvent struct {
	ctx  context.Context
	conn interfaces.Connection
}

// Hub runs the connect step and inbound frames on the connection's own
// goroutine and the disconnect cleanup on one lifecycle goroutine.
// ARCHITECTURAL DISCOVERY: the connect step finishes before the first frame
// is read, so a focus event can never overtake the connection's
// registration in the presence tracker.
type Hub struct {
	rooms    *rooms.Registry
	presence *presence.Tracker
	relay    *relay.Relay
	members  interfaces.MembershipChecker
	gate     Authorizer
	recorder Recorder
	logger   *slog.Logger

	lifecycle chan lifecycleEvent
	shutdown  chan struct{}
	done      chan struct{}

	running bool
	mu      sync.RWMutex

	connsMu sync.RWMutex
	conns   map[string]interfaces.Connection
}

// Option customizes a Hub.
type Option func(*Hub)

// WithGate enables in-band auth frames on authenticated connections.
func WithGate(g Authorizer) Option { return func(h *Hub) { h.gate = g } }

func WithRecorder(r Recorder) Option { return func(h *Hub) { h.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub wires the realtime components together.
func NewHub(reg *rooms.Registry, tracker *presence.Tracker, r *relay.Relay, members interfaces.MembershipChecker, opts ...Option) *Hub {
	h := &Hub{
		rooms:     reg,
		presence:  tracker,
		relay:     r,
		members:   members,
		recorder:  noopRecorder{},
		logger:    slog.Default(),
		lifecycle: make(chan lifecycleEvent, 100),
		conns:     make(map[string]interfaces.Connection),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "hub"))
	return h
}

// Start launches the lifecycle loop. Cancelling ctx stops the hub.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})
	shutdown := h.shutdown
	h.mu.Unlock()

	h.logger.Info("starting hub")
	go h.run(shutdown, h.done)
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Stop()
		case <-shutdown:
		}
	}()
	return nil
}

// Stop ends the lifecycle loop after it has processed every queued event.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

// Running reports whether the lifecycle loop is active.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(shutdown, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-h.lifecycle:
			h.handle(ev)
		case <-shutdown:
			for {
				select {
				case ev := <-h.lifecycle:
					h.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) handle(ev lifecycleEvent) {
	h.disconnect(ev.ctx, ev.conn)
}

// Register runs the connect step on the caller's goroutine. It fails when
// the hub is stopped, and the caller should then drop the socket.
func (h *Hub) Register(ctx context.Context, conn interfaces.Connection) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.connect(context.WithoutCancel(ctx), conn)
	return nil
}

// Unregister queues the disconnect step. It never drops the event: when the
// hub is stopped the cleanup runs on the caller's goroutine.
func (h *Hub) Unregister(ctx context.Context, conn interfaces.Connection) {
	ctx = context.WithoutCancel(ctx)
	h.mu.RLock()
	if h.running {
		h.lifecycle <- lifecycleEvent{ctx: ctx, conn: conn}
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()
	h.disconnect(ctx, conn)
}

func (h *Hub) connect(ctx context.Context, conn interfaces.Connection) {
	h.connsMu.Lock()
	h.conns[conn.ID()] = conn
	h.connsMu.Unlock()

	h.presence.Connect(ctx, conn.UserID(), conn.ID())
	h.recorder.ConnectionOpened()
	h.logger.Debug("connection registered", slog.String("conn_id", conn.ID()), slog.String("user_id", conn.UserID()))
}

// disconnect removes conn from every room and then from presence.
func (h *Hub) disconnect(ctx context.Context, conn interfaces.Connection) {
	h.connsMu.Lock()
	_, known := h.conns[conn.ID()]
	delete(h.conns, conn.ID())
	h.connsMu.Unlock()

	left := h.rooms.OnDisconnect(conn)
	h.presence.Disconnect(ctx, conn.UserID(), conn.ID())
	if known {
		h.recorder.ConnectionClosed()
	}
	h.logger.Debug("connection unregistered",
		slog.String("conn_id", conn.ID()),
		slog.String("user_id", conn.UserID()),
		slog.Int("rooms_left", len(left)),
	)
}

// Dispatch handles one inbound frame. Failures go back to the sender as an
// error event; only a failed auth frame closes the connection.
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, frame []byte) {
	if !gjson.ValidBytes(frame) {
		h.fail(conn, "", types.ValidationFailed(types.ReasonInvalidPayload, "Frame is not valid JSON"))
		return
	}
	name := gjson.GetBytes(frame, "event").String()
	data := gjson.GetBytes(frame, "data")

	var err error
	switch name {
	case types.EventAuth:
		err = h.reauth(ctx, conn, data)
	case types.EventJoinChat:
		err = h.join(ctx, conn, roomID(data))
	case types.EventLeaveChat:
		err = h.leave(conn, roomID(data))
	case types.EventSendMessage:
		_, err = h.relay.Send(ctx, relay.FromConn(conn), roomID(data), data.Get("content").String())
	case types.EventOnline, types.EventOffline:
		err = h.focus(ctx, conn, data, name == types.EventOnline)
	default:
		err = types.ValidationFailed(types.ReasonUnknownEvent, "Unknown event: "+name)
	}

	if err != nil {
		h.recorder.SocketEvent(name, string(types.AsError(err).Kind))
		h.fail(conn, name, err)
		if name == types.EventAuth && types.KindOf(err) == types.KindUnauthenticated {
			h.closeConn(conn, types.AsError(err).Reason)
		}
		return
	}
	h.recorder.SocketEvent(name, "ok")
}

// roomID reads the target room. Clients send either {"roomId": ...},
// {"chatId": ...} or the bare id as a string.
func roomID(data gjson.Result) string {
	if data.Type == gjson.String {
		return data.String()
	}
	if id := data.Get("roomId").String(); id != "" {
		return id
	}
	return data.Get("chatId").String()
}

type authenticator interface {
	Authenticate(id types.Identity) error
}

func (h *Hub) reauth(ctx context.Context, conn interfaces.Connection, data gjson.Result) error {
	a, ok := conn.(authenticator)
	if h.gate == nil || !ok {
		return types.ValidationFailed(types.ReasonUnknownEvent, "Connection is already authenticated")
	}
	d, err := h.gate.Authorize(ctx, session.Credentials{
		AccessToken:  data.Get("accessToken").String(),
		RefreshToken: data.Get("refreshToken").String(),
	})
	if err != nil {
		return err
	}
	if err := a.Authenticate(d.Identity); err != nil {
		return err
	}
	if d.Rotation != nil {
		_ = conn.Send(types.Event{Name: types.EventSessionRefreshed, Data: session.Credentials{
			AccessToken:  d.Rotation.AccessToken,
			RefreshToken: d.Rotation.RefreshToken,
		}})
	}
	return nil
}

func (h *Hub) join(ctx context.Context, conn interfaces.Connection, chatID string) error {
	if !conn.IsAuthenticated() {
		return types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, nil)
	}
	if err := types.ValidateChatID(chatID); err != nil {
		return err
	}
	ok, err := h.members.IsMember(ctx, chatID, conn.UserID())
	if err != nil {
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if !ok {
		return types.Forbidden(types.ReasonNotMember, "You are not a member of this chat")
	}
	if err := h.rooms.Join(conn, chatID); err != nil {
		return err
	}
	return conn.Send(types.Event{Name: types.EventJoinedChat, Data: map[string]string{"roomId": chatID}})
}

func (h *Hub) leave(conn interfaces.Connection, chatID string) error {
	if chatID == "" {
		return types.ValidationFailed(types.ReasonInvalidID, "Invalid chat ID format")
	}
	h.rooms.Leave(conn, chatID)
	return conn.Send(types.Event{Name: types.EventLeftChat, Data: map[string]string{"roomId": chatID}})
}

func (h *Hub) focus(ctx context.Context, conn interfaces.Connection, data gjson.Result, focused bool) error {
	target := data.Get("connectionId").String()
	if target == "" {
		target = data.Get("socketId").String()
	}
	if target != "" && target != conn.ID() {
		return types.ValidationFailed(types.ReasonInvalidID, "connectionId does not belong to this connection")
	}
	if !h.presence.SetFocus(ctx, conn.UserID(), conn.ID(), focused) {
		return types.ValidationFailed(types.ReasonInvalidID, "Connection is not registered")
	}
	return nil
}

// errorFrame is the data of an outbound error event.
type errorFrame struct {
	types.ErrorPayload
	Event string `json:"event,omitempty"`
}

func (h *Hub) fail(conn interfaces.Connection, name string, err error) {
	e := types.AsError(err)
	if e.Kind == types.KindUpstreamFailure {
		h.logger.Error("socket event failed",
			slog.String("event", name),
			slog.String("conn_id", conn.ID()),
			slog.Any("error", err),
		)
	}
	if sendErr := conn.Send(types.Event{Name: types.EventError, Data: errorFrame{ErrorPayload: e.Payload(), Event: name}}); sendErr != nil {
		h.logger.Debug("could not report error to client", slog.String("conn_id", conn.ID()), slog.Any("error", sendErr))
	}
}

type reasonCloser interface {
	Flush(timeout time.Duration) bool
	CloseWithReason(code int, reason string) error
}

func (h *Hub) closeConn(conn interfaces.Connection, reason string) {
	if c, ok := conn.(reasonCloser); ok {
		c.Flush(time.Second)
		_ = c.CloseWithReason(closePolicyViolation, reason)
		return
	}
	_ = conn.Close()
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

// Stats snapshots the realtime state for the health endpoint.
func (h *Hub) Stats() Stats {
	rs := h.rooms.Stats()
	return Stats{
		Connections: h.Connections(),
		OnlineUsers: len(h.presence.OnlineUsers()),
		Rooms:       rs.Rooms,
		RoomMembers: rs.Members,
	}
}
