package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// State is the lifecycle position of a connection:
// Connecting -> Authenticated <-> Joined -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnConfig tunes one connection.
type ConnConfig struct {
	SendQueue    int           // outbound frames buffered per connection
	WriteTimeout time.Duration // per frame
	PingInterval time.Duration
}

// DefaultConnConfig mirrors the heartbeat the server has always used.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{SendQueue: 100, WriteTimeout: 5 * time.Second, PingInterval: 30 * time.Second}
}

// outbound is one entry of the send queue: a frame, or a flush marker whose
// channel the writer closes once every frame queued ahead of it is written.
type outbound struct {
	data    []byte
	flushed chan struct{}
}

// Connection wraps a gorilla connection.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every
// outbound frame and every ping goes through the single writeLoop goroutine.
type Connection struct {
	id     string
	conn   *websocket.Conn
	cfg    ConnConfig
	logger *slog.Logger

	sendCh    chan outbound
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writerWG  sync.WaitGroup

	state atomic.Int32

	mu       sync.RWMutex
	identity types.Identity
	rooms    map[string]struct{}
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer. The connection lives until
// Close or until parent is cancelled.
func NewConnection(parent context.Context, conn *websocket.Conn, cfg ConnConfig, logger *slog.Logger) *Connection {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultConnConfig().SendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConnConfig().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:     uuid.NewString(),
		conn:   conn,
		cfg:    cfg,
		sendCh: make(chan outbound, cfg.SendQueue),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
	}
	c.logger = logger.With(slog.String("conn_id", c.id))

	c.writerWG.Add(1)
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer c.writerWG.Done()

	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case out := <-c.sendCh:
			if out.flushed != nil {
				close(out.flushed)
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				c.fail(err)
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
		case <-c.ctx.Done():
			_ = c.Close()
			return
		}
	}
}

func (c *Connection) fail(err error) {
	c.logger.Debug("write failed, closing", slog.Any("error", err))
	_ = c.Close()
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.UserID
}

func (c *Connection) Identity() types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) IsAuthenticated() bool {
	s := c.State()
	return s == StateAuthenticated || s == StateJoined
}

// Authenticate binds the connection to id. A connection belongs to one user
// for its whole life: later calls may refresh the role but never switch
// users.
func (c *Connection) Authenticate(id types.Identity) error {
	if id.UserID == "" {
		return fmt.Errorf("authenticate: empty user id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	if c.identity.UserID != "" && c.identity.UserID != id.UserID {
		return types.Forbidden(types.ReasonInvalidToken, "Connection is bound to another user")
	}
	c.identity = id
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
	return nil
}

func (c *Connection) RoomJoined(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
	c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateJoined))
}

func (c *Connection) RoomLeft(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
	if len(c.rooms) == 0 {
		c.state.CompareAndSwap(int32(StateJoined), int32(StateAuthenticated))
	}
}

// Rooms lists the rooms this connection joined.
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Send queues event for the writer. It never waits on the network: a full
// queue drops the frame and reports ErrSendQueueFull.
func (c *Connection) Send(event types.Event) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}
	select {
	case c.sendCh <- outbound{data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close moves the connection to Closed exactly once and tears down the
// transport.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithReason sends a close frame before closing.
func (c *Connection) CloseWithReason(code int, reason string) error {
	if c.conn != nil && c.State() != StateClosed {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.Close()
}

// Flush waits, up to timeout, until every frame queued before the call has
// been written to the transport. Used before a deliberate close so the client
// sees the final error event. It reports whether the queue drained in time.
func (c *Connection) Flush(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	marker := outbound{flushed: make(chan struct{})}
	select {
	case c.sendCh <- marker:
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
	select {
	case <-marker.flushed:
		return true
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Wait blocks until the writer goroutine exits.
func (c *Connection) Wait() {
	c.writerWG.Wait()
}
