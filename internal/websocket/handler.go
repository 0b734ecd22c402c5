package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"chatrelay/internal/api/respond"
	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Authorizer runs the session gate.
type Authorizer interface {
	Authorize(ctx context.Context, creds session.Credentials) (session.Decision, error)
}

// Sink receives the lifecycle and inbound frames of authenticated
// connections. Dispatch is called from the connection's read goroutine, one
// frame at a time.
type Sink interface {
	Register(ctx context.Context, conn interfaces.Connection) error
	Unregister(ctx context.Context, conn interfaces.Connection)
	Dispatch(ctx context.Context, conn interfaces.Connection, frame []byte)
}

// HandlerConfig tunes the upgrade endpoint.
type HandlerConfig struct {
	Conn             ConnConfig
	HandshakeTimeout time.Duration // wait for an auth frame
	ReadTimeout      time.Duration // refreshed by every frame and pong
	MaxMessageBytes  int64
	AllowedOrigins   []string // empty allows every origin
	Cookies          session.CookieConfig
}

// DefaultHandlerConfig returns the production heartbeat settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Conn:             DefaultConnConfig(),
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxMessageBytes:  types.MaxContentBytes + 4096,
	}
}

// Handler upgrades HTTP requests to sockets and runs each connection's read
// loop.
// ARCHITECTURAL DISCOVERY: the gate runs before the upgrade when the request
// carries credentials, so a rejected caller gets a plain 401 instead of a
// socket that closes immediately.
type Handler struct {
	cfg      HandlerConfig
	gate     Authorizer
	sink     Sink
	upgrader websocket.Upgrader
	logger   *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler wires the gate and the sink into an upgrade handler.
func NewHandler(gate Authorizer, sink Sink, cfg HandlerConfig, logger *slog.Logger) *Handler {
	def := DefaultHandlerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:    cfg,
		gate:   gate,
		sink:   sink,
		logger: logger.With(slog.String("component", "websocket")),
		base:   base,
		cancel: cancel,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

// Close cancels every connection started by this handler and waits for
// their cleanup to finish.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	return false
}

// ServeHTTP authorizes the request when it carries tokens, upgrades it and
// hands the connection to its own goroutine.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	creds := session.FromRequest(r)

	var (
		decision session.Decision
		header   http.Header
	)
	if !creds.Empty() {
		d, err := h.gate.Authorize(r.Context(), creds)
		if err != nil {
			respond.Error(w, h.logger, err)
			return
		}
		decision = d
		if d.Rotation != nil {
			header = session.Header(h.cfg.Cookies.TokenCookies(d.Rotation.AccessToken, d.Rotation.RefreshToken))
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := NewConnection(h.base, ws, h.cfg.Conn, h.logger)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.serve(conn, decision)
	}()
}

// serve owns the read side of conn until it closes.
func (h *Handler) serve(conn *Connection, decision session.Decision) {
	defer func() {
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.cfg.MaxMessageBytes)

	identity := decision.Identity
	if !decision.State.Accepting() {
		id, err := h.awaitAuth(conn)
		if err != nil {
			h.reject(conn, err)
			return
		}
		identity = id
	}

	if err := conn.Authenticate(identity); err != nil {
		h.reject(conn, err)
		return
	}
	if err := h.sink.Register(conn.Context(), conn); err != nil {
		h.logger.Error("failed to register connection", slog.String("conn_id", conn.ID()), slog.Any("error", err))
		h.reject(conn, types.UpstreamFailure("register_failed", err))
		return
	}
	defer h.sink.Unregister(context.WithoutCancel(conn.Context()), conn)

	_ = conn.Send(types.Event{Name: types.EventConnected, Data: map[string]string{
		"connectionId": conn.ID(),
		"userId":       identity.UserID,
	}})

	h.readLoop(conn)
}

// awaitAuth waits for the first frame, which must be an auth event.
func (h *Handler) awaitAuth(conn *Connection) (types.Identity, error) {
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		return types.Identity{}, err
	}
	_, frame, err := conn.conn.ReadMessage()
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = ErrHandshakeTimeout
		}
		return types.Identity{}, types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, err)
	}
	if gjson.GetBytes(frame, "event").String() != types.EventAuth {
		return types.Identity{}, types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, ErrExpectedAuth)
	}

	data := gjson.GetBytes(frame, "data")
	d, err := h.gate.Authorize(conn.Context(), session.Credentials{
		AccessToken:  data.Get("accessToken").String(),
		RefreshToken: data.Get("refreshToken").String(),
	})
	if err != nil {
		return types.Identity{}, err
	}
	if d.Rotation != nil {
		_ = conn.Send(types.Event{Name: types.EventSessionRefreshed, Data: session.Credentials{
			AccessToken:  d.Rotation.AccessToken,
			RefreshToken: d.Rotation.RefreshToken,
		}})
	}
	return d.Identity, nil
}

// reject reports err to the client and closes with a policy violation.
func (h *Handler) reject(conn *Connection, err error) {
	e := types.AsError(err)
	h.logger.Debug("closing socket", slog.String("conn_id", conn.ID()), slog.Any("error", err))
	_ = conn.Send(types.Event{Name: types.EventError, Data: e.Payload()})
	conn.Flush(time.Second)
	_ = conn.CloseWithReason(websocket.ClosePolicyViolation, e.Reason)
}

func (h *Handler) readLoop(conn *Connection) {
	refresh := func() error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
	if err := refresh(); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error { return refresh() })

	for {
		messageType, frame, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read ended", slog.String("conn_id", conn.ID()), slog.Any("error", err))
			}
			return
		}
		if err := refresh(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.sink.Dispatch(conn.Context(), conn, frame)
		if conn.State() == StateClosed {
			return
		}
	}
}
