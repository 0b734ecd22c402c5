// Package relay accepts chat messages, persists them and fans the stored
// record out to the chat's room.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/clock"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/rooms"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Sender identifies who is sending. Conn is nil for REST sends.
type Sender struct {
	Identity types.Identity
	Conn     interfaces.Connection
}

// FromConn builds a Sender for a socket connection.
func FromConn(c interfaces.Connection) Sender {
	return Sender{Identity: c.Identity(), Conn: c}
}

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(roomID string, event types.Event, exclude interfaces.Connection) (rooms.Delivery, error)
}

// Recorder observes relay outcomes.
type Recorder interface {
	MessageRelayed(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) MessageRelayed(string) {}

// Relay outcomes reported to the Recorder.
const (
	OutcomeAccepted      = "accepted"
	OutcomeRejected      = "rejected"
	OutcomeRateLimited   = "rate_limited"
	OutcomePersistFailed = "persist_failed"
)

// Relay validates, persists and broadcasts chat messages.
type Relay struct {
	store    interfaces.MessageStore
	rooms    Broadcaster
	limiter  ratelimit.Limiter
	clock    clock.Clock
	recorder Recorder
	logger   *slog.Logger
}

// Option customizes a Relay.
type Option func(*Relay)

// WithLimiter enables per-user rate limiting.
func WithLimiter(l ratelimit.Limiter) Option { return func(r *Relay) { r.limiter = l } }

func WithClock(c clock.Clock) Option { return func(r *Relay) { r.clock = c } }

func WithRecorder(rec Recorder) Option { return func(r *Relay) { r.recorder = rec } }

func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// New builds a relay persisting to store and broadcasting through b.
func New(store interfaces.MessageStore, b Broadcaster, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		rooms:    b,
		clock:    clock.System,
		recorder: noopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "relay"))
	return r
}

// Send runs a message through validation, membership, rate limiting and
// persistence, then broadcasts the stored record. Nothing is broadcast
// unless persistence succeeded.
func (r *Relay) Send(ctx context.Context, from Sender, chatID, content string) (*types.Message, error) {
	msg, err := r.accept(ctx, from, chatID, content)
	if err != nil {
		return nil, err
	}

	event := types.Event{Name: types.EventNewMessage, Data: msg}
	d, err := r.rooms.Broadcast(chatID, event, from.Conn)
	if err != nil {
		// Absorbed: the record is stored and shows up in history.
		r.logger.Warn("partial delivery",
			slog.String("message_id", msg.ID),
			slog.Int("failed", d.Failed),
			slog.Int("attempted", d.Attempted),
		)
	}

	if from.Conn != nil {
		if err := from.Conn.Send(types.Event{Name: types.EventMessageAccepted, Data: msg}); err != nil {
			r.logger.Debug("sender unreachable for acknowledgement",
				slog.String("conn_id", from.Conn.ID()),
				slog.Any("error", err),
			)
		}
	}

	r.recorder.MessageRelayed(OutcomeAccepted)
	return msg, nil
}

func (r *Relay) accept(ctx context.Context, from Sender, chatID, content string) (*types.Message, error) {
	if from.Identity.UserID == "" || (from.Conn != nil && !from.Conn.IsAuthenticated()) {
		r.recorder.MessageRelayed(OutcomeRejected)
		return nil, types.Unauthenticated(types.ReasonMissingToken, types.MessageLoginRequired, nil)
	}

	text, err := types.NormalizeContent(content)
	if err != nil {
		r.recorder.MessageRelayed(OutcomeRejected)
		return nil, err
	}
	if err := types.ValidateChatID(chatID); err != nil {
		r.recorder.MessageRelayed(OutcomeRejected)
		return nil, err
	}

	member, err := r.store.IsMember(ctx, chatID, from.Identity.UserID)
	if err != nil {
		r.recorder.MessageRelayed(OutcomeRejected)
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if !member {
		r.recorder.MessageRelayed(OutcomeRejected)
		return nil, types.Forbidden(types.ReasonNotMember, "You are not a member of this chat")
	}

	if err := r.allow(ctx, from.Identity.UserID); err != nil {
		r.recorder.MessageRelayed(OutcomeRateLimited)
		return nil, err
	}

	msg := &types.Message{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		SenderID: from.Identity.UserID,
		Content:  text,
		SentAt:   r.clock.Now().UTC().Truncate(time.Millisecond),
	}
	if err := r.store.CreateMessage(ctx, msg); err != nil {
		r.logger.Error("failed to persist message",
			slog.String("chat_id", chatID),
			slog.String("sender_id", msg.SenderID),
			slog.Any("error", err),
		)
		r.recorder.MessageRelayed(OutcomePersistFailed)
		return nil, types.UpstreamFailure(types.ReasonPersistFailed, err)
	}
	return msg, nil
}

func (r *Relay) allow(ctx context.Context, userID string) error {
	if r.limiter == nil {
		return nil
	}
	d, err := r.limiter.Allow(ctx, "msg:"+userID)
	if err != nil {
		// Fail open.
		r.logger.Warn("rate limiter unavailable", slog.Any("error", err))
		return nil
	}
	if !d.Allowed {
		return types.NewError(types.KindRateLimited, types.ReasonTooManyRequests,
			"Too many messages. Please slow down.", nil)
	}
	return nil
}
