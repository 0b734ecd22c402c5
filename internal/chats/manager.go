package chats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatrelay/internal/clock"
	"chatrelay/internal/relay"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Store is the slice of the database the chat manager needs.
type Store interface {
	interfaces.ChatStore
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]*types.Message, error)
	MarkSeen(ctx context.Context, messageID, userID string, at time.Time) error
}

// Sender is the relay entry point used for REST sends.
type Sender interface {
	Send(ctx context.Context, from relay.Sender, chatID, content string) (*types.Message, error)
}

// Manager implements chat creation, membership and message history on top
// of the store. Live delivery goes through the relay.
type Manager struct {
	store  Store
	relay  Sender
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager creates a new chat manager
func NewManager(store Store, relay Sender, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.System
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		relay:  relay,
		clock:  c,
		logger: logger.With(slog.String("component", "chats")),
	}
}

// CreateChat creates a chat owned by the caller, who becomes its first
// member.
func (m *Manager) CreateChat(ctx context.Context, caller types.Identity, name string) (*types.Chat, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > 200 {
		return nil, ErrInvalidChatName
	}

	chat := &types.Chat{
		ID:        uuid.NewString(),
		Name:      name,
		AdminID:   caller.UserID,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.store.CreateChat(ctx, chat); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}

	m.logger.Info("chat created", slog.String("chat_id", chat.ID), slog.String("admin_id", chat.AdminID))
	return chat, nil
}

// ListChats returns the chats the caller belongs to.
func (m *Manager) ListChats(ctx context.Context, caller types.Identity) ([]*types.Chat, error) {
	chats, err := m.store.ListChatsForUser(ctx, caller.UserID)
	if err != nil {
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if chats == nil {
		chats = []*types.Chat{}
	}
	return chats, nil
}

// AddMember lets the chat admin, or any ADMIN, add userID to chatID.
func (m *Manager) AddMember(ctx context.Context, caller types.Identity, chatID, userID string) error {
	if err := types.ValidateChatID(chatID); err != nil {
		return err
	}
	if !types.IsValidID(userID) {
		return types.ValidationFailed(types.ReasonInvalidID, "Invalid user ID")
	}

	chat, err := m.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrChatNotFound
		}
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if chat.AdminID != caller.UserID && caller.Role != types.RoleAdmin {
		return ErrNotChatAdmin
	}

	err = m.store.AddMember(ctx, chatID, userID, m.clock.Now().UTC())
	switch {
	case err == nil:
		m.logger.Info("member added", slog.String("chat_id", chatID), slog.String("user_id", userID))
		return nil
	case errors.Is(err, interfaces.ErrDuplicate):
		return ErrAlreadyMember
	case errors.Is(err, interfaces.ErrNotFound):
		return ErrUserNotFound
	default:
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
}

// SendMessage relays a message posted over REST. The stored record is
// broadcast to every connection in the room.
func (m *Manager) SendMessage(ctx context.Context, caller types.Identity, chatID, content string) (*types.Message, error) {
	return m.relay.Send(ctx, relay.Sender{Identity: caller}, chatID, content)
}

// History returns the messages of chatID, oldest first. Only members may
// read it.
func (m *Manager) History(ctx context.Context, caller types.Identity, chatID string) ([]*types.Message, error) {
	if err := types.ValidateChatID(chatID); err != nil {
		return nil, err
	}
	if err := m.requireMember(ctx, chatID, caller.UserID); err != nil {
		return nil, err
	}

	msgs, err := m.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	return msgs, nil
}

// MarkSeen records that the caller has seen messageID. Repeated calls keep
// the first receipt.
func (m *Manager) MarkSeen(ctx context.Context, caller types.Identity, messageID string) error {
	if !types.IsValidID(messageID) {
		return types.ValidationFailed(types.ReasonInvalidID, "Invalid message ID")
	}

	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrMessageNotFound
		}
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if err := m.requireMember(ctx, msg.ChatID, caller.UserID); err != nil {
		return err
	}

	if err := m.store.MarkSeen(ctx, messageID, caller.UserID, m.clock.Now().UTC()); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return ErrMessageNotFound
		}
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	return nil
}

func (m *Manager) requireMember(ctx context.Context, chatID, userID string) error {
	ok, err := m.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return types.UpstreamFailure(types.ReasonStoreUnavailable, err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}
