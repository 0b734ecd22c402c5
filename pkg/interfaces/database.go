package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// UserStore persists accounts, presence and password-reset tokens.
type UserStore interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByID(ctx context.Context, id string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)

	// UpdateUser writes username, email, password hash and avatar.
	UpdateUser(ctx context.Context, user *types.User) error
	UpdateUserRole(ctx context.Context, id string, role types.Role) error
	DeleteUsers(ctx context.Context, ids []string) (int64, error)
	UpdatePresence(ctx context.Context, id, status string, at time.Time) error

	// SetPasswordReset replaces any pending reset for the user.
	SetPasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error

	// ConsumePasswordReset deletes the reset and returns its owner. Missing
	// or expired resets yield ErrNotFound.
	ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// MembershipChecker answers whether a user belongs to a chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// ChatStore persists chats and their members.
type ChatStore interface {
	MembershipChecker

	// CreateChat stores the chat and adds its admin as the first member
	// in one transaction.
	CreateChat(ctx context.Context, chat *types.Chat) error
	GetChat(ctx context.Context, id string) (*types.Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]*types.Chat, error)
	AddMember(ctx context.Context, chatID, userID string, at time.Time) error
}

// MessageStore persists chat messages and read receipts.
// FUNCTIONAL DISCOVERY: CreateMessage must complete before any broadcast so
// every recipient sees the stored record.
type MessageStore interface {
	MembershipChecker

	CreateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)

	// ListMessages returns the history of a chat ordered by sentAt ascending,
	// with sender summaries populated.
	ListMessages(ctx context.Context, chatID string) ([]*types.Message, error)
	MarkSeen(ctx context.Context, messageID, userID string, at time.Time) error
}

// DatabaseManager is the whole store as wired by the application.
type DatabaseManager interface {
	UserStore
	ChatStore
	MessageStore

	HealthCheck(ctx context.Context) error
	Close() error
}
