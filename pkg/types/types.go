package types

import "time"

// Role is the coarse privilege level carried inside every token.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Presence status values stored on the user record.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Realtime event names. Inbound names are sent by clients, outbound by the server.
// ARCHITECTURAL DISCOVERY: names are the wire contract with the browser client
// and must stay stable across releases.
const (
	EventAuth        = "auth"
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventOnline      = "online"
	EventOffline     = "offline"

	EventConnected        = "connected"
	EventJoinedChat       = "joined_chat"
	EventLeftChat         = "left_chat"
	EventNewMessage       = "new_message"
	EventMessageAccepted  = "message_accepted"
	EventSessionRefreshed = "session_refreshed"
	EventError            = "error"
)

// Identity is what a verified token resolves to.
type Identity struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// User is the persisted account record. PasswordHash never leaves the server.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Avatar       string     `json:"avatar,omitempty"`
	Role         Role       `json:"role"`
	Status       string     `json:"status"`
	LastSeenAt   *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// UserSummary is the sender view embedded in message history.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Chat is a named conversation. Its id doubles as the realtime room id.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AdminID   string    `json:"adminId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatMember links a user to a chat.
type ChatMember struct {
	ChatID   string    `json:"chatId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	Chat     *Chat     `json:"chat,omitempty"`
}

// Message is the canonical persisted chat message. The relay broadcasts this
// record, never the raw client input.
type Message struct {
	ID       string       `json:"id"`
	ChatID   string       `json:"chatId"`
	SenderID string       `json:"senderId"`
	Content  string       `json:"content"`
	SentAt   time.Time    `json:"sentAt"`
	Sender   *UserSummary `json:"sender,omitempty"`
}

// MessageSeen is a read receipt.
type MessageSeen struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	SeenAt    time.Time `json:"seenAt"`
}

// Event is the realtime frame exchanged over a socket.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// ErrorPayload is the client-visible shape of a failure.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
