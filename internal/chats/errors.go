package chats

import "chatrelay/pkg/types"

// Chat and message errors returned to callers. errors.Is matches on kind
// and reason.
var (
	ErrInvalidChatName = types.ValidationFailed("invalid_chat_name", "Chat name must be 1-200 characters")
	ErrChatNotFound    = types.NotFound("chat_not_found", "Chat not found")
	ErrUserNotFound    = types.NotFound("user_not_found", "User not found")
	ErrMessageNotFound = types.NotFound("message_not_found", "Message not found")
	ErrAlreadyMember   = types.Conflict("already_member", "User is already a member of this chat")
	ErrNotChatAdmin    = types.Forbidden(types.ReasonInsufficientRole, "Only the chat admin can add members")
	ErrNotMember       = types.Forbidden(types.ReasonNotMember, "You are not a member of this chat")
)
