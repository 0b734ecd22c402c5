package types

import (
	"strings"

	"github.com/google/uuid"
)

// MaxContentBytes bounds a single chat message.
const MaxContentBytes = 64 * 1024

// IsValidID reports whether id is a canonical uuid, the format of every
// server-assigned identifier.
func IsValidID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return r == RoleUser || r == RoleAdmin
}

// NormalizeContent trims message content and checks it against the content
// rules. The trimmed content is what gets persisted.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ValidationFailed(ReasonEmptyContent, "Message content cannot be empty")
	}
	if len(trimmed) > MaxContentBytes {
		return "", ValidationFailed(ReasonContentTooLarge, "Message content exceeds 64KB limit")
	}
	return trimmed, nil
}

// ValidateChatID checks a room/chat identifier.
func ValidateChatID(chatID string) error {
	if !IsValidID(chatID) {
		return ValidationFailed(ReasonInvalidID, "Invalid chat ID format")
	}
	return nil
}
