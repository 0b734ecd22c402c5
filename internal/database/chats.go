package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/pkg/types"
)

// CreateChat stores the chat and makes its admin the first member.
func (m *Manager) CreateChat(ctx context.Context, chat *types.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, m.q(`INSERT INTO chats (id, name, admin_id, created_at) VALUES (?, ?, ?, ?)`),
			chat.ID, chat.Name, chat.AdminID, chat.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert chat: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, m.q(`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, ?)`),
			chat.ID, chat.AdminID, chat.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert chat admin: %w", mapError(err))
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit chat creation: %w", err)
		}
		return nil
	})
}

// GetChat retrieves a chat by ID
func (m *Manager) GetChat(ctx context.Context, id string) (*types.Chat, error) {
	var c types.Chat
	err := m.db.QueryRowContext(ctx, m.q(`SELECT id, name, admin_id, created_at FROM chats WHERE id = ?`), id).
		Scan(&c.ID, &c.Name, &c.AdminID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat: %w", mapError(err))
	}
	return &c, nil
}

// ListChatsForUser returns the chats userID belongs to, oldest first.
func (m *Manager) ListChatsForUser(ctx context.Context, userID string) ([]*types.Chat, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT c.id, c.name, c.admin_id, c.created_at
		FROM chats c
		JOIN chat_members cm ON cm.chat_id = c.id
		WHERE cm.user_id = ?
		ORDER BY c.created_at ASC, c.id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	chats := make([]*types.Chat, 0)
	for rows.Next() {
		var c types.Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.AdminID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

// AddMember adds userID to chatID. An existing membership yields
// ErrDuplicate; an unknown chat or user yields ErrNotFound.
func (m *Manager) AddMember(ctx context.Context, chatID, userID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, ?)`),
			chatID, userID, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to add member: %w", mapError(err))
		}
		return nil
	})
}

// IsMember answers from the store on every call; membership is never cached.
func (m *Manager) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx, m.q(`SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?`), chatID, userID).
		Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return count > 0, nil
}

// ---- messages ----

func (m *Manager) CreateMessage(ctx context.Context, msg *types.Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`INSERT INTO messages (id, chat_id, sender_id, content, sent_at) VALUES (?, ?, ?, ?, ?)`),
			msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.SentAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", mapError(err))
		}
		return nil
	})
}

const messageColumns = `msg.id, msg.chat_id, msg.sender_id, msg.content, msg.sent_at, u.username, u.avatar`

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg    types.Message
		sender types.UserSummary
	)
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.SentAt, &sender.Username, &sender.Avatar); err != nil {
		return nil, err
	}
	sender.ID = msg.SenderID
	msg.Sender = &sender
	return &msg, nil
}

// GetMessage retrieves a message with its sender summary.
func (m *Manager) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, m.q(`
		SELECT `+messageColumns+`
		FROM messages msg
		JOIN users u ON u.id = msg.sender_id
		WHERE msg.id = ?`), id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", mapError(err))
	}
	return msg, nil
}

// ListMessages returns the chat history ordered by sentAt ascending.
func (m *Manager) ListMessages(ctx context.Context, chatID string) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`
		SELECT `+messageColumns+`
		FROM messages msg
		JOIN users u ON u.id = msg.sender_id
		WHERE msg.chat_id = ?
		ORDER BY msg.sent_at ASC, msg.id ASC`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkSeen records a read receipt. Marking the same message twice keeps the
// first receipt.
func (m *Manager) MarkSeen(ctx context.Context, messageID, userID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO message_seen (message_id, user_id, seen_at) VALUES (?, ?, ?)
			ON CONFLICT (message_id, user_id) DO NOTHING`),
			messageID, userID, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to mark message seen: %w", mapError(err))
		}
		return nil
	})
}

// SeenBy lists the read receipts of messageID, earliest first.
func (m *Manager) SeenBy(ctx context.Context, messageID string) ([]types.MessageSeen, error) {
	rows, err := m.db.QueryContext(ctx, m.q(`SELECT message_id, user_id, seen_at FROM message_seen WHERE message_id = ? ORDER BY seen_at ASC`), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	seen := make([]types.MessageSeen, 0)
	for rows.Next() {
		var s types.MessageSeen
		if err := rows.Scan(&s.MessageID, &s.UserID, &s.SeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		seen = append(seen, s)
	}
	return seen, rows.Err()
}
