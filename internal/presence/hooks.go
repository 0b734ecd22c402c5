package presence

import (
	"context"
	"log/slog"
	"time"

	"chatrelay/pkg/interfaces"
)

// PresenceWriter is the slice of the user store presence needs.
type PresenceWriter interface {
	UpdatePresence(ctx context.Context, id, status string, at time.Time) error
}

var _ PresenceWriter = (interfaces.UserStore)(nil)

// StoreHook persists status and last-seen time on the user record. Write
// failures are logged; presence is advisory and never fails a disconnect.
type StoreHook struct {
	Store   PresenceWriter
	Timeout time.Duration
	Logger  *slog.Logger
}

func (h StoreHook) PresenceChanged(ctx context.Context, userID, status string, at time.Time) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := h.Store.UpdatePresence(ctx, userID, status, at); err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to persist presence",
			slog.String("user_id", userID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}
