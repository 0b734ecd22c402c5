package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	driver       string
	logger       *slog.Logger
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed

	retryDelay   time.Duration
	writeTimeout time.Duration
}

// writeOperation represents a database write operation
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the configured database, applies migrations and checks
// the resulting schema before returning a ready store.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, config.Driver)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return New(db, config.Driver, logger), nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB, driver string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	manager := &Manager{
		db:           db,
		driver:       driver,
		logger:       logger.With(slog.String("component", "database")),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: SQLite allows one writer at a time; funnelling
	// writes through one goroutine turns lock contention into queueing.
	if driver == dbconfig.DriverSQLite {
		manager.wg.Add(1)
		go manager.writeLoop()
	}
	return manager
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.run(op.operation)
		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// run executes op, retrying exactly once when the database reported itself
// busy.
func (m *Manager) run(op func(*sql.DB) error) error {
	err := op(m.db)
	if err != nil && retryable(err) {
		m.logger.Warn("database write failed, retrying", slog.Duration("delay", m.retryDelay), slog.Any("error", err))
		time.Sleep(m.retryDelay)
		if err = op(m.db); err != nil {
			m.logger.Error("database write failed after retry", slog.Any("error", err))
		}
	}
	return err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	if m.driver != dbconfig.DriverSQLite {
		return m.run(operation)
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	}
}

// q adapts a ?-placeholder query to the active driver.
func (m *Manager) q(query string) string {
	if m.driver == dbconfig.DriverPostgres {
		return dbconfig.Rebind(query)
	}
	return query
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// HealthCheck verifies database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. Calling it twice is safe.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdown)
	m.mu.Unlock()

	m.wg.Wait()
	return m.db.Close()
}

// ---- users ----

const userColumns = `id, username, email, password_hash, avatar, role, status, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var (
		u        types.User
		role     string
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Avatar, &role, &u.Status, &lastSeen, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = types.Role(role)
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeenAt = &t
	}
	return &u, nil
}

// CreateUser stores a new account. A taken email yields ErrDuplicate.
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if user.Role == "" {
		user.Role = types.RoleUser
	}
	if user.Status == "" {
		user.Status = types.StatusOffline
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	var lastSeen interface{}
	if user.LastSeenAt != nil {
		lastSeen = user.LastSeenAt.UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			user.ID, user.Username, user.Email, user.PasswordHash, user.Avatar,
			string(user.Role), user.Status, lastSeen, user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", mapError(err))
		}
		return nil
	})
}

// GetUserByID retrieves a user by ID
func (m *Manager) GetUserByID(ctx context.Context, id string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, m.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", mapError(err))
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email address
func (m *Manager) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, m.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", mapError(err))
	}
	return u, nil
}

// ListUsers returns every account, oldest first.
func (m *Manager) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	users := make([]*types.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (m *Manager) UpdateUser(ctx context.Context, user *types.User) error {
	user.UpdatedAt = time.Now().UTC()
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`
			UPDATE users SET username = ?, email = ?, password_hash = ?, avatar = ?, updated_at = ?
			WHERE id = ?`),
			user.Username, user.Email, user.PasswordHash, user.Avatar, user.UpdatedAt, user.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", mapError(err))
		}
		return expectOneRow(res)
	})
}

func (m *Manager) UpdateUserRole(ctx context.Context, id string, role types.Role) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`),
			string(role), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update role: %w", mapError(err))
		}
		return expectOneRow(res)
	})
}

// DeleteUsers removes the given accounts and everything they own. It
// reports how many accounts existed.
func (m *Manager) DeleteUsers(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`DELETE FROM users WHERE id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return fmt.Errorf("failed to delete users: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// UpdatePresence records the persisted online/offline status.
func (m *Manager) UpdatePresence(ctx context.Context, id, status string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, m.q(`UPDATE users SET status = ?, last_seen_at = ? WHERE id = ?`),
			status, at.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update presence: %w", mapError(err))
		}
		return expectOneRow(res)
	})
}

func (m *Manager) SetPasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, m.q(`
			INSERT INTO password_resets (user_id, token_hash, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET token_hash = excluded.token_hash, expires_at = excluded.expires_at`),
			userID, tokenHash, expiresAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to store password reset: %w", mapError(err))
		}
		return nil
	})
}

// ConsumePasswordReset deletes the reset matching tokenHash. An expired
// reset is deleted too but still reported as ErrNotFound.
func (m *Manager) ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var userID string
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var expiresAt time.Time
		err = tx.QueryRowContext(ctx, m.q(`SELECT user_id, expires_at FROM password_resets WHERE token_hash = ?`), tokenHash).
			Scan(&userID, &expiresAt)
		if err != nil {
			return fmt.Errorf("failed to query password reset: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx, m.q(`DELETE FROM password_resets WHERE user_id = ?`), userID); err != nil {
			return fmt.Errorf("failed to delete password reset: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit password reset: %w", err)
		}
		if !now.Before(expiresAt) {
			userID = ""
			return fmt.Errorf("password reset expired: %w", interfaces.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
