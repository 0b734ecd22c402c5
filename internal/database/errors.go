package database

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"chatrelay/pkg/interfaces"
)

// Manager lifecycle errors.
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrShuttingDown  = errors.New("database manager is shutting down")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Postgres SQLSTATE codes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapError translates driver errors into the shared store errors. Unknown
// errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return interfaces.ErrDuplicate
		case sqlite3.ErrConstraintForeignKey:
			return interfaces.ErrNotFound
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return interfaces.ErrDuplicate
		case pgForeignKeyViolation:
			return interfaces.ErrNotFound
		}
	}
	return err
}

// retryable reports whether a failed write may succeed when run again.
func retryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
