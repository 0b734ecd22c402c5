package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SchemaValidator checks that a migrated database has the tables, columns,
// indexes and constraints the store relies on.
type SchemaValidator struct {
	db     *sql.DB
	driver string
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB, driver string) *SchemaValidator {
	return &SchemaValidator{db: db, driver: driver}
}

var requiredTables = []string{
	"users",
	"password_resets",
	"chats",
	"chat_members",
	"messages",
	"message_seen",
}

var requiredColumns = map[string][]string{
	"users":           {"id", "username", "email", "password_hash", "avatar", "role", "status", "last_seen_at", "created_at", "updated_at"},
	"password_resets": {"user_id", "token_hash", "expires_at"},
	"chats":           {"id", "name", "admin_id", "created_at"},
	"chat_members":    {"chat_id", "user_id", "joined_at"},
	"messages":        {"id", "chat_id", "sender_id", "content", "sent_at"},
	"message_seen":    {"message_id", "user_id", "seen_at"},
}

var requiredIndexes = map[string]string{
	"idx_chat_members_user":  "chat list per user",
	"idx_messages_chat_sent": "message history retrieval",
}

// Validate runs every check in order and stops at the first failure.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.ValidateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies that every table carries the columns the
// store reads and writes.
func (v *SchemaValidator) ValidateTableStructure() error {
	for _, table := range requiredTables {
		if err := v.validateColumns(table, requiredColumns[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints exercises the foreign key and role check constraints
// inside a transaction that is always rolled back.
// FUNCTIONAL DISCOVERY: SQLite silently ignores foreign keys unless the
// connection enables them, so this catches a DSN without the pragma.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(v.rebind(`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, CURRENT_TIMESTAMP)`),
		"schema-check-chat", "schema-check-user"); err == nil {
		return errors.New("foreign key constraint not enforced: chat_members.chat_id")
	}
	if v.driver == DriverPostgres {
		// A failed statement aborts the whole postgres transaction.
		_ = tx.Rollback()
		if tx, err = v.db.Begin(); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(v.rebind(`INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`),
		"schema-check-user", "check", "check@schema.invalid", "x", "ROOT"); err == nil {
		return errors.New("check constraint not enforced: users.role")
	}
	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	}
	var count int
	if err := v.db.QueryRow(query, tableName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1"
	}
	var count int
	if err := v.db.QueryRow(query, indexName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has every expected column.
func (v *SchemaValidator) validateColumns(tableName string, expected []string) error {
	found, err := v.columns(tableName)
	if err != nil {
		return err
	}
	for _, col := range expected {
		if !found[col] {
			return fmt.Errorf("column %s not found", col)
		}
	}
	return nil
}

func (v *SchemaValidator) columns(tableName string) (map[string]bool, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if v.driver == DriverPostgres {
		rows, err = v.db.Query(
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1",
			tableName,
		)
	} else {
		rows, err = v.db.Query("SELECT name FROM pragma_table_info(?)", tableName)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		found[name] = true
	}
	return found, rows.Err()
}

// rebind turns ? placeholders into $n for postgres.
func (v *SchemaValidator) rebind(query string) string {
	if v.driver != DriverPostgres {
		return query
	}
	return Rebind(query)
}

// Rebind rewrites ? placeholders as $1, $2, ... Placeholders inside quoted
// literals are left alone.
func Rebind(query string) string {
	var (
		b      strings.Builder
		n      int
		quoted bool
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
			b.WriteRune(r)
		case r == '?' && !quoted:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
