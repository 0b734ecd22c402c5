package database

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(openTestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, NewMigrationManager(db, DriverSQLite).ApplyMigrations())
	return db
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	v := NewSchemaValidator(migratedDB(t), DriverSQLite)

	assert.NoError(t, v.ValidateTablesExist())
	assert.NoError(t, v.ValidateTableStructure())
	assert.NoError(t, v.ValidateIndexes())
	assert.NoError(t, v.ValidateConstraints())
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db, err := Open(openTestDB(t))
	require.NoError(t, err)
	defer db.Close()

	err = NewSchemaValidator(db, DriverSQLite).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required table users does not exist")
}

func TestSchemaValidator_MissingIndex(t *testing.T) {
	db := migratedDB(t)
	_, err := db.Exec("DROP INDEX idx_messages_chat_sent")
	require.NoError(t, err)

	err = NewSchemaValidator(db, DriverSQLite).ValidateIndexes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_messages_chat_sent")
}

func TestSchemaValidator_ConstraintProbeLeavesNoRows(t *testing.T) {
	db := migratedDB(t)
	require.NoError(t, NewSchemaValidator(db, DriverSQLite).ValidateConstraints())

	var users int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM users").Scan(&users))
	assert.Zero(t, users)
}

func TestSchemaValidator_PostgresTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range requiredTables {
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM information_schema.tables`).
			WithArgs(table).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	}

	assert.NoError(t, NewSchemaValidator(db, DriverPostgres).ValidateTablesExist())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaValidator_PostgresMissingColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).AddRow("id").AddRow("username"))

	err = NewSchemaValidator(db, DriverPostgres).ValidateTableStructure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "users table structure invalid")
}
