package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// MigrationManager applies the embedded schema migrations for one driver.
// ARCHITECTURAL DISCOVERY: migrations ship inside the binary, so a deployment
// never depends on a migrations directory next to the executable.
type MigrationManager struct {
	db     *sql.DB
	driver string
}

// NewMigrationManager creates a migration manager for db.
func NewMigrationManager(db *sql.DB, driver string) *MigrationManager {
	return &MigrationManager{db: db, driver: driver}
}

// ApplyMigrations brings the schema up to the latest version. An up-to-date
// schema is not an error.
func (m *MigrationManager) ApplyMigrations() error {
	mig, err := m.migrator()
	if err != nil {
		return err
	}
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether the last
// migration left the schema dirty.
func (m *MigrationManager) Version() (uint, bool, error) {
	mig, err := m.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// ValidateSchema ensures database matches expected structure
func (m *MigrationManager) ValidateSchema() error {
	return NewSchemaValidator(m.db, m.driver).Validate()
}

// migrator builds a golang-migrate instance over the shared *sql.DB. The
// instance is never closed: closing it would close db.
func (m *MigrationManager) migrator() (*migrate.Migrate, error) {
	var dir string
	switch m.driver {
	case DriverSQLite:
		dir = "migrations/sqlite"
	case DriverPostgres:
		dir = "migrations/postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", m.driver)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	switch m.driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(m.db, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	default:
		drv, err := migratepgx.WithInstance(m.db, &migratepgx.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, "pgx5", drv)
	}
}
