package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: one struct selects the driver, so the store and the
// migrations stay identical between a laptop SQLite file and Postgres.
type Config struct {
	Driver          string        `mapstructure:"driver" json:"driver"`
	DSN             string        `mapstructure:"dsn" json:"dsn"` // file path for sqlite3
	MaxConnections  int           `mapstructure:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns a local SQLite configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DSN:             "./data/chatrelay.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("database dsn cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// Open connects to the configured database and verifies it answers.
func Open(cfg *Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN))
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		if err := applySQLiteOptimizations(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
		}
	}
	return db, nil
}

// sqliteDSN adds the per-connection pragmas go-sqlite3 understands as URI
// parameters. A pragma run with Exec only reaches one pooled connection.
func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_synchronous=NORMAL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + params
}

// Applied once at open. journal_mode persists in the file.
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
`

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
