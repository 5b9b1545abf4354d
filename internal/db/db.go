// Package db provides the database connection and schema migrations for groupd.
package db

import (
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*/*.sql
var embedMigrations embed.FS

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps the database connection
type DB struct {
	*sqlx.DB
	Driver string
}

// Open connects to the database and applies pending migrations
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	conn, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	}

	if err := migrate(conn, driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{DB: conn, Driver: driver}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") || strings.Contains(dsn, ":memory:") {
		return dsn
	}
	return dsn + "?_journal_mode=WAL&_busy_timeout=5000"
}

func migrate(conn *sqlx.DB, driver string) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(driver); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(conn.DB, "migrations/"+driver); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// gooseLogger routes migration output through zerolog
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	log.Fatal().Msgf(strings.TrimSpace(format), v...)
}

func (gooseLogger) Printf(format string, v ...any) {
	log.Debug().Str("component", "migrations").Msgf(strings.TrimSpace(format), v...)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
