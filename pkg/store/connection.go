package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers. Small deployments use the embedded single-file
	// sqlite database; multi-instance deployments point at Postgres.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Drivers selected from the database URI.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultOptions returns conservative pool settings.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    5,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects to the database named by uri. URIs beginning with
// postgres:// or postgresql:// select the Postgres driver; a sqlite://
// prefix or a bare filesystem path selects sqlite.
func Open(uri string, opts Options) (*sql.DB, string, error) {
	driver, dsn := resolveDriver(uri)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, driver, nil
}

func resolveDriver(uri string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return DriverPostgres, uri
	case strings.HasPrefix(uri, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(uri, "sqlite://")
	default:
		return DriverSQLite, uri
	}
}
