package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one schema change, applied in version order.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the schema for the given driver. The two dialects
// differ only in column types; queries elsewhere are shared.
func Migrations(driver string) []Migration {
	serial := "BIGSERIAL PRIMARY KEY"
	binary := "BYTEA"
	if driver == DriverSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		binary = "BLOB"
	}

	ddl := func(s string) string {
		s = strings.ReplaceAll(s, "{{serial}}", serial)
		return strings.ReplaceAll(s, "{{binary}}", binary)
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create principals and identities tables",
			SQL: ddl(`
				CREATE TABLE IF NOT EXISTS principals (
					id {{serial}},
					uuid TEXT NOT NULL UNIQUE,
					type TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS identities (
					id {{serial}},
					external_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					latest_login TIMESTAMP,
					UNIQUE(external_id, provider)
				);

				CREATE INDEX IF NOT EXISTS idx_identities_principal_id ON identities(principal_id);
			`),
		},
		{
			Version:     2,
			Description: "Create sessions table",
			SQL: ddl(`
				CREATE TABLE IF NOT EXISTS sessions (
					id {{serial}},
					uuid TEXT NOT NULL UNIQUE,
					principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					expiration_time TIMESTAMP NOT NULL,
					time_last_refreshed TIMESTAMP,
					refresh_count BIGINT NOT NULL DEFAULT 0,
					revoked BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE INDEX IF NOT EXISTS idx_sessions_principal_id ON sessions(principal_id);
				CREATE INDEX IF NOT EXISTS idx_sessions_expiration_time ON sessions(expiration_time);
			`),
		},
		{
			Version:     3,
			Description: "Create api_keys table",
			SQL: ddl(`
				CREATE TABLE IF NOT EXISTS api_keys (
					id {{serial}},
					principal_id BIGINT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
					first_eight TEXT NOT NULL,
					hashed_secret {{binary}} NOT NULL,
					scopes TEXT NOT NULL DEFAULT '[]',
					expiration_time TIMESTAMP,
					note TEXT,
					latest_activity TIMESTAMP,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_api_keys_first_eight ON api_keys(first_eight);
				CREATE INDEX IF NOT EXISTS idx_api_keys_principal_id ON api_keys(principal_id);
				CREATE INDEX IF NOT EXISTS idx_api_keys_expiration_time ON api_keys(expiration_time);
			`),
		},
	}
}

// Migrate applies all migrations for the driver. Statements are idempotent,
// so re-running at every startup is safe.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	for _, m := range Migrations(driver) {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}
