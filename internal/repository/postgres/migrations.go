package postgres

import (
	"context"
	"fmt"
	"log/slog"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Name        string
	Description string
	SQL         string
}

// migrations contains all PostgreSQL schema migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Name:        "001_initial",
		Description: "Files, folders and incomplete upload sessions",
		SQL: `
CREATE TABLE IF NOT EXISTS folders (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS files (
    id BIGSERIAL PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    original_name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    size BIGINT NOT NULL,
    password_hash TEXT,
    max_views INTEGER,
    views INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMPTZ,
    folder_id BIGINT REFERENCES folders(id) ON DELETE SET NULL,
    owner_id TEXT NOT NULL DEFAULT '',
    thumbnail TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
CREATE INDEX IF NOT EXISTS idx_files_type ON files(type);

CREATE TABLE IF NOT EXISTS incomplete_uploads (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    total_chunks INTEGER NOT NULL,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL,
    options JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    result_key TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    last_activity TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incomplete_uploads_owner ON incomplete_uploads(owner_id);
CREATE INDEX IF NOT EXISTS idx_incomplete_uploads_activity ON incomplete_uploads(last_activity);

CREATE TABLE IF NOT EXISTS incomplete_upload_chunks (
    upload_id TEXT NOT NULL REFERENCES incomplete_uploads(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    size BIGINT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (upload_id, chunk_index)
);
`,
	},
	{
		Version:     2,
		Name:        "002_thumbnail_attempts",
		Description: "Count thumbnail passes per file",
		SQL: `
ALTER TABLE files ADD COLUMN IF NOT EXISTS thumbnail_attempts INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// RunMigrations applies all pending PostgreSQL migrations.
func RunMigrations(ctx context.Context, pool *Pool) error {
	slog.Info("running PostgreSQL database migrations")

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id SERIAL PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	appliedMap := make(map[string]bool)
	rows, err := pool.Query(ctx, "SELECT name FROM migrations")
	if err != nil {
		return fmt.Errorf("failed to query applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration name: %w", err)
		}
		appliedMap[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating migrations: %w", err)
	}

	pendingCount := 0
	for _, m := range migrations {
		if appliedMap[m.Name] {
			slog.Debug("migration already applied", "migration", m.Name)
			continue
		}

		slog.Info("applying migration", "migration", m.Name, "description", m.Description)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO migrations (name) VALUES ($1)", m.Name); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
		pendingCount++
	}

	if pendingCount > 0 {
		slog.Info("PostgreSQL migrations complete", "applied", pendingCount)
	}
	return nil
}
