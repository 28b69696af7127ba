package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration is one ordered schema change.
type Migration struct {
	Name string
	SQL  string
}

const migrationsTableSchema = `
CREATE TABLE IF NOT EXISTS migrations (
    id INTEGER PRIMARY KEY,
    name TEXT UNIQUE NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Migrations is the SQLite schema history, applied in order.
var Migrations = []Migration{
	{
		Name: "001_initial",
		SQL: `
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    original_name TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    size INTEGER NOT NULL,
    password_hash TEXT,
    max_views INTEGER,
    views INTEGER NOT NULL DEFAULT 0,
    expires_at TEXT,
    folder_id INTEGER REFERENCES folders(id) ON DELETE SET NULL,
    owner_id TEXT NOT NULL DEFAULT '',
    thumbnail TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
CREATE INDEX IF NOT EXISTS idx_files_type ON files(type);

CREATE TABLE IF NOT EXISTS incomplete_uploads (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    total_chunks INTEGER NOT NULL,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL,
    options TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'PENDING',
    error_message TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    result_key TEXT,
    created_at TEXT NOT NULL,
    last_activity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incomplete_uploads_owner ON incomplete_uploads(owner_id);
CREATE INDEX IF NOT EXISTS idx_incomplete_uploads_activity ON incomplete_uploads(last_activity);

CREATE TABLE IF NOT EXISTS incomplete_upload_chunks (
    upload_id TEXT NOT NULL REFERENCES incomplete_uploads(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    size INTEGER NOT NULL,
    received_at TEXT NOT NULL,
    PRIMARY KEY (upload_id, chunk_index)
);
`,
	},
	{
		Name: "002_thumbnail_attempts",
		SQL: `
ALTER TABLE files ADD COLUMN thumbnail_attempts INTEGER NOT NULL DEFAULT 0;
`,
	},
}

// RunMigrations applies all pending database migrations
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrationsTableSchema); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pendingCount := 0
	for _, m := range Migrations {
		if applied[m.Name] {
			slog.Debug("migration already applied", "migration", m.Name)
			continue
		}

		slog.Info("applying migration", "migration", m.Name)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (name) VALUES (?)", m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
		pendingCount++
	}

	if pendingCount > 0 {
		slog.Info("database migrations complete", "applied", pendingCount)
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
