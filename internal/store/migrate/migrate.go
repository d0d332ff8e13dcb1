// Package migrate applies embedded SQL migrations at most once per file.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// Dialect carries the statements that differ between database engines.
type Dialect struct {
	Name        string
	isAppliedQ  string
	recordStmt  string
	createTable string
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		isAppliedQ: "SELECT 1 FROM " + migrationTable + " WHERE name = ?",
		recordStmt: "INSERT OR IGNORE INTO " + migrationTable + " (name, applied_at) VALUES (?, ?)",
		createTable: `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);`,
	}
	Postgres = Dialect{
		Name:       "postgres",
		isAppliedQ: "SELECT 1 FROM " + migrationTable + " WHERE name = $1",
		recordStmt: "INSERT INTO " + migrationTable + " (name, applied_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
		createTable: `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
);`,
	}
)

// Apply executes the .sql files under root in lexical order. Each file runs
// in its own transaction together with its schema_migrations row.
func Apply(ctx context.Context, db *sql.DB, dialect Dialect, migrationFS fs.FS, root string) error {
	if db == nil {
		return fmt.Errorf("sql db is required")
	}
	if dialect.createTable == "" {
		return fmt.Errorf("migration dialect is required")
	}

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	keyRoot := root
	if keyRoot == "." {
		keyRoot = ""
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.ExecContext(ctx, dialect.createTable); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		name := file
		if keyRoot != "" {
			name = path.Join(keyRoot, file)
		}

		applied, err := isApplied(ctx, db, dialect, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := ExtractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, upSQL); err != nil && !IsAlreadyExists(err) {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, dialect.recordStmt, name, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// ExtractUp returns the SQL in the "-- +migrate Up" section, or the whole
// file when it has no markers.
func ExtractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, down)
	if downIdx == -1 || downIdx < upIdx {
		return content[upIdx+len(up):]
	}
	return content[upIdx+len(up) : downIdx]
}

// IsAlreadyExists reports whether err comes from DDL that already ran.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, db *sql.DB, dialect Dialect, name string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, dialect.isAppliedQ, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
