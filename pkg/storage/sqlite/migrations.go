package sqlite

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/synclab/collabd/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate brings the schema up to date. Each .sql file under migrations/
// is keyed by filename in the applied_migrations table and executed at
// most once, inside its own transaction, in lexical filename order.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS applied_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create applied_migrations: %w", err)
	}

	names, err := pendingMigrations(db)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		logger.Debug("database schema is current")
		return nil
	}

	for _, name := range names {
		if err := runMigration(db, name); err != nil {
			return err
		}
	}
	logger.Info("database schema migrated through %s", names[len(names)-1])
	return nil
}

// pendingMigrations lists embedded migration files not yet recorded as
// applied, in lexical order.
func pendingMigrations(db *sql.DB) ([]string, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var pending []string
	for _, entry := range entries {
		name := entry.Name()
		var done int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM applied_migrations WHERE filename = ?`, name,
		).Scan(&done)
		if err != nil {
			return nil, fmt.Errorf("check migration %s: %w", name, err)
		}
		if done == 0 {
			pending = append(pending, name)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// runMigration executes one migration file and records it, atomically.
func runMigration(db *sql.DB, name string) error {
	logger.Info("migrating database: %s", name)

	sqlText, err := migrationFiles.ReadFile(path.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlText)); err != nil {
		return fmt.Errorf("run migration %s: %w", name, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO applied_migrations (filename, applied_at) VALUES (?, ?)`,
		name, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}
