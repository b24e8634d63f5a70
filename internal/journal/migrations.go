package journal

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "evaluations table",
		Up: `
CREATE TABLE IF NOT EXISTS evaluations (
    id              TEXT PRIMARY KEY,
    timestamp_ns    INTEGER NOT NULL,
    cause           TEXT NOT NULL,
    screen          TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL DEFAULT 'none',
    capture         TEXT NOT NULL,
    override_depth  INTEGER NOT NULL DEFAULT 0,
    protected       INTEGER NOT NULL DEFAULT 0,
    overlay_action  TEXT NOT NULL DEFAULT 'none',
    visible         INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(timestamp_ns);
`,
	},
	{
		Version:     2,
		Description: "index by screen",
		Up:          `CREATE INDEX IF NOT EXISTS idx_evaluations_screen ON evaluations(screen, timestamp_ns);`,
	},
}

// migrate applies pending migrations, each in its own transaction.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
