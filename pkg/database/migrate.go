package database

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema change applied in order.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations holds the full schema history. New changes append a new
// entry; existing entries are never edited once released.
var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL UNIQUE,
				problem_name TEXT NOT NULL DEFAULT '',
				user_goal TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'active',
				final_state TEXT NOT NULL DEFAULT '',
				step_count INTEGER NOT NULL DEFAULT 0,
				cell_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				completed_at TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS run_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				component TEXT NOT NULL DEFAULT '',
				event_index INTEGER NOT NULL DEFAULT 0,
				timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				event_data TEXT NOT NULL,
				FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
			CREATE INDEX IF NOT EXISTS idx_run_events_index ON run_events(run_id, event_index);
		`,
	},
	{
		Version: 2,
		Name:    "snapshots",
		SQL: `
			CREATE TABLE IF NOT EXISTS run_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT '',
				snapshot TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_run_snapshots_run_id ON run_snapshots(run_id, created_at);
		`,
	},
}

// MigrationRunner applies pending schema migrations
type MigrationRunner struct {
	db *sql.DB
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

// RunMigrations applies all pending migrations in version order
func (m *MigrationRunner) RunMigrations() error {
	if err := m.ensureMigrationsTable(); err != nil {
		return err
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

func (m *MigrationRunner) ensureMigrationsTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := m.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *MigrationRunner) appliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationRunner) apply(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, mig.Version, mig.Name); err != nil {
		return err
	}
	return tx.Commit()
}
