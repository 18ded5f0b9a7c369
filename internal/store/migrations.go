package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS transients (
    object_id TEXT PRIMARY KEY,
    passed BOOLEAN NOT NULL DEFAULT FALSE,
    no_data BOOLEAN NOT NULL DEFAULT FALSE,
    trigger_jd REAL,
    ra REAL,
    decl REAL,
    jdmin REAL,
    jdmax REAL,
    latest_mag REAL,
    ncand INTEGER,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    first_seen_at DATETIME NOT NULL,
    last_seen_at DATETIME NOT NULL,
    revision INTEGER NOT NULL DEFAULT 1,
    followup_id TEXT,
    synced_revision INTEGER,
    synced_at DATETIME
);

CREATE TABLE IF NOT EXISTS transients_stage (
    object_id TEXT PRIMARY KEY,
    passed BOOLEAN NOT NULL,
    no_data BOOLEAN NOT NULL,
    trigger_jd REAL,
    ra REAL,
    decl REAL,
    jdmin REAL,
    jdmax REAL,
    latest_mag REAL,
    ncand INTEGER,
    staged_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transients_active ON transients(active, passed);
`,
	},
	{
		Version:     2,
		Description: "Add pipeline_runs audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    criterion TEXT NOT NULL,
    alerts INTEGER,
    unique_objects INTEGER,
    passed INTEGER,
    no_data INTEGER,
    deactivated INTEGER,
    forwarded INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
`,
	},
	{
		Version:     3,
		Description: "Add raw_payloads table for light-curve responses",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_run_id INTEGER REFERENCES pipeline_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    object_ids TEXT,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    schema_version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("store: applying migration %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("store: migration %d complete", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
