package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE backups (
					id TEXT PRIMARY KEY,
					keeper_id TEXT NOT NULL,
					checksum TEXT NOT NULL,
					size INTEGER NOT NULL,
					contact TEXT,
					contact_type TEXT,
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE sessions (
					id TEXT PRIMARY KEY,
					output_path TEXT NOT NULL,
					state TEXT NOT NULL,
					outcome TEXT,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					items_planned INTEGER DEFAULT 0,
					items_fetched INTEGER DEFAULT 0,
					items_skipped INTEGER DEFAULT 0,
					items_failed INTEGER DEFAULT 0,
					bytes_transferred INTEGER DEFAULT 0,
					content_bytes INTEGER DEFAULT 0,
					archive_size INTEGER DEFAULT 0,
					checksum TEXT,
					error_message TEXT,
					reported BOOLEAN DEFAULT 0
				);

				CREATE TABLE failed_items (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL,
					path TEXT NOT NULL,
					url TEXT,
					expected_hash TEXT,
					error TEXT,
					attempts INTEGER DEFAULT 0,
					failed_at DATETIME NOT NULL,
					FOREIGN KEY(session_id) REFERENCES sessions(id)
				);

				CREATE INDEX idx_failed_items_session ON failed_items(session_id);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE INDEX idx_backups_created_at ON backups(created_at);
				CREATE INDEX idx_sessions_start_time ON sessions(start_time);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
