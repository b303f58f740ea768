package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; applied versions are recorded.
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "create_ledger_records_table", createLedgerRecordsTable},
	{2, "create_ledger_indices", createLedgerIndices},
}

// applyMigrations applies all database migrations in order.
func applyMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("could not check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("could not begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("could not apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("could not record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("could not commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func isMigrationApplied(db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Migration SQL statements

const createLedgerRecordsTable = `
CREATE TABLE ledger_records (
	seq INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	scope TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	action TEXT NOT NULL,
	payload BLOB NOT NULL,
	prev_hash TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);

CREATE TRIGGER ledger_records_no_update BEFORE UPDATE ON ledger_records
BEGIN
	SELECT RAISE(ABORT, 'ledger records are append-only');
END;

CREATE TRIGGER ledger_records_no_delete BEFORE DELETE ON ledger_records
BEGIN
	SELECT RAISE(ABORT, 'ledger records are append-only');
END;
`

const createLedgerIndices = `
CREATE INDEX idx_ledger_records_scope_seq ON ledger_records(scope, seq);
CREATE INDEX idx_ledger_records_action ON ledger_records(action);
`
