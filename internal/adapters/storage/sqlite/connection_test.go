package sqlite

import (
	"path/filepath"
	"testing"
)

func TestConnection_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	conn, err := NewConnection(path)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	if conn.Path() != path {
		t.Errorf("Path() = %q, want %q", conn.Path(), path)
	}

	if _, err := conn.DB(); err == nil {
		t.Error("DB() before Open should fail")
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := conn.Open(); err == nil {
		t.Error("second Open() should fail")
	}

	db, err := conn.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("migrations count = %d, want %d", count, len(migrations))
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConnection_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	for i := 0; i < 2; i++ {
		conn, _ := NewConnection(path)
		if err := conn.Open(); err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		conn.Close()
	}
}

func TestLedgerRecords_AppendOnly(t *testing.T) {
	conn, _ := NewConnection(filepath.Join(t.TempDir(), "ledger.db"))
	if err := conn.Open(); err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	db, _ := conn.DB()

	_, err := db.Exec(`INSERT INTO ledger_records
		(seq, event_id, scope, timestamp, action, payload, prev_hash, payload_hash, hash)
		VALUES (1, 'e1', 'ws', '2026-01-01T00:00:00Z', 'command.executed', '{}', '', 'p', 'h')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(`UPDATE ledger_records SET action = 'x' WHERE seq = 1`); err == nil {
		t.Error("update should be rejected")
	}
	if _, err := db.Exec(`DELETE FROM ledger_records WHERE seq = 1`); err == nil {
		t.Error("delete should be rejected")
	}
}
