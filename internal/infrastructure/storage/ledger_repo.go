// Package storage provides storage implementations for the application layer ports.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

// Compile-time check that LedgerRepository implements LedgerStoragePort.
var _ ports.LedgerStoragePort = (*LedgerRepository)(nil)

// LedgerRepository implements ports.LedgerStoragePort using SQLite.
type LedgerRepository struct {
	db     *sql.DB
	closer func() error
}

// NewLedgerRepository creates a repository over db. closer, when non-nil, is
// called by Close.
func NewLedgerRepository(db *sql.DB, closer func() error) *LedgerRepository {
	return &LedgerRepository{db: db, closer: closer}
}

const ledgerColumns = `seq, event_id, scope, timestamp, action, payload, prev_hash, payload_hash, hash`

// Append persists a sealed record.
func (r *LedgerRepository) Append(ctx context.Context, rec ledger.Record) error {
	query := `INSERT INTO ledger_records (` + ledgerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.Seq,
		rec.EventID,
		rec.Scope,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Action,
		[]byte(rec.Payload),
		rec.PrevHash,
		rec.PayloadHash,
		rec.Hash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("ledger record %d already exists: %w", rec.Seq, err)
		}
		return fmt.Errorf("failed to append ledger record: %w", err)
	}
	return nil
}

// Last returns the record with the highest sequence number.
func (r *LedgerRepository) Last(ctx context.Context) (ledger.Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_records ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("failed to read last ledger record: %w", err)
	}
	return rec, true, nil
}

// List returns records after afterSeq, optionally filtered by scope.
func (r *LedgerRepository) List(ctx context.Context, scope string, afterSeq int64, limit int) ([]ledger.Record, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_records WHERE seq > ?`
	args := []any{afterSeq}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger records: %w", err)
	}
	return out, nil
}

// Close releases the underlying connection.
func (r *LedgerRepository) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (ledger.Record, error) {
	var (
		rec     ledger.Record
		ts      string
		payload []byte
	)
	if err := s.Scan(&rec.Seq, &rec.EventID, &rec.Scope, &ts, &rec.Action, &payload,
		&rec.PrevHash, &rec.PayloadHash, &rec.Hash); err != nil {
		return ledger.Record{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	rec.Timestamp = t
	rec.Payload = payload
	return rec, nil
}
