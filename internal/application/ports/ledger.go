package ports

import (
	"context"

	"github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

// LedgerStoragePort persists sealed ledger records.
// Implementations might keep records in memory or in SQLite.
type LedgerStoragePort interface {
	// Append stores a sealed record. Sequence numbers are assigned by the caller
	// and are strictly increasing.
	Append(ctx context.Context, rec ledger.Record) error

	// Last returns the record with the highest sequence number.
	// ok is false when the store is empty.
	Last(ctx context.Context) (rec ledger.Record, ok bool, err error)

	// List returns records with Seq > afterSeq in sequence order. An empty scope
	// matches every record. limit <= 0 means no limit.
	List(ctx context.Context, scope string, afterSeq int64, limit int) ([]ledger.Record, error)

	// Close releases the store.
	Close() error
}
