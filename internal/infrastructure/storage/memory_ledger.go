package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

var _ ports.LedgerStoragePort = (*MemoryLedger)(nil)

// MemoryLedger keeps ledger records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []ledger.Record
}

// NewMemoryLedger creates an empty in-memory ledger store.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append stores rec. Sequence numbers must increase.
func (m *MemoryLedger) Append(_ context.Context, rec ledger.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.records); n > 0 && rec.Seq <= m.records[n-1].Seq {
		return fmt.Errorf("ledger record %d is not after %d", rec.Seq, m.records[n-1].Seq)
	}
	m.records = append(m.records, rec)
	return nil
}

// Last returns the newest record.
func (m *MemoryLedger) Last(_ context.Context) (ledger.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return ledger.Record{}, false, nil
	}
	return m.records[len(m.records)-1], true, nil
}

// List returns a copy of the matching records.
func (m *MemoryLedger) List(_ context.Context, scope string, afterSeq int64, limit int) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.records), func(i int) bool { return m.records[i].Seq > afterSeq })
	var out []ledger.Record
	for _, rec := range m.records[start:] {
		if scope != "" && rec.Scope != scope {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryLedger) Close() error { return nil }
