package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jbctechsolutions/prguard/internal/adapters/storage/sqlite"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

func openSQLiteLedger(t *testing.T) ports.LedgerStoragePort {
	t.Helper()
	conn, err := sqlite.NewConnection(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	if err := conn.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	db, err := conn.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	repo := NewLedgerRepository(db, conn.Close)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sealedChain(n int, scopes ...string) []ledger.Record {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	out := make([]ledger.Record, 0, n)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]int{"i": i})
		rec := ledger.Record{
			Seq:       int64(i + 1),
			EventID:   fmt.Sprintf("evt-%d", i+1),
			Scope:     scopes[i%len(scopes)],
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Action:    ledger.ActionCommandExecuted,
			Payload:   payload,
		}
		rec.Seal(prev)
		prev = rec.Hash
		out = append(out, rec)
	}
	return out
}

func TestLedgerStores(t *testing.T) {
	stores := map[string]func(t *testing.T) ports.LedgerStoragePort{
		"memory": func(*testing.T) ports.LedgerStoragePort { return NewMemoryLedger() },
		"sqlite": openSQLiteLedger,
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			if _, ok, err := store.Last(ctx); err != nil || ok {
				t.Fatalf("Last on empty store = ok %v, err %v", ok, err)
			}

			chain := sealedChain(6, "ws-a", "ws-b")
			for _, rec := range chain {
				if err := store.Append(ctx, rec); err != nil {
					t.Fatalf("Append(%d): %v", rec.Seq, err)
				}
			}
			if err := store.Append(ctx, chain[2]); err == nil {
				t.Error("re-appending an existing sequence should fail")
			}

			last, ok, err := store.Last(ctx)
			if err != nil || !ok || last.Seq != 6 || last.Hash != chain[5].Hash {
				t.Fatalf("Last = %+v, %v, %v", last, ok, err)
			}

			all, err := store.List(ctx, "", 0, 0)
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 6 {
				t.Fatalf("List all returned %d records", len(all))
			}
			if err := ledger.VerifyChain(all); err != nil {
				t.Errorf("stored chain does not verify: %v", err)
			}
			if !all[0].Timestamp.Equal(chain[0].Timestamp) || string(all[0].Payload) != string(chain[0].Payload) {
				t.Errorf("record did not round trip: %+v", all[0])
			}

			scoped, err := store.List(ctx, "ws-b", 0, 0)
			if err != nil {
				t.Fatalf("List scoped: %v", err)
			}
			if len(scoped) != 3 || scoped[0].Seq != 2 {
				t.Errorf("scoped list = %d records starting at %d", len(scoped), scoped[0].Seq)
			}

			page, err := store.List(ctx, "", 2, 2)
			if err != nil {
				t.Fatalf("List page: %v", err)
			}
			if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
				t.Errorf("page = %+v", page)
			}
		})
	}
}
