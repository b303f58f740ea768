// Package ledger provides the run ledger service: redacted, hash-chained,
// append-only records of every action taken on behalf of a client.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

// pageSize bounds how many records are read from the store at once.
const pageSize = 500

// Redactor scrubs secret values from text.
type Redactor interface {
	Redact(text string) string
}

// Service appends to and reads from the run ledger.
type Service struct {
	store    ports.LedgerStoragePort
	redactor Redactor
	clock    ports.Clock

	mu       sync.Mutex
	seq      int64
	prevHash string
	lastTime time.Time
}

// NewService resumes the chain from the newest stored record.
func NewService(ctx context.Context, store ports.LedgerStoragePort, redactor Redactor, clock ports.Clock) (*Service, error) {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	s := &Service{store: store, redactor: redactor, clock: clock}
	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resume ledger: %w", err)
	}
	if ok {
		s.seq = last.Seq
		s.prevHash = last.Hash
		s.lastTime = last.Timestamp
	}
	return s, nil
}

// Append redacts payload, seals it onto the chain and stores it. scope is the
// workspace id, or empty for server-wide events.
func (s *Service) Append(ctx context.Context, scope, action string, payload any) (domainLedger.Record, error) {
	data, err := s.encode(payload)
	if err != nil {
		return domainLedger.Record{}, fmt.Errorf("failed to encode %s payload: %w", action, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	if now.Before(s.lastTime) {
		now = s.lastTime
	}
	rec := domainLedger.Record{
		Seq:       s.seq + 1,
		EventID:   uuid.New().String(),
		Scope:     scope,
		Timestamp: now,
		Action:    action,
		Payload:   data,
	}
	rec.Seal(s.prevHash)

	if err := s.store.Append(ctx, rec); err != nil {
		return domainLedger.Record{}, fmt.Errorf("failed to append %s record: %w", action, err)
	}
	s.seq = rec.Seq
	s.prevHash = rec.Hash
	s.lastTime = now
	return rec, nil
}

// encode marshals payload and redacts every string in it, keys included.
func (s *Service) encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	generic = s.redactValue(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func (s *Service) redactValue(v any) any {
	if s.redactor == nil {
		return v
	}
	switch t := v.(type) {
	case string:
		return s.redactor.Redact(t)
	case []any:
		for i := range t {
			t[i] = s.redactValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[s.redactor.Redact(k)] = s.redactValue(val)
		}
		return out
	default:
		return v
	}
}

// Iterate calls fn for each record of scope in sequence order. Records
// appended after the call starts are not visited, so iteration always ends.
// An empty scope visits every record.
func (s *Service) Iterate(ctx context.Context, scope string, fn func(domainLedger.Record) error) error {
	s.mu.Lock()
	upTo := s.seq
	s.mu.Unlock()

	var after int64
	for {
		page, err := s.store.List(ctx, scope, after, pageSize)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		for _, rec := range page {
			if rec.Seq > upTo {
				return nil
			}
			if err := fn(rec); err != nil {
				return err
			}
			after = rec.Seq
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// Records returns a snapshot of scope's records.
func (s *Service) Records(ctx context.Context, scope string) ([]domainLedger.Record, error) {
	var out []domainLedger.Record
	err := s.Iterate(ctx, scope, func(r domainLedger.Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Verify re-computes the whole chain and returns the number of verified
// records. A broken chain is reported as *domainLedger.ChainError.
func (s *Service) Verify(ctx context.Context) (int, error) {
	var v domainLedger.Verifier
	err := s.Iterate(ctx, "", v.Next)
	return v.Count(), err
}

// Export writes scope's records to w as JSON lines and returns the count.
// Records are re-redacted with the current secret set on the way out.
func (s *Service) Export(ctx context.Context, w io.Writer, scope string) (int, error) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	n := 0
	err := s.Iterate(ctx, scope, func(r domainLedger.Record) error {
		line := exportLine{Record: r, Payload: s.exportPayload(r.Payload)}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("failed to write record %d: %w", r.Seq, err)
		}
		n++
		return nil
	})
	return n, err
}

// exportLine carries the payload separately so re-redaction does not alter
// the hashed bytes of the stored record.
type exportLine struct {
	domainLedger.Record
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) exportPayload(p json.RawMessage) json.RawMessage {
	if s.redactor == nil {
		return p
	}
	red := s.redactor.Redact(string(p))
	if !json.Valid([]byte(red)) {
		return p
	}
	return json.RawMessage(red)
}

// Seq returns the sequence number of the newest record.
func (s *Service) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
