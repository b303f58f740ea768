package approval

import (
	"sync/atomic"
	"time"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// Token authorises each action kind at most once until it expires.
type Token struct {
	ID          string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Digest      string
	Branch      string
	WorkspaceID string

	consumed map[ActionKind]*atomic.Bool
}

// NewToken creates an unconsumed token.
func NewToken(id, digest, branch, workspaceID string, issuedAt time.Time, ttl time.Duration) *Token {
	t := &Token{
		ID:          id,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(ttl),
		Digest:      digest,
		Branch:      branch,
		WorkspaceID: workspaceID,
		consumed:    make(map[ActionKind]*atomic.Bool, len(AllActions)),
	}
	for _, k := range AllActions {
		t.consumed[k] = new(atomic.Bool)
	}
	return t
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Consume marks kind as used. Exactly one caller wins per kind; the rest get
// AlreadyConsumed. Consuming one kind never affects another.
func (t *Token) Consume(kind ActionKind, now time.Time) error {
	flag, ok := t.consumed[kind]
	if !ok {
		return errors.Newf(errors.KindInvalidArgument, "unknown action %q", kind)
	}
	if t.Expired(now) {
		return errors.NewReason(errors.KindApprovalTokenInvalid, errors.ReasonExpired, "approval token expired")
	}
	if !flag.CompareAndSwap(false, true) {
		return errors.NewReason(errors.KindApprovalTokenInvalid, errors.ReasonAlreadyConsumed,
			"approval token already used for "+string(kind))
	}
	return nil
}

// Consumed reports whether kind has been used.
func (t *Token) Consumed(kind ActionKind) bool {
	flag, ok := t.consumed[kind]
	return ok && flag.Load()
}

// FullyConsumed reports whether every action kind has been used.
func (t *Token) FullyConsumed() bool {
	for _, k := range AllActions {
		if !t.Consumed(k) {
			return false
		}
	}
	return true
}
