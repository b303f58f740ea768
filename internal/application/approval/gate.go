// Package approval issues and redeems the scoped tokens that gate pushes and
// change requests.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainApproval "github.com/jbctechsolutions/prguard/internal/domain/approval"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/crypto"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/metrics"
)

// DefaultTokenTTL is used when Config.TokenTTL is zero.
const DefaultTokenTTL = 30 * time.Minute

// Approval results reported to metrics.
const (
	resultIssued       = "approved"
	resultNonCompliant = "non_compliant"
	resultRefused      = "refused"
	resultError        = "error"
)

// Config holds the gate's tunables.
type Config struct {
	TokenTTL       time.Duration
	AutoCloseVerbs []string
}

// Policy supplies the change-size ceilings and redaction.
type Policy interface {
	EnforceLimits(unified string) (policy.DiffStats, error)
	Redact(text string) string
}

// Ledger records approval decisions.
type Ledger interface {
	Append(ctx context.Context, scope, action string, payload any) (domainLedger.Record, error)
}

// Options carries optional collaborators.
type Options struct {
	Clock   ports.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collectors
}

// Grant is a successful approval.
type Grant struct {
	Approved   bool      `json:"approved"`
	ApprovalID string    `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Notes      string    `json:"notes,omitempty"`
}

// Binding is what a token was issued for.
type Binding struct {
	Branch      string
	WorkspaceID string
	Digest      string
	ExpiresAt   time.Time
}

// Scope is the target of an irreversible action. An empty WorkspaceID is not
// compared.
type Scope struct {
	Branch      string
	WorkspaceID string
}

// Gate evaluates evidence bundles and tracks the tokens it has issued.
type Gate struct {
	policy  Policy
	ledger  Ledger
	decider ports.DeciderPort
	clock   ports.Clock
	logger  *logging.Logger
	metrics *metrics.Collectors

	mu      sync.RWMutex
	ttl     time.Duration
	phrases *domainApproval.PhraseChecker
	tokens  map[string]*domainApproval.Token
}

// NewGate creates a gate that asks decider about compliant bundles.
func NewGate(cfg Config, pol Policy, decider ports.DeciderPort, ledger Ledger, opts Options) *Gate {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	g := &Gate{
		policy:  pol,
		ledger:  ledger,
		decider: decider,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tokens:  make(map[string]*domainApproval.Token),
	}
	g.Reconfigure(cfg)
	return g
}

// Reconfigure swaps the token TTL and auto-close verbs. Issued tokens keep
// their expiry.
func (g *Gate) Reconfigure(cfg Config) {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	checker := domainApproval.NewPhraseChecker(cfg.AutoCloseVerbs)
	g.mu.Lock()
	g.ttl = ttl
	g.phrases = checker
	g.mu.Unlock()
}

// Decider returns the name of the configured decider.
func (g *Gate) Decider() string {
	return g.decider.Name()
}

// CheckBody returns ForbiddenPhrase when body would auto-close an issue.
func (g *Gate) CheckBody(body string) error {
	g.mu.RLock()
	checker := g.phrases
	g.mu.RUnlock()
	return checker.Check(body)
}

// Request runs local compliance checks on ev and, if they pass, asks the
// decider. Approval issues a fresh token bound to ev.
func (g *Gate) Request(ctx context.Context, ev domainApproval.Evidence) (Grant, error) {
	if err := ev.Validate(); err != nil {
		return Grant{}, err
	}
	digest := ev.Digest()

	if err := g.comply(ev); err != nil {
		g.deny(ctx, ev, digest, domainErrors.ReasonNonCompliant, err.Error())
		return Grant{}, err
	}

	decision, err := g.decider.Decide(ctx, g.redacted(ev))
	if err != nil {
		g.metrics.ObserveApproval(resultError)
		return Grant{}, domainErrors.Wrap(domainErrors.KindBackendUnavailable,
			fmt.Sprintf("%s decider failed", g.decider.Name()), fmt.Errorf("%s", g.policy.Redact(err.Error())))
	}
	notes := g.policy.Redact(decision.Notes)
	if !decision.Approved {
		msg := "approval refused"
		if notes != "" {
			msg += ": " + notes
		}
		g.deny(ctx, ev, digest, domainErrors.ReasonRefused, notes)
		return Grant{}, domainErrors.NewReason(domainErrors.KindApprovalDenied, domainErrors.ReasonRefused, msg)
	}

	id, err := crypto.NewToken()
	if err != nil {
		g.metrics.ObserveApproval(resultError)
		return Grant{}, domainErrors.Wrap(domainErrors.KindInternal, "failed to issue approval token", err)
	}
	g.mu.Lock()
	ttl := g.ttl
	tok := domainApproval.NewToken(id, digest, ev.BranchPlan.FinalName, ev.WorkspaceID, g.clock.Now(), ttl)
	g.tokens[tok.ID] = tok
	g.mu.Unlock()

	ctx = logging.WithApprovalID(ctx, tok.ID)
	g.metrics.ObserveApproval(resultIssued)
	logging.LogApprovalIssued(ctx, g.logger, tok.ID, tok.Branch, tok.ExpiresAt)
	g.record(ctx, ev.WorkspaceID, domainLedger.ActionApprovalIssued, map[string]any{
		"approval_id": tok.ID,
		"digest":      digest,
		"branch":      tok.Branch,
		"decider":     g.decider.Name(),
		"expires_at":  tok.ExpiresAt.UTC(),
		"notes":       notes,
	})

	return Grant{Approved: true, ApprovalID: tok.ID, ExpiresAt: tok.ExpiresAt, Notes: notes}, nil
}

// comply applies the local rules. Failures are NonCompliant denials.
func (g *Gate) comply(ev domainApproval.Evidence) error {
	if _, err := g.policy.EnforceLimits(ev.UnifiedDiff); err != nil {
		return &domainErrors.Error{
			Kind:    domainErrors.KindApprovalDenied,
			Reason:  domainErrors.ReasonNonCompliant,
			Message: g.policy.Redact(err.Error()),
			Cause:   err,
		}
	}
	for _, text := range []string{ev.PRBody, ev.PRTitle} {
		if err := g.CheckBody(text); err != nil {
			return &domainErrors.Error{
				Kind:    domainErrors.KindApprovalDenied,
				Reason:  domainErrors.ReasonNonCompliant,
				Message: g.policy.Redact(err.Error()),
				Cause:   err,
			}
		}
	}
	return nil
}

func (g *Gate) deny(ctx context.Context, ev domainApproval.Evidence, digest string, reason domainErrors.Reason, detail string) {
	result := resultRefused
	if reason == domainErrors.ReasonNonCompliant {
		result = resultNonCompliant
	}
	detail = g.policy.Redact(detail)
	g.metrics.ObserveApproval(result)
	logging.LogApprovalDenied(ctx, g.logger, string(reason), detail)
	g.record(ctx, ev.WorkspaceID, domainLedger.ActionApprovalDenied, map[string]any{
		"digest": digest,
		"branch": ev.BranchPlan.FinalName,
		"reason": reason,
		"detail": detail,
	})
}

// redacted returns a copy of ev safe to show to an operator.
func (g *Gate) redacted(ev domainApproval.Evidence) *domainApproval.Evidence {
	out := ev
	out.Summary = g.policy.Redact(ev.Summary)
	out.UnifiedDiff = g.policy.Redact(ev.UnifiedDiff)
	out.PRTitle = g.policy.Redact(ev.PRTitle)
	out.PRBody = g.policy.Redact(ev.PRBody)
	out.Notes = g.policy.Redact(ev.Notes)
	out.Checks = make(map[string]domainApproval.CheckResult, len(ev.Checks))
	for name, c := range ev.Checks {
		c.Command = g.policy.Redact(c.Command)
		c.Summary = g.policy.Redact(c.Summary)
		out.Checks[name] = c
	}
	return &out
}

// Binding returns what token id was issued for.
func (g *Gate) Binding(id string) (Binding, error) {
	tok, err := g.lookup(id)
	if err != nil {
		return Binding{}, err
	}
	if tok.Expired(g.clock.Now()) {
		return Binding{}, domainErrors.NewReason(domainErrors.KindApprovalTokenInvalid, domainErrors.ReasonExpired, "approval token expired")
	}
	return Binding{Branch: tok.Branch, WorkspaceID: tok.WorkspaceID, Digest: tok.Digest, ExpiresAt: tok.ExpiresAt}, nil
}

// Authorize checks that token id covers scope and then consumes kind. A scope
// mismatch leaves the token untouched.
func (g *Gate) Authorize(ctx context.Context, id string, kind domainApproval.ActionKind, scope Scope) error {
	b, err := g.Binding(id)
	if err != nil {
		g.metrics.ObserveConsumption(string(kind), consumptionResult(err))
		return err
	}
	if b.Branch != scope.Branch || (scope.WorkspaceID != "" && b.WorkspaceID != "" && b.WorkspaceID != scope.WorkspaceID) {
		g.metrics.ObserveConsumption(string(kind), string(domainErrors.ReasonScopeMismatch))
		return domainErrors.NewReason(domainErrors.KindApprovalTokenInvalid, domainErrors.ReasonScopeMismatch,
			fmt.Sprintf("approval %s was issued for branch %q, not %q", id, b.Branch, scope.Branch))
	}
	return g.Consume(ctx, id, kind)
}

// Consume marks kind as used on token id. Exactly one caller succeeds per
// (token, kind).
func (g *Gate) Consume(ctx context.Context, id string, kind domainApproval.ActionKind) error {
	tok, err := g.lookup(id)
	if err == nil {
		err = tok.Consume(kind, g.clock.Now())
	}
	g.metrics.ObserveConsumption(string(kind), consumptionResult(err))
	if err != nil {
		return err
	}

	ctx = logging.WithApprovalID(ctx, id)
	logging.LogTokenConsumed(ctx, g.logger, id, string(kind))
	g.record(ctx, tok.WorkspaceID, domainLedger.ActionTokenConsumed, map[string]any{
		"approval_id": id,
		"action":      kind,
		"branch":      tok.Branch,
	})
	return nil
}

// Purge drops expired tokens and returns how many were removed. Consumed tokens
// stay until they expire so late callers still see AlreadyConsumed.
func (g *Gate) Purge(ctx context.Context) int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, tok := range g.tokens {
		if tok.Expired(now) {
			delete(g.tokens, id)
			n++
		}
	}
	if n > 0 {
		g.logger.DebugContext(ctx, "approval tokens purged", "count", n)
	}
	return n
}

// Outstanding returns the number of tokens held.
func (g *Gate) Outstanding() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tokens)
}

func (g *Gate) lookup(id string) (*domainApproval.Token, error) {
	g.mu.RLock()
	tok, ok := g.tokens[id]
	g.mu.RUnlock()
	if !ok {
		return nil, domainErrors.NewReason(domainErrors.KindApprovalTokenInvalid, domainErrors.ReasonUnknown,
			fmt.Sprintf("unknown approval %q", id))
	}
	return tok, nil
}

func (g *Gate) record(ctx context.Context, scope, action string, payload any) {
	if g.ledger == nil {
		return
	}
	if _, err := g.ledger.Append(ctx, scope, action, payload); err != nil {
		g.logger.ErrorContext(ctx, "ledger append failed", "action", action, "error", g.policy.Redact(err.Error()))
	}
}

func consumptionResult(err error) string {
	if err == nil {
		return "ok"
	}
	if _, reason := domainErrors.KindOf(err); reason != "" {
		return string(reason)
	}
	return "error"
}
