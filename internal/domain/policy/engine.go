package policy

import "sync"

// Settings is the reloadable part of the policy.
type Settings struct {
	Rules         Rules
	Limits        Limits
	Repos         RepoAllowlist
	Secrets       []string
	TokenPatterns bool
}

// Engine combines validation, redaction and limits behind one lock so a config
// reload swaps all of them at once.
type Engine struct {
	mu       sync.RWMutex
	rules    Rules
	limits   Limits
	repos    RepoAllowlist
	redactor *Redactor
}

// NewEngine creates an Engine.
func NewEngine(s Settings) *Engine {
	e := &Engine{}
	e.Apply(s)
	return e
}

// Apply replaces the active settings.
func (e *Engine) Apply(s Settings) {
	r := NewRedactor(s.Secrets, s.TokenPatterns)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = s.Rules
	e.limits = s.Limits
	e.repos = s.Repos
	e.redactor = r
}

// Validate checks command text against the active rules.
func (e *Engine) Validate(text string, mode ExecMode) (Command, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	return rules.Validate(text, mode)
}

// Redact scrubs configured secrets and credential patterns from text.
func (e *Engine) Redact(text string) string {
	e.mu.RLock()
	r := e.redactor
	e.mu.RUnlock()
	return r.Redact(text)
}

// Clip redacts text and cuts it to max bytes without exposing part of a secret.
func (e *Engine) Clip(text string, max int, truncated bool) (string, bool) {
	e.mu.RLock()
	r := e.redactor
	e.mu.RUnlock()
	return r.Clip(text, max, truncated)
}

// EnforceLimits parses a unified diff and checks it against the ceilings.
func (e *Engine) EnforceLimits(unified string) (DiffStats, error) {
	stats, err := ParseDiff(unified)
	if err != nil {
		return stats, err
	}
	return stats, e.Limits().Check(stats)
}

// Limits returns the active ceilings.
func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

// Repos returns the active repository allowlist.
func (e *Engine) Repos() RepoAllowlist {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.repos
}
