package approval

import (
	"regexp"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// DefaultAutoCloseVerbs are the keywords a hosting service treats as closing an issue.
var DefaultAutoCloseVerbs = []string{
	"close", "closes", "closed",
	"fix", "fixes", "fixed",
	"resolve", "resolves", "resolved",
}

// issueRef matches #N, owner/repo#N and issue URLs.
const issueRef = `(?:#\d+|[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+#\d+|https?://\S+/issues/\d+)`

// PhraseChecker detects auto-close phrases in change request bodies.
type PhraseChecker struct {
	re *regexp.Regexp
}

// NewPhraseChecker builds a checker for verbs. An empty list uses the defaults.
func NewPhraseChecker(verbs []string) *PhraseChecker {
	var quoted []string
	for _, v := range verbs {
		if v = strings.TrimSpace(v); v != "" {
			quoted = append(quoted, regexp.QuoteMeta(v))
		}
	}
	if len(quoted) == 0 {
		for _, v := range DefaultAutoCloseVerbs {
			quoted = append(quoted, regexp.QuoteMeta(v))
		}
	}
	pattern := `(?i)\b(?:` + strings.Join(quoted, "|") + `)(?:\s*:\s*|\s+)` + issueRef
	return &PhraseChecker{re: regexp.MustCompile(pattern)}
}

// Find returns the first auto-close phrase in body, or "".
func (c *PhraseChecker) Find(body string) string {
	return c.re.FindString(body)
}

// Check returns ForbiddenPhrase when body contains an auto-close phrase.
func (c *PhraseChecker) Check(body string) error {
	if m := c.Find(body); m != "" {
		return errors.Newf(errors.KindForbiddenPhrase,
			"change request body contains auto-close phrase %q; use \"Related to #N\" instead", m)
	}
	return nil
}
