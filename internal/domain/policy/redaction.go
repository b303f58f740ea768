package policy

import (
	"regexp"
	"sort"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "<REDACTED>"

// tokenPatterns match credential shapes that were never configured explicitly.
var tokenPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), Placeholder},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`), Placeholder},
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), Placeholder},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), Placeholder},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]{10,}`), "${1}" + Placeholder},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), Placeholder},
}

// Redact replaces every exact occurrence of each secret with the placeholder.
// Longer secrets are replaced first so a secret that contains another is not
// left partially visible.
func Redact(text string, secrets []string) string {
	for _, s := range sortedSecrets(secrets) {
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	return text
}

func sortedSecrets(secrets []string) []string {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// Redactor applies configured secrets and credential patterns.
type Redactor struct {
	secrets  []string
	patterns bool
}

// NewRedactor creates a Redactor. When patterns is true, credential-shaped tokens
// are scrubbed in addition to the exact secret values.
func NewRedactor(secrets []string, patterns bool) *Redactor {
	return &Redactor{secrets: sortedSecrets(secrets), patterns: patterns}
}

// Redact scrubs text.
func (r *Redactor) Redact(text string) string {
	if r == nil || text == "" {
		return text
	}
	for _, s := range r.secrets {
		text = strings.ReplaceAll(text, s, Placeholder)
	}
	if r.patterns {
		for _, p := range tokenPatterns {
			text = p.re.ReplaceAllString(text, p.repl)
		}
	}
	return text
}

// Secrets returns the number of configured secret values.
func (r *Redactor) Secrets() int {
	return len(r.secrets)
}

// Clip redacts text and cuts it to at most max bytes. When the text was cut,
// here or upstream, a trailing fragment that starts a configured secret is
// dropped as well. The second result reports whether anything was cut.
func (r *Redactor) Clip(text string, max int, truncated bool) (string, bool) {
	text = r.Redact(text)
	if max > 0 && len(text) > max {
		text = text[:max]
		truncated = true
	}
	if !truncated {
		return text, false
	}
	if r != nil {
		for _, s := range r.secrets {
			for k := min(len(s)-1, len(text)); k > 0; k-- {
				if strings.HasSuffix(text, s[:k]) {
					text = text[:len(text)-k]
					break
				}
			}
		}
	}
	return strings.ToValidUTF8(text, ""), true
}
