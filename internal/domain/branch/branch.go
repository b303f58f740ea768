// Package branch resolves branch names for a unit of work: create a new branch,
// reuse one that already belongs to the same issue, or pick a free suffix.
package branch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPrefix is the work-unit namespace used when none is configured.
const DefaultPrefix = "issue"

// Resolution describes how the final branch name was chosen.
type Resolution string

const (
	ResolutionCreated Resolution = "Created"
	ResolutionReused  Resolution = "Reused"
	ResolutionRenamed Resolution = "Renamed"
)

// Plan is the outcome of branch resolution.
type Plan struct {
	DesiredName string     `json:"desired_name"`
	BaseRef     string     `json:"base_ref"`
	Resolution  Resolution `json:"resolution"`
	FinalName   string     `json:"final_name"`
}

// NeedsCheckoutNew reports whether the final branch has to be created from BaseRef.
func (p Plan) NeedsCheckoutNew() bool {
	return p.Resolution != ResolutionReused
}

// Strategy resolves branch names within a prefix namespace.
type Strategy struct {
	Prefix string
}

// NewStrategy creates a Strategy. An empty prefix uses DefaultPrefix.
func NewStrategy(prefix string) Strategy {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Strategy{Prefix: prefix}
}

func (s Strategy) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

// IsWorkUnit reports whether name follows <prefix>/<issue-number>[-slug].
func (s Strategy) IsWorkUnit(name string) bool {
	rest, ok := strings.CutPrefix(name, s.prefix()+"/")
	if !ok || rest == "" {
		return false
	}
	num, slug, hasSlug := strings.Cut(rest, "-")
	if _, err := strconv.ParseUint(num, 10, 64); err != nil {
		return false
	}
	return !hasSlug || slug != ""
}

// Plan chooses the final branch name. It is a pure function of its inputs.
func (s Strategy) Plan(desired, fromRef string, existing []string) Plan {
	p := Plan{DesiredName: desired, BaseRef: fromRef}

	set := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		set[name] = struct{}{}
	}

	if _, taken := set[desired]; !taken {
		p.Resolution = ResolutionCreated
		p.FinalName = desired
		return p
	}

	if s.IsWorkUnit(desired) {
		p.Resolution = ResolutionReused
		p.FinalName = desired
		return p
	}

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", desired, n)
		if _, taken := set[candidate]; !taken {
			p.Resolution = ResolutionRenamed
			p.FinalName = candidate
			return p
		}
	}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// NameFor builds a work-unit branch name from an issue number and a free-form title.
func (s Strategy) NameFor(issue int, title string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		return fmt.Sprintf("%s/%d", s.prefix(), issue)
	}
	return fmt.Sprintf("%s/%d-%s", s.prefix(), issue, slug)
}

// ValidateName checks name against git's ref-name rules.
func ValidateName(name string) error {
	switch {
	case name == "" || name == "@":
		return fmt.Errorf("invalid branch name %q", name)
	case strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return fmt.Errorf("branch name %q may not start with '-' or start or end with '/'", name)
	case strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock"):
		return fmt.Errorf("branch name %q may not end with '.' or '.lock'", name)
	case strings.Contains(name, "..") || strings.Contains(name, "//") || strings.Contains(name, "@{"):
		return fmt.Errorf("branch name %q contains an invalid sequence", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("branch name %q contains invalid character %q", name, r)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") {
			return fmt.Errorf("branch name %q has a component starting with '.'", name)
		}
	}
	return nil
}

// ParseRefList turns `git branch --list --all --format=%(refname)` output into
// short branch names, dropping remote HEAD pointers and duplicates.
func ParseRefList(output string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, line := range strings.Split(output, "\n") {
		ref := strings.TrimSpace(line)
		var name string
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			name = strings.TrimPrefix(ref, "refs/heads/")
		case strings.HasPrefix(ref, "refs/remotes/"):
			_, name, _ = strings.Cut(strings.TrimPrefix(ref, "refs/remotes/"), "/")
		default:
			continue
		}
		if name == "" || name == "HEAD" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
