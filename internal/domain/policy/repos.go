package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*/[A-Za-z0-9._-]+$`)

// ParseSlug splits "owner/name" into its parts.
func ParseSlug(slug string) (owner, name string, err error) {
	slug = strings.TrimSuffix(strings.TrimSpace(slug), ".git")
	if !slugPattern.MatchString(slug) {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/name", slug)
	}
	owner, name, _ = strings.Cut(slug, "/")
	return owner, name, nil
}

// SlugFromRemoteURL extracts owner/name from an https or scp-style git remote.
func SlugFromRemoteURL(remote string) (string, error) {
	remote = strings.TrimSpace(remote)
	var p string
	switch {
	case strings.Contains(remote, "://"):
		u, err := url.Parse(remote)
		if err != nil {
			return "", fmt.Errorf("invalid remote url: %w", err)
		}
		p = u.Path
	case strings.Contains(remote, ":"):
		_, p, _ = strings.Cut(remote, ":")
	default:
		return "", fmt.Errorf("unrecognised remote %q", remote)
	}
	p = strings.TrimSuffix(strings.Trim(p, "/"), ".git")
	owner, name, err := ParseSlug(p)
	if err != nil {
		return "", err
	}
	return owner + "/" + name, nil
}

// RepoAllowlist decides which upstream repositories and forks may be touched.
type RepoAllowlist struct {
	entries  []string
	username string
}

// NewRepoAllowlist builds an allowlist. Entries are "*", "*/*", "owner/*" or
// "owner/name", compared case-insensitively.
func NewRepoAllowlist(entries []string, username string) RepoAllowlist {
	norm := make([]string, 0, len(entries))
	for _, e := range entries {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			norm = append(norm, e)
		}
	}
	return RepoAllowlist{entries: norm, username: strings.ToLower(strings.TrimSpace(username))}
}

// Username returns the account that owns forks.
func (a RepoAllowlist) Username() string {
	return a.username
}

// UpstreamAllowed reports whether the upstream slug matches an allowlist entry.
func (a RepoAllowlist) UpstreamAllowed(slug string) bool {
	owner, name, err := ParseSlug(slug)
	if err != nil {
		return false
	}
	owner, name = strings.ToLower(owner), strings.ToLower(name)
	for _, e := range a.entries {
		if e == "*" || e == "*/*" {
			return true
		}
		eo, en, ok := strings.Cut(e, "/")
		if !ok || eo != owner {
			continue
		}
		if en == "*" || en == name {
			return true
		}
	}
	return false
}

// ForkAllowed reports whether slug is a fork owned by the configured user whose
// name matches an allowlist entry.
func (a RepoAllowlist) ForkAllowed(slug string) bool {
	owner, name, err := ParseSlug(slug)
	if err != nil || a.username == "" || strings.ToLower(owner) != a.username {
		return false
	}
	name = strings.ToLower(name)
	for _, e := range a.entries {
		if e == "*" || e == "*/*" {
			return true
		}
		_, en, ok := strings.Cut(e, "/")
		if ok && (en == "*" || en == name) {
			return true
		}
	}
	return false
}
