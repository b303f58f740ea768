package policy

import (
	"path"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

const repoRoot = "repo"

// NormalizeWorkdir roots a command working directory inside the repository
// checkout. Empty and "." map to the checkout itself.
func NormalizeWorkdir(cwd string) (string, error) {
	cwd = strings.TrimSpace(cwd)
	if cwd == "" || cwd == "." {
		return repoRoot, nil
	}
	clean, err := confine(cwd)
	if err != nil {
		return "", err
	}
	if clean == repoRoot || strings.HasPrefix(clean, repoRoot+"/") {
		return clean, nil
	}
	return path.Join(repoRoot, clean), nil
}

// RepoFilePath maps a repository-relative file path to its location in the
// environment.
func RepoFilePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "." {
		return "", errors.New(errors.KindInvalidArgument, "path must name a file")
	}
	clean, err := confine(p)
	if err != nil {
		return "", err
	}
	return path.Join(repoRoot, clean), nil
}

func confine(p string) (string, error) {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~") || strings.ContainsRune(p, '\x00') {
		return "", errors.Newf(errors.KindPolicyRejected, "path %q must be relative to the repository", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errors.Newf(errors.KindPolicyRejected, "path %q escapes the repository", p)
	}
	for _, part := range strings.Split(clean, "/") {
		if strings.EqualFold(part, ".git") {
			return "", errors.Newf(errors.KindPolicyRejected, "path %q is inside git metadata", p)
		}
	}
	return clean, nil
}
