// Package testutil provides testing utilities, fakes and fixtures for prguard.
package testutil

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// WriteFile writes content to a file in the given directory, creating parent
// directories. Returns the full path to the created file.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
	return path
}

// AssertKind fails the test unless err carries the given kind, and the given
// reason when one is passed.
func AssertKind(t *testing.T, err error, kind domainErrors.Kind, reason ...domainErrors.Reason) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	target := &domainErrors.Error{Kind: kind}
	if len(reason) > 0 {
		target.Reason = reason[0]
	}
	if !errors.Is(err, target) {
		gotKind, gotReason := domainErrors.KindOf(err)
		t.Fatalf("expected %s/%s, got %s/%s: %v", kind, target.Reason, gotKind, gotReason, err)
	}
}

// RequireGit skips the test when git is not installed.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Git runs git in dir with a fixed identity and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_CONFIG_NOSYSTEM=1", "HOME="+dir,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// NewUpstreamRepo creates a bare repository with one commit on main containing
// files, and returns its path.
func NewUpstreamRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	RequireGit(t)
	root := t.TempDir()
	work := filepath.Join(root, "work")
	bare := filepath.Join(root, "upstream.git")

	if err := os.MkdirAll(work, 0o755); err != nil {
		t.Fatal(err)
	}
	Git(t, work, "init", "-q", "-b", "main")
	for name, content := range files {
		WriteFile(t, work, name, content)
	}
	Git(t, work, "add", "-A")
	Git(t, work, "commit", "-q", "-m", "initial")
	Git(t, root, "clone", "-q", "--bare", work, bare)
	return bare
}
