// Package qa detects a repository's tooling and reads what its checks print.
package qa

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// TypePython is the only project type with known tooling.
const TypePython = "python"

// PrecommitConfig is the file that enables pre-commit hooks.
const PrecommitConfig = ".pre-commit-config.yaml"

// Default commands for a Python project.
const (
	DefaultTestCommand      = "pytest -q"
	DefaultLintCommand      = "ruff check ."
	DefaultTypecheckCommand = "mypy ."
	DefaultFormatCommand    = "ruff format ."
	PrecommitCommand        = "pre-commit run --all-files"
)

var pythonMarkers = []string{"pyproject.toml", "setup.py", "setup.cfg", "Pipfile"}

// Project is what detection found at the repository root.
type Project struct {
	Type             string   `json:"type"`
	Markers          []string `json:"markers"`
	TestCommand      string   `json:"test_command"`
	LintCommand      string   `json:"lint_command"`
	TypecheckCommand string   `json:"typecheck_command"`
	FormatCommand    string   `json:"format_command"`
	Precommit        bool     `json:"precommit"`
}

// Detect inspects the top-level file names of a repository.
func Detect(files []string) (Project, error) {
	var markers []string
	for _, f := range rootFiles(files) {
		if isRequirements(f) {
			markers = append(markers, f)
			continue
		}
		for _, m := range pythonMarkers {
			if f == m {
				markers = append(markers, f)
			}
		}
	}
	if len(markers) == 0 {
		return Project{}, errors.New(errors.KindInvalidArgument, "only Python repositories are supported")
	}
	sort.Strings(markers)
	return Project{
		Type:             TypePython,
		Markers:          markers,
		TestCommand:      DefaultTestCommand,
		LintCommand:      DefaultLintCommand,
		TypecheckCommand: DefaultTypecheckCommand,
		FormatCommand:    DefaultFormatCommand,
		Precommit:        HasPrecommit(files),
	}, nil
}

// HasPrecommit reports whether files include a root pre-commit config.
func HasPrecommit(files []string) bool {
	for _, f := range rootFiles(files) {
		if f == PrecommitConfig {
			return true
		}
	}
	return false
}

// InstallCommand picks the installer for the manifests in files. It returns
// "" when there is nothing to install.
func InstallCommand(files []string) string {
	root := rootFiles(files)
	has := func(name string) bool {
		for _, f := range root {
			if f == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("uv.lock"):
		return "uv sync --dev"
	case has("pyproject.toml"):
		return "uv sync"
	}
	var reqs []string
	for _, f := range root {
		if isRequirements(f) {
			reqs = append(reqs, f)
		}
	}
	if len(reqs) == 0 {
		return ""
	}
	sort.Strings(reqs)
	return "pip install -r " + reqs[0]
}

func isRequirements(name string) bool {
	ok, _ := path.Match("requirements*.txt", name)
	return ok
}

// rootFiles keeps the entries that sit directly in the repository root.
func rootFiles(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f != "" && !strings.Contains(f, "/") {
			out = append(out, f)
		}
	}
	return out
}

var failedTest = regexp.MustCompile(`(?m)^(.*?)::(.*?)\s+FAILED`)

// ParseFailingTests extracts file::test identifiers from pytest output, in
// order of first appearance.
func ParseFailingTests(logs string) []string {
	failing := []string{}
	seen := map[string]bool{}
	for _, m := range failedTest.FindAllStringSubmatch(logs, -1) {
		id := m[1] + "::" + m[2]
		if !seen[id] {
			seen[id] = true
			failing = append(failing, id)
		}
	}
	return failing
}

// Report renders failing tests before and after a change as markdown.
func Report(before, after []string) string {
	var b strings.Builder
	section := func(title string, tests []string) {
		fmt.Fprintf(&b, "### %s\n\n", title)
		if len(tests) == 0 {
			b.WriteString("None\n\n")
			return
		}
		for _, t := range tests {
			fmt.Fprintf(&b, "- `%s`\n", t)
		}
		b.WriteString("\n")
	}
	section("Before Failures", before)
	section("After Failures", after)
	if fixed := minus(before, after); len(fixed) > 0 {
		section("Fixed", fixed)
	}
	if added := minus(after, before); len(added) > 0 {
		section("New Failures", added)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func minus(a, b []string) []string {
	drop := make(map[string]bool, len(b))
	for _, s := range b {
		drop[s] = true
	}
	var out []string
	for _, s := range a {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
