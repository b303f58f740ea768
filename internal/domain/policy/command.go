// Package policy implements the command allowlist, secret redaction and change-size
// ceilings that every workspace operation passes through.
package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/shlex"

	"github.com/jbctechsolutions/prguard/internal/domain/errors"
)

// ExecMode selects how permissive command validation is.
type ExecMode string

const (
	ModeSafe   ExecMode = "safe"
	ModeExpert ExecMode = "expert"
)

// ParseExecMode converts a string to an ExecMode. Empty means safe.
func ParseExecMode(s string) (ExecMode, error) {
	switch ExecMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSafe:
		return ModeSafe, nil
	case ModeExpert:
		return ModeExpert, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q: must be one of safe, expert", s)
	}
}

// Command is a validated command ready for execution.
type Command struct {
	Text  string
	Argv  []string
	Shell bool // Allowlisted compound form, run through sh -c
}

// Executable returns the program name.
func (c Command) Executable() string {
	if c.Shell || len(c.Argv) == 0 {
		return "sh"
	}
	return c.Argv[0]
}

// Rules is the allowlist configuration.
type Rules struct {
	SafeExecutables   []string // Allowed in every mode
	ExpertExecutables []string // Additionally allowed in expert mode
	AllowedCompounds  []string // Exact compound command texts permitted as-is
}

// DefaultRules returns the built-in allowlist.
func DefaultRules() Rules {
	return Rules{
		SafeExecutables:   []string{"git", "python", "python3", "pytest", "ruff", "mypy", "uv", "pip", "pip3"},
		ExpertExecutables: []string{"pre-commit"},
	}
}

// allows reports whether exe is permitted in mode.
func (r Rules) allows(exe string, mode ExecMode) bool {
	if slices.Contains(r.SafeExecutables, exe) {
		return true
	}
	return mode == ModeExpert && slices.Contains(r.ExpertExecutables, exe)
}

// deniedFragments are shell constructs that chain, pipe, redirect or substitute.
// "&&", "||" and "|" are covered by "&" and "|" but kept for clearer messages.
var deniedFragments = []string{"&&", "||", ";", "|", "&", "`", "$(", ">", "<", "\n", "\r"}

// forbiddenExecutables may not appear anywhere in the argument list.
var forbiddenExecutables = map[string]bool{
	"sudo": true, "su": true, "doas": true,
	"curl": true, "wget": true,
	"ssh": true, "scp": true, "sftp": true,
	"bash": true, "sh": true, "zsh": true,
	"nc": true, "ncat": true,
}

// dedicatedGitTools maps git subcommands to the tool that must be used instead.
var dedicatedGitTools = map[string]string{
	"push":  "repo.push",
	"apply": "patch.apply",
	"am":    "patch.apply",
	"clone": "repo.clone",
	"grep":  "repo.search",
}

// blockedGitSubcommands rewrite history, configuration or credentials.
var blockedGitSubcommands = map[string]bool{
	"config": true, "reset": true, "clean": true, "filter-branch": true,
	"update-ref": true, "replace": true, "credential": true, "daemon": true,
}

// safeGitSubcommands is the closed set allowed in safe mode.
var safeGitSubcommands = map[string]bool{
	"status": true, "diff": true, "checkout": true, "branch": true, "commit": true,
	"log": true, "fetch": true, "show": true, "add": true, "rev-parse": true, "remote": true,
}

// readOnlyRemoteArgs are the only git remote forms accepted.
var readOnlyRemoteArgs = map[string]bool{"-v": true, "--verbose": true, "show": true, "get-url": true}

// blockedGitGlobals change where git reads config or which repository it acts on.
var blockedGitGlobals = []string{"-c", "-C", "--git-dir", "--work-tree", "--exec-path", "--namespace", "--config-env"}

// blockedGitOptions name a program for git to run or a file for it to write.
// git accepts unambiguous abbreviations, so any prefix of these is refused.
var blockedGitOptions = []string{"--upload-pack", "--receive-pack", "--exec", "--extcmd", "--open-files-in-pager", "--output"}

// programGitShortOptions are the short spellings of blockedGitOptions per
// subcommand. They are matched inside bundled flags too.
var programGitShortOptions = map[string]rune{"ls-remote": 'u', "rebase": 'x', "difftool": 'x', "grep": 'O'}

// installerSafeBlocked redirect package resolution away from the default index.
var installerSafeBlocked = []string{"--index-url", "--extra-index-url", "-i", "--trusted-host", "--find-links", "-f"}

func reject(format string, args ...any) *errors.Error {
	return errors.Newf(errors.KindPolicyRejected, format, args...)
}

// Validate parses text and checks it against the rules for mode.
func (r Rules) Validate(text string, mode ExecMode) (Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, reject("empty command")
	}

	if slices.Contains(r.AllowedCompounds, text) {
		return Command{Text: text, Argv: []string{"sh", "-c", text}, Shell: true}, nil
	}

	for _, frag := range deniedFragments {
		if strings.Contains(text, frag) {
			if frag == "\n" || frag == "\r" {
				return Command{}, reject("shell construct newline is not allowed")
			}
			return Command{}, reject("shell construct %q is not allowed", frag)
		}
	}
	if strings.Contains(strings.ToLower(text), "rm -rf") {
		return Command{}, reject("destructive removal is not allowed")
	}

	argv, err := shlex.Split(text)
	if err != nil {
		return Command{}, reject("cannot parse command: %v", err)
	}
	if len(argv) == 0 {
		return Command{}, reject("empty command")
	}

	exe := argv[0]
	if strings.ContainsRune(exe, '/') {
		return Command{}, reject("executable must be a bare program name, got %q", exe)
	}
	for _, tok := range argv {
		if forbiddenExecutables[strings.ToLower(tok)] {
			return Command{}, reject("%q is not allowed in commands", tok)
		}
	}
	if !r.allows(exe, mode) {
		return Command{}, reject("executable %q is not allowed in %s mode", exe, mode)
	}

	switch exe {
	case "git":
		err = validateGit(argv[1:], mode)
	case "pip", "pip3", "uv":
		err = validateInstaller(argv[1:], mode)
	case "python", "python3":
		if len(argv) > 2 && argv[1] == "-m" && (argv[2] == "pip" || argv[2] == "uv") {
			err = validateInstaller(argv[3:], mode)
		}
	}
	if err != nil {
		return Command{}, err
	}

	return Command{Text: text, Argv: argv}, nil
}

func validateGit(args []string, mode ExecMode) error {
	i := 0
	for ; i < len(args) && strings.HasPrefix(args[i], "-"); i++ {
		opt := args[i]
		for _, g := range blockedGitGlobals {
			if opt == g || strings.HasPrefix(opt, g+"=") {
				return reject("git option %q is not allowed", opt)
			}
		}
		if mode == ModeSafe && opt != "--no-pager" && opt != "-P" {
			return reject("git option %q is not allowed in safe mode", opt)
		}
	}
	if i == len(args) {
		return reject("git subcommand required")
	}

	sub, rest := args[i], args[i+1:]
	if tool, ok := dedicatedGitTools[sub]; ok {
		return reject("git %s is not allowed here; use the %s tool", sub, tool)
	}
	if blockedGitSubcommands[sub] {
		return reject("git %s is not allowed", sub)
	}
	if sub == "remote" && len(rest) > 0 && !readOnlyRemoteArgs[rest[0]] {
		return reject("git remote %s is not allowed", rest[0])
	}
	for _, a := range rest {
		if name, _, _ := strings.Cut(a, "="); len(name) > 3 && strings.HasPrefix(name, "--") {
			for _, o := range blockedGitOptions {
				if strings.HasPrefix(o, name) {
					return reject("git option %q is not allowed", a)
				}
			}
		}
		if short, ok := programGitShortOptions[sub]; ok && len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsRune(a[1:], short) {
			return reject("git %s %s is not allowed", sub, a)
		}
	}

	if mode == ModeSafe {
		if !safeGitSubcommands[sub] {
			return reject("git %s is not allowed in safe mode", sub)
		}
		for _, a := range rest {
			if a == "-f" || a == "--force" || a == "-D" {
				return reject("git %s %s is not allowed in safe mode", sub, a)
			}
		}
	}
	return nil
}

func validateInstaller(args []string, mode ExecMode) error {
	for _, a := range args {
		lower := strings.ToLower(a)
		if lower == "--trusted-host" || strings.HasPrefix(lower, "--trusted-host=") {
			return reject("%q is not allowed", a)
		}
		if mode != ModeSafe {
			continue
		}
		for _, b := range installerSafeBlocked {
			if lower == b || strings.HasPrefix(lower, b+"=") {
				return reject("%q is not allowed in safe mode", a)
			}
		}
		if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") || strings.HasPrefix(lower, "git+") {
			return reject("installing from URLs is not allowed in safe mode")
		}
	}
	return nil
}
