package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	domainWorkspace "github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
)

// CommandRequest is a client command to run in a workspace.
type CommandRequest struct {
	Command string
	Cwd     string
	Timeout time.Duration // Zero selects the configured default
	Mode    policy.ExecMode
}

// CommandResult is the redacted outcome of a command. It is immutable once
// returned.
type CommandResult struct {
	RunID     string        `json:"run_id"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"-"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated,omitempty"`
}

// GitOptions tunes an internal git invocation.
type GitOptions struct {
	Dir         string        // Relative to the environment root; defaults to the repository
	Timeout     time.Duration // Zero selects the configured default
	Credentials bool          // Expose the hosting token through askpass
	Stdin       []byte
}

// Session gives exclusive access to one workspace for a sequence of operations.
type Session struct {
	r  *Registry
	e  *entry
	id string
}

// ID returns the workspace id.
func (s *Session) ID() string { return s.id }

// Exclusive runs fn while holding the workspace execution lock. The wait for
// the lock is bounded by the lock wait timeout. The workspace is re-checked
// after the lock is acquired.
func (r *Registry) Exclusive(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	r.mu.Lock()
	e, err := r.lookupLocked(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := r.acquire(ctx, e); err != nil {
		return err
	}
	defer e.lock.Release(1)

	r.mu.Lock()
	current, err := r.lookupLocked(id)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if current != e {
		return domainErrors.Newf(domainErrors.KindWorkspaceNotFound, "workspace %s not found", id)
	}

	return fn(logging.WithWorkspaceID(ctx, id), &Session{r: r, e: e, id: id})
}

func (r *Registry) acquire(ctx context.Context, e *entry) error {
	wait := r.cfg.LockWaitTimeout
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := e.lock.Acquire(lctx, 1); err != nil {
		return &domainErrors.Error{
			Kind:    domainErrors.KindCommandTimeout,
			Reason:  domainErrors.ReasonLockWait,
			Message: fmt.Sprintf("workspace is busy; lock not acquired within %s", wait),
			Cause:   err,
		}
	}
	return nil
}

// Execute validates and runs a client command.
func (r *Registry) Execute(ctx context.Context, id string, req CommandRequest) (CommandResult, error) {
	ctx = logging.WithWorkspaceID(ctx, id)

	r.mu.Lock()
	_, err := r.lookupLocked(id)
	r.mu.Unlock()
	if err != nil {
		return CommandResult{}, err
	}

	cmd, cwd, timeout, err := r.admit(req)
	if err != nil {
		kind, _ := domainErrors.KindOf(err)
		msg := r.policy.Redact(err.Error())
		r.metrics.ObserveRejection(string(kind))
		logging.LogCommandRejected(ctx, r.logger, msg)
		r.record(ctx, id, domainLedger.ActionCommandRejected, map[string]any{
			"command": req.Command,
			"mode":    req.Mode,
			"kind":    kind,
			"reason":  msg,
		})
		return CommandResult{}, err
	}

	argv := cmd.Argv
	if cmd.Shell {
		argv = []string{"sh", "-c", cmd.Text}
	}

	var res CommandResult
	err = r.Exclusive(ctx, id, func(ctx context.Context, s *Session) error {
		var runErr error
		res, runErr = s.run(ctx, argv, cwd, timeout, false, nil)
		if runErr != nil {
			return runErr
		}
		s.r.record(ctx, id, domainLedger.ActionCommandExecuted, map[string]any{
			"run_id":      res.RunID,
			"command":     req.Command,
			"argv":        argv,
			"cwd":         cwd,
			"mode":        req.Mode,
			"exit_code":   res.ExitCode,
			"stdout":      res.Stdout,
			"stderr":      res.Stderr,
			"duration_ms": res.Duration.Milliseconds(),
			"timed_out":   res.TimedOut,
			"truncated":   res.Truncated,
		})
		return nil
	})
	return res, err
}

// admit applies every check that must pass before a command may run.
func (r *Registry) admit(req CommandRequest) (policy.Command, string, time.Duration, error) {
	mode := req.Mode
	if mode == "" {
		mode = policy.ModeSafe
	}
	cmd, err := r.policy.Validate(req.Command, mode)
	if err != nil {
		return policy.Command{}, "", 0, err
	}
	cwd, err := policy.NormalizeWorkdir(req.Cwd)
	if err != nil {
		return policy.Command{}, "", 0, err
	}
	timeout, err := r.commandTimeout(req.Timeout)
	if err != nil {
		return policy.Command{}, "", 0, err
	}
	return cmd, cwd, timeout, nil
}

func (r *Registry) commandTimeout(t time.Duration) (time.Duration, error) {
	limits := r.CommandLimits()
	if t == 0 {
		return limits.CommandTimeout, nil
	}
	if t < time.Second || t > limits.MaxCommandTimeout {
		return 0, domainErrors.Newf(domainErrors.KindInvalidArgument,
			"timeout must be between 1s and %s", limits.MaxCommandTimeout)
	}
	return t, nil
}

// RunGit runs git outside the command allowlist. It is reserved for the
// dedicated repository tools.
func (r *Registry) RunGit(ctx context.Context, id string, args []string, opts GitOptions) (CommandResult, error) {
	var res CommandResult
	err := r.Exclusive(ctx, id, func(ctx context.Context, s *Session) error {
		var err error
		res, err = s.Git(ctx, args, opts)
		return err
	})
	return res, err
}

// Git runs git inside the session and records it. A supervisor timeout is
// returned as CommandTimeout{Execution}; a non-zero exit is not an error.
func (s *Session) Git(ctx context.Context, args []string, opts GitOptions) (CommandResult, error) {
	dir := opts.Dir
	if dir == "" {
		dir = s.e.ws.RepoPath
	}
	timeout, err := s.r.commandTimeout(opts.Timeout)
	if err != nil {
		return CommandResult{}, err
	}
	argv := append([]string{"git"}, args...)
	res, err := s.run(ctx, argv, dir, timeout, opts.Credentials, opts.Stdin)
	if err != nil {
		return CommandResult{}, err
	}
	s.r.record(ctx, s.id, domainLedger.ActionGitExecuted, map[string]any{
		"run_id":      res.RunID,
		"argv":        argv,
		"cwd":         dir,
		"exit_code":   res.ExitCode,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"duration_ms": res.Duration.Milliseconds(),
		"timed_out":   res.TimedOut,
	})
	if res.TimedOut {
		return res, domainErrors.NewReason(domainErrors.KindCommandTimeout, domainErrors.ReasonExecution,
			fmt.Sprintf("git %s timed out after %s", firstArg(args), timeout))
	}
	return res, nil
}

// GitOK runs git and converts a non-zero exit into an error of kind.
func (s *Session) GitOK(ctx context.Context, kind domainErrors.Kind, args []string, opts GitOptions) (CommandResult, error) {
	res, err := s.Git(ctx, args, opts)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, domainErrors.Newf(kind, "git %s failed (exit %d): %s",
			firstArg(args), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// run executes argv in the environment and redacts the result.
func (s *Session) run(ctx context.Context, argv []string, dir string, timeout time.Duration, creds bool, stdin []byte) (CommandResult, error) {
	r := s.r
	runID := uuid.New().String()
	ctx = logging.WithRunID(ctx, runID)
	ctx, span := r.tracer.StartCommandSpan(ctx, s.id, argv[0])

	limits := r.CommandLimits()
	limit := limits.MaxOutputBytes
	raw, err := s.e.env.Exec(ctx, ports.ExecRequest{
		Argv:        argv,
		Dir:         dir,
		Timeout:     timeout,
		KillGrace:   limits.KillGrace,
		MaxOutput:   2 * limit,
		Stdin:       stdin,
		Credentials: creds,
	})
	if err != nil {
		msg := r.policy.Redact(err.Error())
		span.EndWithError(errors.New(msg))
		return CommandResult{}, domainErrors.Wrap(domainErrors.KindBackendUnavailable,
			"workspace environment failed", errors.New(msg))
	}

	stdout, cutOut := r.policy.Clip(raw.Stdout, limit, raw.Truncated)
	stderr, cutErr := r.policy.Clip(raw.Stderr, limit, raw.Truncated)
	res := CommandResult{
		RunID:     runID,
		ExitCode:  raw.ExitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Duration:  raw.Duration,
		TimedOut:  raw.TimedOut,
		Truncated: cutOut || cutErr,
	}

	span.SetCommandResult(res.ExitCode, res.TimedOut)
	span.End()
	r.metrics.ObserveCommand(res.ExitCode, res.TimedOut, res.Duration)
	logging.LogCommandExecuted(ctx, r.logger, argv[0], res.ExitCode, res.Duration, res.TimedOut)
	return res, nil
}

// ReadFile returns a redacted repository file.
func (r *Registry) ReadFile(ctx context.Context, id, path string) (string, error) {
	var content string
	err := r.Exclusive(ctx, id, func(ctx context.Context, s *Session) error {
		var err error
		content, err = s.ReadFile(ctx, path)
		return err
	})
	return content, err
}

// ReadFile returns a redacted repository file.
func (s *Session) ReadFile(ctx context.Context, path string) (string, error) {
	rel, err := policy.RepoFilePath(path)
	if err != nil {
		return "", err
	}
	data, err := s.e.env.ReadFile(ctx, rel)
	if err != nil {
		return "", domainErrors.Wrap(domainErrors.KindInvalidArgument,
			fmt.Sprintf("cannot read %s", rel), errors.New(s.r.policy.Redact(err.Error())))
	}
	content := s.r.policy.Redact(string(data))
	s.r.record(ctx, s.id, domainLedger.ActionFileRead, map[string]any{
		"path":  rel,
		"bytes": len(data),
	})
	return content, nil
}

// WriteFile writes a repository file.
func (r *Registry) WriteFile(ctx context.Context, id, path, content string) error {
	return r.Exclusive(ctx, id, func(ctx context.Context, s *Session) error {
		return s.WriteFile(ctx, path, content)
	})
}

// WriteFile writes a repository file.
func (s *Session) WriteFile(ctx context.Context, path, content string) error {
	rel, err := policy.RepoFilePath(path)
	if err != nil {
		return err
	}
	if err := s.e.env.WriteFile(ctx, rel, []byte(content)); err != nil {
		return domainErrors.Wrap(domainErrors.KindInvalidArgument,
			fmt.Sprintf("cannot write %s", rel), errors.New(s.r.policy.Redact(err.Error())))
	}
	sum := sha256.Sum256([]byte(content))
	s.r.record(ctx, s.id, domainLedger.ActionFileWritten, map[string]any{
		"path":   rel,
		"bytes":  len(content),
		"sha256": hex.EncodeToString(sum[:]),
	})
	return nil
}

// Record appends a ledger record scoped to the session's workspace.
func (s *Session) Record(ctx context.Context, action string, payload any) {
	s.r.record(ctx, s.id, action, payload)
}

// Record appends a ledger record scoped to workspace id.
func (r *Registry) Record(ctx context.Context, id, action string, payload any) {
	r.record(ctx, id, action, payload)
}

// Workspace returns the session's workspace snapshot.
func (s *Session) Workspace() domainWorkspace.Workspace {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.e.ws
}

// SetRepository records the repository bound to the session's workspace.
func (s *Session) SetRepository(upstream, fork, base string) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.e.ws.Repository = upstream
	s.e.ws.Fork = fork
	s.e.ws.BaseBranch = base
}
