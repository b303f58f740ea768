package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jbctechsolutions/prguard/internal/application/workspace"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	"github.com/jbctechsolutions/prguard/internal/domain/qa"
)

// manifestPaths are the root files detection and installation look at.
var manifestPaths = []string{
	"pyproject.toml", "setup.py", "setup.cfg", "Pipfile", "uv.lock", "requirements*.txt", qa.PrecommitConfig,
}

type qaArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Command     string `json:"command" validate:"max=4096" desc:"Replaces the default command; the command policy still applies"`
	Timeout     int    `json:"timeout" validate:"gte=0,lte=86400" desc:"Timeout in seconds; 0 selects the configured default"`
}

type qaRunArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Timeout     int    `json:"timeout" validate:"gte=0,lte=86400" desc:"Timeout in seconds; 0 selects the configured default"`
}

type reportArgs struct {
	Before []string `json:"before" desc:"Failing tests before the change"`
	After  []string `json:"after" desc:"Failing tests after the change"`
}

func (r *Registry) projectDetect(ctx context.Context, args workspaceRef) (any, error) {
	files, err := r.rootFiles(ctx, args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return qa.Detect(files)
}

func (r *Registry) depsInstall(ctx context.Context, args qaRunArgs) (any, error) {
	files, err := r.rootFiles(ctx, args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	command := qa.InstallCommand(files)
	if command == "" {
		return map[string]any{"success": true, "skipped": true, "logs": "No dependency manifest found; skipped."}, nil
	}
	res, err := r.runCheck(ctx, args.WorkspaceID, command, args.Timeout, policy.ModeSafe)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":   passed(res),
		"skipped":   false,
		"command":   command,
		"exit_code": res.ExitCode,
		"logs":      logs(res),
	}, nil
}

func (r *Registry) qaTest(ctx context.Context, args qaArgs) (any, error) {
	command := orDefault(args.Command, qa.DefaultTestCommand)
	res, err := r.runCheck(ctx, args.WorkspaceID, command, args.Timeout, policy.ModeSafe)
	if err != nil {
		return nil, err
	}
	out := logs(res)
	failing := []string{}
	if !passed(res) {
		failing = qa.ParseFailingTests(out)
	}
	summary := "all tests passed"
	if !passed(res) {
		summary = fmt.Sprintf("%d failing tests, exit %d", len(failing), res.ExitCode)
	}
	return map[string]any{
		"passed":        passed(res),
		"exit_code":     res.ExitCode,
		"timed_out":     res.TimedOut,
		"failing_tests": failing,
		"logs":          out,
		"check":         checkArg{Passed: passed(res), Command: command, Summary: summary},
	}, nil
}

func (r *Registry) qaLint(ctx context.Context, args qaArgs) (any, error) {
	return r.qaCheck(ctx, args, qa.DefaultLintCommand)
}

func (r *Registry) qaTypecheck(ctx context.Context, args qaArgs) (any, error) {
	return r.qaCheck(ctx, args, qa.DefaultTypecheckCommand)
}

func (r *Registry) qaCheck(ctx context.Context, args qaArgs, fallback string) (any, error) {
	command := orDefault(args.Command, fallback)
	res, err := r.runCheck(ctx, args.WorkspaceID, command, args.Timeout, policy.ModeSafe)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"passed":    passed(res),
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
		"logs":      logs(res),
		"check":     checkArg{Passed: passed(res), Command: command, Summary: fmt.Sprintf("exit %d", res.ExitCode)},
	}, nil
}

func (r *Registry) qaFormat(ctx context.Context, args qaArgs) (any, error) {
	command := orDefault(args.Command, qa.DefaultFormatCommand)
	res, err := r.runCheck(ctx, args.WorkspaceID, command, args.Timeout, policy.ModeSafe)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ran":       true,
		"exit_code": res.ExitCode,
		"logs":      logs(res),
	}, nil
}

func (r *Registry) qaPrecommit(ctx context.Context, args qaRunArgs) (any, error) {
	files, err := r.rootFiles(ctx, args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !qa.HasPrecommit(files) {
		return map[string]any{"ran": false, "passed": true, "logs": "No pre-commit config; skipped."}, nil
	}
	res, err := r.runCheck(ctx, args.WorkspaceID, qa.PrecommitCommand, args.Timeout, policy.ModeExpert)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ran":       true,
		"passed":    passed(res),
		"exit_code": res.ExitCode,
		"logs":      logs(res),
		"check":     checkArg{Passed: passed(res), Command: qa.PrecommitCommand, Summary: fmt.Sprintf("exit %d", res.ExitCode)},
	}, nil
}

func (r *Registry) qaReport(_ context.Context, args reportArgs) (any, error) {
	return map[string]string{"report": r.deps.Policy.Redact(qa.Report(args.Before, args.After))}, nil
}

// rootFiles lists the manifest files present at the repository root,
// tracked or not.
func (r *Registry) rootFiles(ctx context.Context, id string) ([]string, error) {
	ws, err := r.deps.Workspaces.Get(id)
	if err != nil {
		return nil, err
	}
	if ws.Repository == "" {
		return nil, noRepository()
	}
	argv := append([]string{"ls-files", "--cached", "--others", "--exclude-standard", "--"}, manifestPaths...)
	res, err := r.deps.Workspaces.RunGit(ctx, id, argv, workspace.GitOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, domainErrors.Newf(domainErrors.KindInvalidArgument, "git ls-files failed (exit %d): %s",
			res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.Split(res.Stdout, "\n"), nil
}

func (r *Registry) runCheck(ctx context.Context, id, command string, timeout int, mode policy.ExecMode) (workspace.CommandResult, error) {
	return r.deps.Workspaces.Execute(ctx, id, workspace.CommandRequest{
		Command: command,
		Timeout: time.Duration(timeout) * time.Second,
		Mode:    mode,
	})
}

func passed(res workspace.CommandResult) bool {
	return res.ExitCode == 0 && !res.TimedOut
}

func logs(res workspace.CommandResult) string {
	return res.Stdout + res.Stderr
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
