package tools

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/application/approval"
	"github.com/jbctechsolutions/prguard/internal/application/workspace"
	domainApproval "github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
)

type repoCloneArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Repository  string `json:"repository" validate:"required,slug" desc:"Upstream repository as owner/name"`
	BaseBranch  string `json:"base_branch" desc:"Upstream branch to start from; defaults to the fork's default branch"`
}

type repoDiffArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	BaseRef     string `json:"base_ref" desc:"Ref to diff against; defaults to HEAD"`
}

type branchArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	BranchName  string `json:"branch_name" validate:"required,max=200"`
	FromRef     string `json:"from_ref" desc:"Start point for a new branch; defaults to the cloned base branch"`
}

type commitArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Message     string `json:"message" validate:"required,max=10000"`
}

type pushArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	Remote      string `json:"remote" desc:"Only origin, the fork, is accepted"`
	BranchName  string `json:"branch_name" validate:"required,max=200"`
	ApprovalID  string `json:"approval_id" validate:"required"`
}

type searchArgs struct {
	WorkspaceID string   `json:"workspace_id" validate:"required,max=64"`
	Query       string   `json:"query" validate:"required,max=1000" desc:"Literal text to look for"`
	Globs       []string `json:"globs" validate:"max=20,dive,required,max=200" desc:"File name patterns such as *.py; defaults to every file"`
}

type patchArgs struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=64"`
	UnifiedDiff string `json:"unified_diff" validate:"required"`
}

func (r *Registry) repoClone(ctx context.Context, args repoCloneArgs) (any, error) {
	repos := r.deps.Policy.Repos()
	if !repos.UpstreamAllowed(args.Repository) {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected, "repository %s is not in the allowlist", args.Repository)
	}
	if args.BaseBranch != "" {
		if err := branch.ValidateName(args.BaseBranch); err != nil {
			return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, err.Error(), err)
		}
	}
	if _, err := r.deps.Workspaces.Get(args.WorkspaceID); err != nil {
		return nil, err
	}

	fork, err := r.deps.Host.EnsureFork(ctx, args.Repository)
	if err != nil {
		return nil, hostError("ensure fork", err)
	}
	if !repos.ForkAllowed(fork.Slug) {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected,
			"fork %s is not owned by the configured user or not allowlisted", fork.Slug)
	}
	base := args.BaseBranch
	if base == "" {
		base = fork.DefaultBranch
	}

	err = r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		if ws := s.Workspace(); ws.Repository != "" {
			return domainErrors.Newf(domainErrors.KindInvalidArgument, "workspace already holds %s", ws.Repository)
		}
		steps := []struct {
			args []string
			opts workspace.GitOptions
		}{
			{[]string{"clone", "--", fork.CloneURL, "repo"}, workspace.GitOptions{Dir: ".", Credentials: true}},
			{[]string{"remote", "add", "upstream", fork.UpstreamCloneURL}, workspace.GitOptions{}},
			{[]string{"fetch", "upstream"}, workspace.GitOptions{Credentials: true}},
			{[]string{"checkout", "-B", base, "upstream/" + base}, workspace.GitOptions{}},
		}
		for _, step := range steps {
			if _, err := s.GitOK(ctx, domainErrors.KindBackendUnavailable, step.args, step.opts); err != nil {
				return err
			}
		}
		s.SetRepository(args.Repository, fork.Slug, base)
		s.Record(ctx, domainLedger.ActionRepoCloned, map[string]any{
			"upstream":     args.Repository,
			"fork":         fork.Slug,
			"fork_created": fork.Created,
			"base_branch":  base,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cloned":       true,
		"repository":   args.Repository,
		"fork":         fork.Slug,
		"fork_created": fork.Created,
		"base_branch":  base,
		"repo_path":    "repo",
	}, nil
}

func (r *Registry) repoDiff(ctx context.Context, args repoDiffArgs) (any, error) {
	base := args.BaseRef
	if base == "" {
		base = "HEAD"
	}
	if err := checkRef(base); err != nil {
		return nil, err
	}

	var out workspace.CommandResult
	err := r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		// Untracked files only appear in the diff once git knows about them.
		if _, err := s.GitOK(ctx, domainErrors.KindInvalidArgument, []string{"add", "--all", "--intent-to-add"}, workspace.GitOptions{}); err != nil {
			return err
		}
		var err error
		out, err = s.GitOK(ctx, domainErrors.KindInvalidArgument,
			[]string{"diff", "--no-color", "--no-ext-diff", "-U3", base, "--"}, workspace.GitOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	stats, err := policy.ParseDiff(out.Stdout)
	if err != nil && !out.Truncated {
		return nil, err
	}
	files := stats.Files
	if files == nil {
		files = []string{}
	}
	return map[string]any{
		"unified_diff":  out.Stdout,
		"files_changed": stats.FilesChanged(),
		"files":         files,
		"insertions":    stats.Insertions,
		"deletions":     stats.Deletions,
		"truncated":     out.Truncated,
		"base_ref":      base,
	}, nil
}

func (r *Registry) branchCreateOrReuse(ctx context.Context, args branchArgs) (any, error) {
	if err := branch.ValidateName(args.BranchName); err != nil {
		return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, err.Error(), err)
	}
	if args.FromRef != "" {
		if err := checkRef(args.FromRef); err != nil {
			return nil, err
		}
	}

	var plan branch.Plan
	err := r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		from := args.FromRef
		if from == "" {
			from = s.Workspace().BaseBranch
		}
		if from == "" {
			from = "HEAD"
		}
		list, err := s.GitOK(ctx, domainErrors.KindInvalidArgument,
			[]string{"branch", "--list", "--all", "--format=%(refname)"}, workspace.GitOptions{})
		if err != nil {
			return err
		}
		plan = r.deps.Branches.Plan(args.BranchName, from, branch.ParseRefList(list.Stdout))

		checkout := []string{"checkout", plan.FinalName}
		if plan.NeedsCheckoutNew() {
			checkout = []string{"checkout", "-b", plan.FinalName, from}
		}
		if _, err := s.GitOK(ctx, domainErrors.KindInvalidArgument, checkout, workspace.GitOptions{}); err != nil {
			return err
		}
		s.Record(ctx, domainLedger.ActionBranchResolved, plan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"created":      plan.Resolution != branch.ResolutionReused,
		"resolution":   plan.Resolution,
		"branch_name":  plan.FinalName,
		"desired_name": plan.DesiredName,
		"base_ref":     plan.BaseRef,
	}, nil
}

func (r *Registry) repoCommit(ctx context.Context, args commitArgs) (any, error) {
	message := r.deps.Policy.Redact(args.Message)
	var sha string
	err := r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		if _, err := s.GitOK(ctx, domainErrors.KindInvalidArgument, []string{"add", "--all"}, workspace.GitOptions{}); err != nil {
			return err
		}
		res, err := s.Git(ctx, []string{"commit", "--no-verify", "-m", message}, workspace.GitOptions{})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			detail := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
			return domainErrors.Newf(domainErrors.KindInvalidArgument, "git commit failed (exit %d): %s", res.ExitCode, detail)
		}
		head, err := s.GitOK(ctx, domainErrors.KindInternal, []string{"rev-parse", "HEAD"}, workspace.GitOptions{})
		if err != nil {
			return err
		}
		sha = strings.TrimSpace(head.Stdout)
		s.Record(ctx, domainLedger.ActionCommitted, map[string]any{
			"commit_sha": sha,
			"message":    message,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"commit_sha": sha}, nil
}

func (r *Registry) repoPush(ctx context.Context, args pushArgs) (any, error) {
	if args.Remote != "" && args.Remote != "origin" {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected,
			"only pushing to origin (the fork) is allowed, not %q", args.Remote)
	}
	if err := branch.ValidateName(args.BranchName); err != nil {
		return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, err.Error(), err)
	}
	ws, err := r.deps.Workspaces.Get(args.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if ws.Fork == "" {
		return nil, noRepository()
	}
	if !r.deps.Policy.Repos().ForkAllowed(ws.Fork) {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected, "fork %s is not allowed as a push target", ws.Fork)
	}

	err = r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		// Consumed only once the lock is held so a busy workspace keeps the approval.
		if err := r.deps.Gate.Authorize(ctx, args.ApprovalID, domainApproval.ActionPush, approval.Scope{
			Branch:      args.BranchName,
			WorkspaceID: args.WorkspaceID,
		}); err != nil {
			return err
		}
		refspec := "HEAD:refs/heads/" + args.BranchName
		if _, err := s.GitOK(ctx, domainErrors.KindBackendUnavailable,
			[]string{"push", "origin", refspec}, workspace.GitOptions{Credentials: true}); err != nil {
			return err
		}
		s.Record(ctx, domainLedger.ActionPushed, map[string]any{
			"fork":        ws.Fork,
			"branch":      args.BranchName,
			"approval_id": args.ApprovalID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pushed":        true,
		"remote_branch": "origin/" + args.BranchName,
		"fork":          ws.Fork,
	}, nil
}

func (r *Registry) patchApply(ctx context.Context, args patchArgs) (any, error) {
	if _, err := r.deps.Workspaces.Get(args.WorkspaceID); err != nil {
		return nil, err
	}
	stats, err := r.deps.Policy.EnforceLimits(args.UnifiedDiff)
	if err != nil {
		kind, reason := domainErrors.KindOf(err)
		r.deps.Workspaces.Record(ctx, args.WorkspaceID, domainLedger.ActionPatchRejected, map[string]any{
			"kind":          kind,
			"reason":        reason,
			"files_changed": stats.FilesChanged(),
			"diff_lines":    stats.Lines(),
		})
		return nil, err
	}

	patch := args.UnifiedDiff
	if !strings.HasSuffix(patch, "\n") {
		patch += "\n"
	}

	var res workspace.CommandResult
	err = r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		var err error
		res, err = s.Git(ctx, []string{"apply", "--whitespace=nowarn", "-"}, workspace.GitOptions{Stdin: []byte(patch)})
		if err != nil {
			return err
		}
		action := domainLedger.ActionPatchApplied
		if res.ExitCode != 0 {
			action = domainLedger.ActionPatchRejected
		}
		s.Record(ctx, action, map[string]any{
			"files":         stats.Files,
			"files_changed": stats.FilesChanged(),
			"diff_lines":    stats.Lines(),
			"exit_code":     res.ExitCode,
			"stderr":        res.Stderr,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	files := stats.Files
	if files == nil {
		files = []string{}
	}
	return map[string]any{
		"applied":        res.ExitCode == 0,
		"files_modified": files,
		"diff_lines":     stats.Lines(),
		"stderr":         res.Stderr,
	}, nil
}

// maxSearchMatches caps the matches returned by repo.search.
const maxSearchMatches = 100

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (r *Registry) repoSearch(ctx context.Context, args searchArgs) (any, error) {
	if strings.ContainsAny(args.Query, "\n\r\x00") {
		return nil, domainErrors.New(domainErrors.KindInvalidArgument, "query must be a single line")
	}
	for _, g := range args.Globs {
		if err := checkGlob(g); err != nil {
			return nil, err
		}
	}

	var res workspace.CommandResult
	err := r.deps.Workspaces.Exclusive(ctx, args.WorkspaceID, func(ctx context.Context, s *workspace.Session) error {
		if s.Workspace().Repository == "" {
			return noRepository()
		}
		argv := append([]string{"grep", "-n", "--no-color", "-I", "-F", "--untracked", "-e", args.Query, "--"}, args.Globs...)
		var err error
		res, err = s.Git(ctx, argv, workspace.GitOptions{})
		if err != nil {
			return err
		}
		// git grep exits 1 when nothing matched.
		if res.ExitCode > 1 {
			return domainErrors.Newf(domainErrors.KindInvalidArgument, "git grep failed (exit %d): %s",
				res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	matches, truncated := parseGrep(res.Stdout, maxSearchMatches)
	truncated = truncated || res.Truncated
	r.deps.Workspaces.Record(ctx, args.WorkspaceID, domainLedger.ActionRepoSearched, map[string]any{
		"query":     r.deps.Policy.Redact(args.Query),
		"globs":     args.Globs,
		"matches":   len(matches),
		"truncated": truncated,
	})
	return map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

// parseGrep reads "path:line:text" records, skipping hidden paths.
func parseGrep(out string, limit int) ([]searchMatch, bool) {
	matches := []searchMatch{}
	for _, line := range strings.Split(out, "\n") {
		path, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		num, text, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || hiddenPath(path) {
			continue
		}
		if len(matches) == limit {
			return matches, true
		}
		matches = append(matches, searchMatch{Path: path, Line: n, Text: text})
	}
	return matches, false
}

func hiddenPath(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// checkGlob keeps search patterns inside the repository and free of pathspec magic.
func checkGlob(g string) error {
	if strings.HasPrefix(g, ":") || strings.HasPrefix(g, "/") || strings.Contains(g, "..") ||
		strings.ContainsAny(g, "\n\x00") {
		return domainErrors.Newf(domainErrors.KindInvalidArgument, "invalid glob %q", g)
	}
	return nil
}

func noRepository() error {
	return domainErrors.New(domainErrors.KindInvalidArgument, "workspace has no cloned repository; call repo.clone first")
}

// checkRef rejects refs that git would parse as options.
func checkRef(ref string) error {
	if strings.HasPrefix(ref, "-") || strings.ContainsAny(ref, " \t\n\x00") {
		return domainErrors.Newf(domainErrors.KindInvalidArgument, "invalid ref %q", ref)
	}
	return nil
}

// hostError classifies a Git hosting failure.
func hostError(op string, err error) error {
	var coded *domainErrors.Error
	if stdErrors.As(err, &coded) {
		return err
	}
	return domainErrors.Wrap(domainErrors.KindBackendUnavailable, fmt.Sprintf("git host %s failed", op), err)
}
