package tools

import (
	"context"
	"strings"

	"github.com/jbctechsolutions/prguard/internal/application/approval"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainApproval "github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/branch"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
)

const prTemplatePath = ".github/pull_request_template.md"

type draftArgs struct {
	Summary      string   `json:"summary" validate:"required"`
	Changes      []string `json:"changes" validate:"required,min=1"`
	Tests        []string `json:"tests"`
	Verification []string `json:"verification" validate:"required,min=1" desc:"Commands that were run to verify the change"`
	IssueNumber  int      `json:"issue_number" validate:"gte=0"`
	IssueURL     string   `json:"issue_url" validate:"omitempty,url"`
	Notes        string   `json:"notes"`
	WorkspaceID  string   `json:"workspace_id" validate:"omitempty,max=64" desc:"Workspace whose repository template is prepended"`
}

type openArgs struct {
	Repository string `json:"repository" validate:"required,slug"`
	HeadBranch string `json:"head_branch" validate:"required,max=200"`
	BaseBranch string `json:"base_branch" desc:"Defaults to the workspace base branch, else main"`
	Title      string `json:"title" validate:"required,max=256"`
	Body       string `json:"body" validate:"required"`
	Draft      bool   `json:"draft"`
	ApprovalID string `json:"approval_id" validate:"required"`
}

type checkArg struct {
	Passed  bool   `json:"passed"`
	Command string `json:"command"`
	Summary string `json:"summary"`
}

type branchPlanArg struct {
	DesiredName string `json:"desired_name"`
	BaseRef     string `json:"base_ref"`
	Resolution  string `json:"resolution" validate:"omitempty,oneof=Created Reused Renamed"`
	FinalName   string `json:"final_name" validate:"required"`
}

type approvalArgs struct {
	Summary     string              `json:"summary" validate:"required"`
	Diff        string              `json:"diff" validate:"required" desc:"Unified diff under review"`
	Checks      map[string]checkArg `json:"checks" validate:"required"`
	BranchPlan  branchPlanArg       `json:"branch_plan" validate:"required"`
	PRTitle     string              `json:"pr_title"`
	PRBody      string              `json:"pr_body"`
	IssueURL    string              `json:"issue_url" validate:"omitempty,url"`
	Notes       string              `json:"notes"`
	Approved    *bool               `json:"approved" desc:"The client's own verdict, used by the client decider"`
	WorkspaceID string              `json:"workspace_id" validate:"omitempty,max=64"`
}

func (r *Registry) changeRequestDraft(ctx context.Context, args draftArgs) (any, error) {
	in := domainApproval.BodyInput{
		Summary:      args.Summary,
		Changes:      args.Changes,
		Tests:        args.Tests,
		Verification: args.Verification,
		IssueNumber:  args.IssueNumber,
		IssueURL:     args.IssueURL,
		Notes:        args.Notes,
	}
	if args.WorkspaceID != "" {
		// A missing template is not an error.
		tmpl, err := r.deps.Workspaces.ReadFile(ctx, args.WorkspaceID, prTemplatePath)
		switch kind, _ := domainErrors.KindOf(err); {
		case err == nil:
			in.BaseTemplate = tmpl
		case kind != domainErrors.KindInvalidArgument:
			return nil, err
		}
	}
	body := r.deps.Policy.Redact(domainApproval.GenerateBody(in))
	if err := r.deps.Gate.CheckBody(body); err != nil {
		return nil, err
	}
	return map[string]string{"body": body}, nil
}

func (r *Registry) changeRequestOpen(ctx context.Context, args openArgs) (any, error) {
	repos := r.deps.Policy.Repos()
	if !repos.UpstreamAllowed(args.Repository) {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected, "repository %s is not in the allowlist", args.Repository)
	}
	if err := branch.ValidateName(args.HeadBranch); err != nil {
		return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, err.Error(), err)
	}
	for _, text := range []string{args.Title, args.Body} {
		if err := r.deps.Gate.CheckBody(text); err != nil {
			return nil, err
		}
	}
	owner := repos.Username()
	if owner == "" {
		return nil, domainErrors.New(domainErrors.KindInvalidConfiguration, "github.username is not configured")
	}
	_, name, _ := strings.Cut(args.Repository, "/")
	if fork := owner + "/" + name; !repos.ForkAllowed(fork) {
		return nil, domainErrors.Newf(domainErrors.KindPolicyRejected, "fork %s is not allowed as a head repository", fork)
	}

	binding, err := r.deps.Gate.Binding(args.ApprovalID)
	if err != nil {
		return nil, err
	}
	base := args.BaseBranch
	if base == "" && binding.WorkspaceID != "" {
		if ws, err := r.deps.Workspaces.Get(binding.WorkspaceID); err == nil {
			base = ws.BaseBranch
		}
	}
	if base == "" {
		base = "main"
	}
	if err := branch.ValidateName(base); err != nil {
		return nil, domainErrors.Wrap(domainErrors.KindInvalidArgument, err.Error(), err)
	}

	if err := r.deps.Gate.Authorize(ctx, args.ApprovalID, domainApproval.ActionOpenPR, approval.Scope{Branch: args.HeadBranch}); err != nil {
		return nil, err
	}

	res, err := r.deps.Host.OpenChangeRequest(ctx, ports.ChangeRequest{
		Repository: args.Repository,
		HeadOwner:  owner,
		HeadBranch: args.HeadBranch,
		BaseBranch: base,
		Title:      r.deps.Policy.Redact(args.Title),
		Body:       r.deps.Policy.Redact(args.Body),
		Draft:      args.Draft,
	})
	if err != nil {
		return nil, hostError("open change request", err)
	}
	r.deps.Workspaces.Record(ctx, binding.WorkspaceID, domainLedger.ActionChangeRequest, map[string]any{
		"repository":  args.Repository,
		"head":        owner + ":" + args.HeadBranch,
		"base":        base,
		"url":         res.URL,
		"number":      res.Number,
		"approval_id": args.ApprovalID,
		"draft":       args.Draft,
	})
	return map[string]any{
		"change_request_url": res.URL,
		"number":             res.Number,
	}, nil
}

func (r *Registry) approvalRequest(ctx context.Context, args approvalArgs) (any, error) {
	if args.WorkspaceID != "" {
		if _, err := r.deps.Workspaces.Get(args.WorkspaceID); err != nil {
			return nil, err
		}
	}
	checks := make(map[string]domainApproval.CheckResult, len(args.Checks))
	for name, c := range args.Checks {
		checks[name] = domainApproval.CheckResult{Passed: c.Passed, Command: c.Command, Summary: c.Summary}
	}
	resolution := branch.Resolution(args.BranchPlan.Resolution)
	if resolution == "" {
		resolution = branch.ResolutionCreated
	}
	return r.deps.Gate.Request(ctx, domainApproval.Evidence{
		WorkspaceID: args.WorkspaceID,
		Summary:     args.Summary,
		UnifiedDiff: args.Diff,
		Checks:      checks,
		BranchPlan: branch.Plan{
			DesiredName: args.BranchPlan.DesiredName,
			BaseRef:     args.BranchPlan.BaseRef,
			Resolution:  resolution,
			FinalName:   args.BranchPlan.FinalName,
		},
		PRTitle:        args.PRTitle,
		PRBody:         args.PRBody,
		IssueURL:       args.IssueURL,
		Notes:          args.Notes,
		ClientApproval: args.Approved,
	})
}
