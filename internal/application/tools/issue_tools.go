package tools

import (
	"context"

	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
)

type issueArgs struct {
	Repository  string `json:"repository" validate:"required,slug" desc:"Upstream repository as owner/name"`
	IssueNumber int    `json:"issue_number" validate:"required,gte=1"`
}

type linkedChangeRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	HeadBranch  string `json:"head_branch"`
	HeadRepo    string `json:"head_repo"`
	AuthorLogin string `json:"author_login"`
	State       string `json:"state"`
}

func (r *Registry) issueGet(ctx context.Context, args issueArgs) (any, error) {
	if err := r.checkUpstream(args.Repository); err != nil {
		return nil, err
	}
	is, err := r.deps.Host.GetIssue(ctx, args.Repository, args.IssueNumber)
	if err != nil {
		return nil, hostError("get issue", err)
	}
	if !is.Found {
		return map[string]any{"missing": true, "number": args.IssueNumber}, nil
	}
	return map[string]any{
		"missing": false,
		"number":  is.Number,
		"title":   r.deps.Policy.Redact(is.Title),
		"body":    r.deps.Policy.Redact(is.Body),
		"url":     is.URL,
	}, nil
}

func (r *Registry) changeRequestsForIssue(ctx context.Context, args issueArgs) (any, error) {
	if err := r.checkUpstream(args.Repository); err != nil {
		return nil, err
	}
	found, err := r.deps.Host.FindChangeRequestsForIssue(ctx, args.Repository, args.IssueNumber)
	if err != nil {
		return nil, hostError("find change requests", err)
	}
	out := make([]linkedChangeRequest, 0, len(found))
	for _, cr := range found {
		out = append(out, linkedChangeRequest{
			Number:      cr.Number,
			URL:         cr.URL,
			HeadBranch:  cr.HeadBranch,
			HeadRepo:    cr.HeadRepo,
			AuthorLogin: cr.Author,
			State:       cr.State,
		})
	}
	return map[string]any{"change_requests": out}, nil
}

func (r *Registry) checkUpstream(repo string) error {
	if !r.deps.Policy.Repos().UpstreamAllowed(repo) {
		return domainErrors.Newf(domainErrors.KindPolicyRejected, "repository %s is not in the allowlist", repo)
	}
	return nil
}
