package ports

import "context"

// Fork describes the authenticated user's fork of an upstream repository.
type Fork struct {
	Slug             string // owner/name of the fork
	CloneURL         string
	UpstreamSlug     string
	UpstreamCloneURL string
	DefaultBranch    string // Upstream default branch
	Created          bool   // True when the fork was created by this call
}

// ChangeRequest is a pull request to open against an upstream repository.
type ChangeRequest struct {
	Repository string // Upstream owner/name
	HeadOwner  string
	HeadBranch string
	BaseBranch string
	Title      string
	Body       string
	Draft      bool
}

// ChangeRequestResult identifies an opened change request.
type ChangeRequestResult struct {
	URL    string
	Number int
}

// Issue is an upstream issue. Found is false when the issue does not exist.
type Issue struct {
	Number int
	Title  string
	Body   string
	URL    string
	Found  bool
}

// ChangeRequestInfo describes an existing change request.
type ChangeRequestInfo struct {
	Number     int
	URL        string
	HeadBranch string
	HeadRepo   string // Empty when the head repository was deleted
	Author     string
	State      string
}

// ChangeRequestHostPort is the Git hosting service.
type ChangeRequestHostPort interface {
	// EnsureFork returns the user's fork of upstream, creating it if needed.
	EnsureFork(ctx context.Context, upstream string) (Fork, error)

	// OpenChangeRequest opens a pull request from HeadOwner:HeadBranch.
	OpenChangeRequest(ctx context.Context, req ChangeRequest) (ChangeRequestResult, error)

	// GetIssue fetches an issue of repo.
	GetIssue(ctx context.Context, repo string, number int) (Issue, error)

	// FindChangeRequestsForIssue lists change requests of repo whose title or
	// body references the issue.
	FindChangeRequestsForIssue(ctx context.Context, repo string, number int) ([]ChangeRequestInfo, error)
}
