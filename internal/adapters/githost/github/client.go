// Package github implements the Git hosting port against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/errors"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/tracing"
)

const (
	DefaultAPIURL           = "https://api.github.com"
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultForkPollInterval = 2 * time.Second
	DefaultForkPollTimeout  = 60 * time.Second

	apiVersion   = "2022-11-28"
	maxErrorBody = 64 << 10

	pullsPerPage  = 100
	maxPullsPages = 10
)

// Config configures the client.
type Config struct {
	APIURL     string
	Token      string
	Username   string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the GitHub REST API.
type Client struct {
	httpClient *http.Client
	config     Config
	tracer     *tracing.Tracer

	retryInterval    time.Duration
	forkPollInterval time.Duration
	forkPollTimeout  time.Duration
}

var _ ports.ChangeRequestHostPort = (*Client)(nil)

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTracer traces every API request.
func WithTracer(t *tracing.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithRetryInterval sets the initial delay between retries.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// WithForkPolling sets how often and how long a new fork is polled for.
func WithForkPolling(interval, timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.forkPollInterval = interval
		c.forkPollTimeout = timeout
	}
}

// NewClient creates a GitHub client.
func NewClient(config Config, opts ...ClientOption) *Client {
	if config.APIURL == "" {
		config.APIURL = DefaultAPIURL
	}
	config.APIURL = strings.TrimSuffix(config.APIURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	c := &Client{
		httpClient:       &http.Client{Timeout: config.Timeout},
		config:           config,
		tracer:           tracing.Noop(),
		retryInterval:    500 * time.Millisecond,
		forkPollInterval: DefaultForkPollInterval,
		forkPollTimeout:  DefaultForkPollTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureFork returns the configured user's fork of upstream, creating it when
// it does not exist. Forks are created asynchronously by GitHub, so a new fork
// is polled until it becomes readable.
func (c *Client) EnsureFork(ctx context.Context, upstream string) (fork ports.Fork, err error) {
	ctx, span := c.tracer.StartHostSpan(ctx, "ensure_fork", upstream)
	defer func() { span.EndWithError(err) }()

	if c.config.Username == "" {
		return ports.Fork{}, errors.New(errors.KindInvalidConfiguration, "github username is not configured")
	}
	owner, name, ok := strings.Cut(upstream, "/")
	if !ok || owner == "" || name == "" {
		return ports.Fork{}, errors.Newf(errors.KindInvalidArgument, "invalid repository %q", upstream)
	}

	var up repository
	if _, err := c.do(ctx, http.MethodGet, repoPath(owner, name), nil, &up); err != nil {
		return ports.Fork{}, err
	}

	forkSlug := c.config.Username + "/" + name
	if strings.EqualFold(up.Owner.Login, c.config.Username) {
		return ports.Fork{}, errors.Newf(errors.KindInvalidArgument, "%s is owned by %s; nothing to fork", upstream, c.config.Username)
	}

	existing, found, err := c.lookupFork(ctx, name)
	if err != nil {
		return ports.Fork{}, err
	}
	created := false
	if found {
		if !existing.Fork || existing.Parent == nil || !strings.EqualFold(existing.Parent.FullName, up.FullName) {
			return ports.Fork{}, errors.Newf(errors.KindInvalidConfiguration,
				"%s exists but is not a fork of %s", forkSlug, upstream)
		}
	} else {
		var accepted repository
		if _, err := c.do(ctx, http.MethodPost, repoPath(owner, name)+"/forks", forkRequest{DefaultBranchOnly: true}, &accepted); err != nil {
			return ports.Fork{}, err
		}
		if accepted.FullName != "" && !strings.EqualFold(accepted.FullName, forkSlug) {
			forkSlug = accepted.FullName
			_, name, _ = strings.Cut(forkSlug, "/")
		}
		existing, err = c.waitForFork(ctx, name)
		if err != nil {
			return ports.Fork{}, err
		}
		created = true
		tracing.AddEvent(ctx, "fork.created")
	}

	return ports.Fork{
		Slug:             existing.FullName,
		CloneURL:         existing.CloneURL,
		UpstreamSlug:     up.FullName,
		UpstreamCloneURL: up.CloneURL,
		DefaultBranch:    up.DefaultBranch,
		Created:          created,
	}, nil
}

func (c *Client) lookupFork(ctx context.Context, name string) (repository, bool, error) {
	var r repository
	status, err := c.do(ctx, http.MethodGet, repoPath(c.config.Username, name), nil, &r)
	if status == http.StatusNotFound {
		return repository{}, false, nil
	}
	if err != nil {
		return repository{}, false, err
	}
	return r, true, nil
}

func (c *Client) waitForFork(ctx context.Context, name string) (repository, error) {
	ctx, cancel := context.WithTimeout(ctx, c.forkPollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.forkPollInterval)
	defer ticker.Stop()
	for {
		r, found, err := c.lookupFork(ctx, name)
		if err != nil {
			return repository{}, err
		}
		if found && r.CloneURL != "" {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return repository{}, errors.Wrap(errors.KindBackendUnavailable,
				fmt.Sprintf("fork %s/%s did not become available", c.config.Username, name), ctx.Err())
		case <-ticker.C:
		}
	}
}

// OpenChangeRequest opens a pull request from HeadOwner:HeadBranch against
// BaseBranch of the upstream repository.
func (c *Client) OpenChangeRequest(ctx context.Context, req ports.ChangeRequest) (res ports.ChangeRequestResult, err error) {
	ctx, span := c.tracer.StartHostSpan(ctx, "open_change_request", req.Repository)
	defer func() { span.EndWithError(err) }()

	owner, name, ok := strings.Cut(req.Repository, "/")
	if !ok || owner == "" || name == "" {
		return ports.ChangeRequestResult{}, errors.Newf(errors.KindInvalidArgument, "invalid repository %q", req.Repository)
	}
	head := req.HeadBranch
	if req.HeadOwner != "" {
		head = req.HeadOwner + ":" + req.HeadBranch
	}

	var pr pullResponse
	_, err = c.do(ctx, http.MethodPost, repoPath(owner, name)+"/pulls", pullRequest{
		Title: req.Title,
		Body:  req.Body,
		Head:  head,
		Base:  req.BaseBranch,
		Draft: req.Draft,
	}, &pr)
	if err != nil {
		return ports.ChangeRequestResult{}, err
	}
	return ports.ChangeRequestResult{URL: pr.HTMLURL, Number: pr.Number}, nil
}

// GetIssue fetches an issue. A missing issue is not an error.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (is ports.Issue, err error) {
	ctx, span := c.tracer.StartHostSpan(ctx, "get_issue", repo)
	defer func() { span.EndWithError(err) }()

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return ports.Issue{}, errors.Newf(errors.KindInvalidArgument, "invalid repository %q", repo)
	}
	var got issue
	status, err := c.do(ctx, http.MethodGet, repoPath(owner, name)+"/issues/"+strconv.Itoa(number), nil, &got)
	if status == http.StatusNotFound {
		return ports.Issue{Number: number}, nil
	}
	if err != nil {
		return ports.Issue{}, err
	}
	return ports.Issue{Number: number, Title: got.Title, Body: got.Body, URL: got.HTMLURL, Found: true}, nil
}

// FindChangeRequestsForIssue pages through the pull requests of repo, in any
// state, and keeps those that mention #number or the issue URL.
func (c *Client) FindChangeRequestsForIssue(ctx context.Context, repo string, number int) (out []ports.ChangeRequestInfo, err error) {
	ctx, span := c.tracer.StartHostSpan(ctx, "find_change_requests", repo)
	defer func() { span.EndWithError(err) }()

	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, errors.Newf(errors.KindInvalidArgument, "invalid repository %q", repo)
	}
	mentions := issueMention(repo, number)

	out = []ports.ChangeRequestInfo{}
	for page := 1; page <= maxPullsPages; page++ {
		var pulls []pullSummary
		path := fmt.Sprintf("%s/pulls?state=all&per_page=%d&page=%d", repoPath(owner, name), pullsPerPage, page)
		if _, err := c.do(ctx, http.MethodGet, path, nil, &pulls); err != nil {
			return nil, err
		}
		for _, pr := range pulls {
			if !mentions.MatchString(pr.Title + "\n" + pr.Body) {
				continue
			}
			info := ports.ChangeRequestInfo{
				Number:     pr.Number,
				URL:        pr.HTMLURL,
				HeadBranch: pr.Head.Ref,
				Author:     pr.User.Login,
				State:      pr.State,
			}
			if pr.Head.Repo != nil {
				info.HeadRepo = pr.Head.Repo.FullName
			}
			out = append(out, info)
		}
		if len(pulls) < pullsPerPage {
			break
		}
	}
	return out, nil
}

// issueMention matches "#N" or the issue's URL, case-insensitively. A longer
// number such as #420 does not match #42.
func issueMention(repo string, number int) *regexp.Regexp {
	n := strconv.Itoa(number)
	link := regexp.QuoteMeta("https://github.com/" + repo + "/issues/" + n)
	return regexp.MustCompile(`(?i)(#` + n + `|` + link + `)(\D|$)`)
}

// do sends one API request with retries on transport failures, 429 and 5xx.
// The returned status is that of the final response, or 0 when none arrived.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, errors.Wrap(errors.KindInternal, "failed to marshal request", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 30 * time.Second

	status := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, errors.Wrap(errors.KindBackendUnavailable, "github request failed", err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 || isRateLimited(resp) {
			herr := handleErrorResponse(resp)
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, herr
		}
		if resp.StatusCode >= 300 {
			return struct{}{}, backoff.Permanent(handleErrorResponse(resp))
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(errors.Wrap(errors.KindBackendUnavailable, "failed to decode github response", err))
			}
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.config.MaxRetries)+1),
	)
	if err != nil {
		if _, coded := asCoded(err); !coded {
			err = errors.Wrap(errors.KindBackendUnavailable, "github request failed", err)
		}
		return status, err
	}
	return status, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.APIURL+path, r)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidConfiguration, "failed to create github request", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "prguard")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// handleErrorResponse maps a failed response to a coded error. The token is
// never part of the message.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		msg = body.summary()
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	msg = fmt.Sprintf("github: HTTP %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.New(errors.KindInvalidConfiguration, msg)
	case resp.StatusCode == http.StatusForbidden && !isRateLimited(resp):
		return errors.New(errors.KindPolicyRejected, msg)
	case resp.StatusCode == http.StatusNotFound:
		return errors.New(errors.KindInvalidArgument, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return errors.New(errors.KindInvalidArgument, msg)
	default:
		return errors.New(errors.KindBackendUnavailable, msg)
	}
}

// isRateLimited reports GitHub's primary rate limit, which is a 403.
func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func asCoded(err error) (*errors.Error, bool) {
	var e *errors.Error
	ok := errors.As(err, &e)
	return e, ok
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}
