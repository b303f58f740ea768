package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	"github.com/jbctechsolutions/prguard/internal/domain/approval"
	"github.com/jbctechsolutions/prguard/internal/domain/workspace"
)

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ExecHandler scripts FakeEnvironment.Exec.
type ExecHandler func(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error)

// FakeEnvironment records executions and serves files from memory.
type FakeEnvironment struct {
	ID      string
	Handler ExecHandler

	mu    sync.Mutex
	calls []ports.ExecRequest
	files map[string][]byte

	active    atomic.Int32
	maxActive atomic.Int32
}

// NewFakeEnvironment creates an environment whose commands echo their argv.
func NewFakeEnvironment(id string) *FakeEnvironment {
	return &FakeEnvironment{ID: id, files: make(map[string][]byte)}
}

// Exec runs the handler while tracking concurrency.
func (e *FakeEnvironment) Exec(ctx context.Context, req ports.ExecRequest) (ports.ExecResult, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, req)
	h := e.Handler
	e.mu.Unlock()

	if h == nil {
		return ports.ExecResult{Stdout: strings.Join(req.Argv, " ") + "\n"}, nil
	}
	return h(ctx, req)
}

// ReadFile returns a stored file.
func (e *FakeEnvironment) ReadFile(_ context.Context, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// WriteFile stores a file.
func (e *FakeEnvironment) WriteFile(_ context.Context, path string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = append([]byte(nil), data...)
	return nil
}

// SetHandler replaces the exec handler.
func (e *FakeEnvironment) SetHandler(h ExecHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Handler = h
}

// Calls returns the recorded exec requests.
func (e *FakeEnvironment) Calls() []ports.ExecRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.ExecRequest(nil), e.calls...)
}

// MaxConcurrent returns the highest number of overlapping Exec calls seen.
func (e *FakeEnvironment) MaxConcurrent() int {
	return int(e.maxActive.Load())
}

// FakeProvisioner hands out FakeEnvironments.
type FakeProvisioner struct {
	// Handler is installed on every new environment.
	Handler ExecHandler
	// OnProvision runs after an environment is created and before it is
	// returned.
	OnProvision func(id string)

	mu           sync.Mutex
	envs         map[string]*FakeEnvironment
	provisionErr error
	teardownErr  error
	teardowns    map[string]int
}

// NewFakeProvisioner creates a provisioner that always succeeds.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		envs:      make(map[string]*FakeEnvironment),
		teardowns: make(map[string]int),
	}
}

// Provision creates an environment unless a provisioning error is set.
func (p *FakeProvisioner) Provision(_ context.Context, id string, _ workspace.Mode) (ports.EnvironmentPort, error) {
	p.mu.Lock()
	if p.provisionErr != nil {
		p.mu.Unlock()
		return nil, p.provisionErr
	}
	env := NewFakeEnvironment(id)
	env.Handler = p.Handler
	p.envs[id] = env
	hook := p.OnProvision
	p.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return env, nil
}

// Teardown counts the call and returns the configured error.
func (p *FakeProvisioner) Teardown(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns[id]++
	return p.teardownErr
}

// FailProvision makes later Provision calls fail with err; nil restores success.
func (p *FakeProvisioner) FailProvision(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisionErr = err
}

// FailTeardown makes later Teardown calls fail with err; nil restores success.
func (p *FakeProvisioner) FailTeardown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownErr = err
}

// Env returns the environment provisioned for id.
func (p *FakeProvisioner) Env(id string) *FakeEnvironment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envs[id]
}

// Teardowns returns how many times id was torn down.
func (p *FakeProvisioner) Teardowns(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardowns[id]
}

// FakeDecider returns a fixed decision and counts calls.
type FakeDecider struct {
	Decision ports.Decision
	Err      error
	calls    atomic.Int32
}

// Name identifies the fake.
func (d *FakeDecider) Name() string { return "fake" }

// Decide returns the configured decision.
func (d *FakeDecider) Decide(context.Context, *approval.Evidence) (ports.Decision, error) {
	d.calls.Add(1)
	return d.Decision, d.Err
}

// Calls returns how many times Decide ran.
func (d *FakeDecider) Calls() int { return int(d.calls.Load()) }

// ErrFakeBackend is a generic backend failure for tests.
var ErrFakeBackend = errors.New("fake backend failure")

// FakeHost is an in-memory Git hosting service. Forks are local paths or
// URLs taken from ForkURLs.
type FakeHost struct {
	Username string
	// CloneURLs maps owner/name to a clonable URL or path.
	CloneURLs     map[string]string
	DefaultBranch string
	// Issues and Linked answer issue lookups by number for any repository.
	Issues map[int]ports.Issue
	Linked map[int][]ports.ChangeRequestInfo

	mu      sync.Mutex
	opened  []ports.ChangeRequest
	forkErr error
}

// EnsureFork returns username/<name> of upstream.
func (h *FakeHost) EnsureFork(_ context.Context, upstream string) (ports.Fork, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.forkErr != nil {
		return ports.Fork{}, h.forkErr
	}
	name := upstream[strings.Index(upstream, "/")+1:]
	slug := h.Username + "/" + name
	branch := h.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	return ports.Fork{
		Slug:             slug,
		CloneURL:         h.CloneURLs[slug],
		UpstreamSlug:     upstream,
		UpstreamCloneURL: h.CloneURLs[upstream],
		DefaultBranch:    branch,
	}, nil
}

// OpenChangeRequest records req and returns a numbered URL.
func (h *FakeHost) OpenChangeRequest(_ context.Context, req ports.ChangeRequest) (ports.ChangeRequestResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, req)
	n := len(h.opened)
	return ports.ChangeRequestResult{
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", req.Repository, n),
		Number: n,
	}, nil
}

// GetIssue returns Issues[number], or an issue with Found unset.
func (h *FakeHost) GetIssue(_ context.Context, _ string, number int) (ports.Issue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if is, ok := h.Issues[number]; ok {
		is.Number = number
		is.Found = true
		return is, nil
	}
	return ports.Issue{Number: number}, nil
}

// FindChangeRequestsForIssue returns Linked[number].
func (h *FakeHost) FindChangeRequestsForIssue(_ context.Context, _ string, number int) ([]ports.ChangeRequestInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ports.ChangeRequestInfo{}, h.Linked[number]...), nil
}

// FailFork makes EnsureFork fail.
func (h *FakeHost) FailFork(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forkErr = err
}

// Opened returns the change requests opened so far.
func (h *FakeHost) Opened() []ports.ChangeRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ports.ChangeRequest(nil), h.opened...)
}
