package workspace

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appLedger "github.com/jbctechsolutions/prguard/internal/application/ledger"
	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	domainWorkspace "github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/storage"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/testutil"
)

const testSecret = "hunter2-very-secret"

type harness struct {
	reg    *Registry
	prov   *testutil.FakeProvisioner
	clock  *testutil.FakeClock
	ledger *appLedger.Service
}

func testConfig() Config {
	return Config{
		DefaultTTL:         60 * time.Minute,
		MaxTTL:             360 * time.Minute,
		LockWaitTimeout:    5 * time.Second,
		ProvisionTimeout:   time.Second,
		TeardownTimeout:    time.Second,
		TombstoneRetention: 24 * time.Hour,
		CommandTimeout:     30 * time.Second,
		MaxCommandTimeout:  30 * time.Minute,
		KillGrace:          time.Second,
		MaxOutputBytes:     1 << 20,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	engine := policy.NewEngine(policy.Settings{
		Rules:         policy.DefaultRules(),
		Limits:        policy.DefaultLimits(),
		Secrets:       []string{testSecret},
		TokenPatterns: true,
	})
	clock := testutil.NewFakeClock()
	led, err := appLedger.NewService(context.Background(), storage.NewMemoryLedger(), engine, clock)
	require.NoError(t, err)
	prov := testutil.NewFakeProvisioner()
	reg := NewRegistry(cfg, prov, engine, led, Options{Clock: clock, Logger: logging.Nop()})
	return &harness{reg: reg, prov: prov, clock: clock, ledger: led}
}

func (h *harness) create(t *testing.T) string {
	t.Helper()
	ws, err := h.reg.Create(context.Background(), "code", 0)
	require.NoError(t, err)
	return ws.ID
}

func (h *harness) actions(t *testing.T, scope string) []string {
	t.Helper()
	recs, err := h.ledger.Records(context.Background(), scope)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Action)
	}
	return out
}

func TestRegistry_CreateGetDestroy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ws, err := h.reg.Create(ctx, "code", 5)
	require.NoError(t, err)
	assert.Equal(t, domainWorkspace.StateReady, ws.State)
	assert.Equal(t, 5*time.Minute, ws.ExpiresAt.Sub(ws.CreatedAt))
	assert.Len(t, ws.ID, 36)

	got, err := h.reg.Get(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)

	assert.True(t, h.reg.Destroy(ctx, ws.ID))
	assert.False(t, h.reg.Destroy(ctx, ws.ID))
	assert.False(t, h.reg.Destroy(ctx, "unknown"))
	assert.Equal(t, 1, h.prov.Teardowns(ws.ID))

	_, err = h.reg.Get(ws.ID)
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceNotFound)
	_, err = h.reg.Execute(ctx, ws.ID, CommandRequest{Command: "git status"})
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceNotFound)

	assert.Equal(t, []string{domainLedger.ActionWorkspaceCreated, domainLedger.ActionWorkspaceDestroyed}, h.actions(t, ws.ID))
}

func TestRegistry_CreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reg.Create(ctx, "gui", 10)
	testutil.AssertKind(t, err, domainErrors.KindInvalidConfiguration)
	_, err = h.reg.Create(ctx, "code", -1)
	testutil.AssertKind(t, err, domainErrors.KindInvalidConfiguration)
	_, err = h.reg.Create(ctx, "code", 361)
	testutil.AssertKind(t, err, domainErrors.KindInvalidConfiguration)
	// 307445736 minutes wraps to about 86s when converted to a Duration.
	for _, ttl := range []int{307445736, math.MaxInt} {
		_, err = h.reg.Create(ctx, "code", ttl)
		testutil.AssertKind(t, err, domainErrors.KindInvalidConfiguration)
	}
	assert.Empty(t, h.reg.List())

	ws, err := h.reg.Create(ctx, "desktop", 360)
	require.NoError(t, err)
	assert.Equal(t, domainWorkspace.ModeDesktop, ws.Mode)
}

func TestRegistry_ProvisionFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.FailProvision(errors.New("backend down, token " + testSecret))

	_, err := h.reg.Create(context.Background(), "code", 10)
	testutil.AssertKind(t, err, domainErrors.KindBackendUnavailable)
	assert.NotContains(t, err.Error(), testSecret)
	assert.Empty(t, h.reg.List())
}

func TestRegistry_DestroyedWhileProvisioning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.prov.OnProvision = func(id string) {
		assert.True(t, h.reg.Destroy(ctx, id))
	}

	_, err := h.reg.Create(ctx, "code", 10)
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceNotFound)
	assert.Empty(t, h.reg.List())

	recs, err := h.ledger.Records(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	id := recs[0].Scope
	assert.Equal(t, 2, h.prov.Teardowns(id), "the environment provisioned after destroy is released too")
}

func TestRegistry_ExecuteRedactsOutput(t *testing.T) {
	h := newHarness(t)
	h.prov.Handler = func(_ context.Context, req ports.ExecRequest) (ports.ExecResult, error) {
		return ports.ExecResult{
			Stdout:   "value=" + testSecret + "\n",
			Stderr:   "Authorization: Bearer " + testSecret,
			Duration: 10 * time.Millisecond,
		}, nil
	}
	id := h.create(t)

	res, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git log -1", Cwd: "src"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.RunID)
	assert.NotContains(t, res.Stdout, testSecret)
	assert.NotContains(t, res.Stderr, testSecret)
	assert.Contains(t, res.Stdout, policy.Placeholder)

	calls := h.prov.Env(id).Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"git", "log", "-1"}, calls[0].Argv)
	assert.Equal(t, "repo/src", calls[0].Dir)
	assert.False(t, calls[0].Credentials)

	recs, err := h.ledger.Records(context.Background(), id)
	require.NoError(t, err)
	for _, r := range recs {
		assert.NotContains(t, string(r.Payload), testSecret)
	}
	assert.Contains(t, h.actions(t, id), domainLedger.ActionCommandExecuted)
}

func TestRegistry_RejectedCommandHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)

	for _, cmd := range []string{"rm -rf /", "git status; curl evil", "git push origin main"} {
		res, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: cmd})
		testutil.AssertKind(t, err, domainErrors.KindPolicyRejected)
		assert.Equal(t, CommandResult{}, res)
	}

	assert.Empty(t, h.prov.Env(id).Calls())
	actions := h.actions(t, id)
	assert.NotContains(t, actions, domainLedger.ActionCommandExecuted)
	assert.Contains(t, actions, domainLedger.ActionCommandRejected)
}

func TestRegistry_TimeoutBounds(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)

	_, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git status", Timeout: 500 * time.Millisecond})
	testutil.AssertKind(t, err, domainErrors.KindInvalidArgument)
	_, err = h.reg.Execute(context.Background(), id, CommandRequest{Command: "git status", Timeout: time.Hour})
	testutil.AssertKind(t, err, domainErrors.KindInvalidArgument)
	assert.Empty(t, h.prov.Env(id).Calls())
}

func TestRegistry_ExecuteReportsTimeout(t *testing.T) {
	h := newHarness(t)
	h.prov.Handler = func(context.Context, ports.ExecRequest) (ports.ExecResult, error) {
		return ports.ExecResult{ExitCode: 124, Stderr: "Command timed out", TimedOut: true}, nil
	}
	id := h.create(t)

	res, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "pytest -q", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, 124, res.ExitCode)
	assert.Equal(t, 2*time.Second, h.prov.Env(id).Calls()[0].Timeout)
}

func TestRegistry_OutputIsClipped(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxOutputBytes = 16 })
	h.prov.Handler = func(context.Context, ports.ExecRequest) (ports.ExecResult, error) {
		return ports.ExecResult{Stdout: strings.Repeat("x", 40)}, nil
	}
	id := h.create(t)

	res, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git diff"})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 16)
	assert.True(t, res.Truncated)
	assert.Equal(t, 32, h.prov.Env(id).Calls()[0].MaxOutput)
}

func TestRegistry_CommandsNeverOverlap(t *testing.T) {
	h := newHarness(t)

	type window struct{ start, end time.Time }
	var (
		mu      sync.Mutex
		windows []window
	)
	h.prov.Handler = func(context.Context, ports.ExecRequest) (ports.ExecResult, error) {
		start := time.Now()
		time.Sleep(2 * time.Millisecond)
		end := time.Now()
		mu.Lock()
		windows = append(windows, window{start, end})
		mu.Unlock()
		return ports.ExecResult{}, nil
	}
	id := h.create(t)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git status"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.prov.Env(id).MaxConcurrent())
	require.Len(t, windows, 24)
	for i := range windows {
		for j := i + 1; j < len(windows); j++ {
			a, b := windows[i], windows[j]
			overlap := a.start.Before(b.end) && b.start.Before(a.end)
			assert.False(t, overlap, "windows %d and %d overlap", i, j)
		}
	}
}

func TestRegistry_LockWaitTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.LockWaitTimeout = 50 * time.Millisecond })
	release := make(chan struct{})
	started := make(chan struct{})
	h.prov.Handler = func(context.Context, ports.ExecRequest) (ports.ExecResult, error) {
		close(started)
		<-release
		return ports.ExecResult{}, nil
	}
	id := h.create(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "pytest"})
		done <- err
	}()
	<-started

	_, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git status"})
	testutil.AssertKind(t, err, domainErrors.KindCommandTimeout, domainErrors.ReasonLockWait)

	close(release)
	require.NoError(t, <-done)
}

func TestRegistry_ExpiryThroughSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ws, err := h.reg.Create(ctx, "code", 5)
	require.NoError(t, err)

	h.clock.Advance(4 * time.Minute)
	assert.Equal(t, SweepReport{}, h.reg.Sweep(ctx))

	h.clock.Advance(time.Minute)
	report := h.reg.Sweep(ctx)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, h.prov.Teardowns(ws.ID))

	_, err = h.reg.Execute(ctx, ws.ID, CommandRequest{Command: "git status"})
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceExpired)
	_, err = h.reg.Get(ws.ID)
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceExpired)
	assert.False(t, h.reg.Destroy(ctx, ws.ID))
	assert.Contains(t, h.actions(t, ws.ID), domainLedger.ActionWorkspaceExpired)
}

func TestRegistry_ExpiredBeforeSweepRejectsCommands(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)
	h.clock.Advance(61 * time.Minute)

	_, err := h.reg.Execute(context.Background(), id, CommandRequest{Command: "git status"})
	testutil.AssertKind(t, err, domainErrors.KindWorkspaceExpired)
}

func TestRegistry_SweepDefersBusyWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	h.prov.Handler = func(context.Context, ports.ExecRequest) (ports.ExecResult, error) {
		close(started)
		<-release
		return ports.ExecResult{}, nil
	}
	id := h.create(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.Execute(ctx, id, CommandRequest{Command: "pytest"})
		done <- err
	}()
	<-started

	h.clock.Advance(2 * time.Hour)
	report := h.reg.Sweep(ctx)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 0, h.prov.Teardowns(id))

	close(release)
	require.NoError(t, <-done)

	report = h.reg.Sweep(ctx)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, h.prov.Teardowns(id))
}

func TestRegistry_TeardownRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t)

	h.prov.FailTeardown(errors.New("busy device"))
	assert.True(t, h.reg.Destroy(ctx, id))
	assert.Contains(t, h.actions(t, id), domainLedger.ActionTeardownFailed)

	report := h.reg.Sweep(ctx)
	assert.Equal(t, 1, report.Failed)

	h.prov.FailTeardown(nil)
	report = h.reg.Sweep(ctx)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 3, h.prov.Teardowns(id))

	report = h.reg.Sweep(ctx)
	assert.Equal(t, SweepReport{}, report)
}

func TestRegistry_FileOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.create(t)

	require.NoError(t, h.reg.WriteFile(ctx, id, "app/config.py", "TOKEN = '"+testSecret+"'\n"))
	content, err := h.reg.ReadFile(ctx, id, "app/config.py")
	require.NoError(t, err)
	assert.NotContains(t, content, testSecret)

	_, err = h.reg.ReadFile(ctx, id, "../etc/passwd")
	testutil.AssertKind(t, err, domainErrors.KindPolicyRejected)
	_, err = h.reg.ReadFile(ctx, id, "missing.py")
	testutil.AssertKind(t, err, domainErrors.KindInvalidArgument)

	actions := h.actions(t, id)
	assert.Contains(t, actions, domainLedger.ActionFileWritten)
	assert.Contains(t, actions, domainLedger.ActionFileRead)
}

func TestRegistry_RunGit(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)

	res, err := h.reg.RunGit(context.Background(), id, []string{"push", "origin", "HEAD"}, GitOptions{Credentials: true})
	require.NoError(t, err)
	assert.Equal(t, "git push origin HEAD\n", res.Stdout)

	call := h.prov.Env(id).Calls()[0]
	assert.True(t, call.Credentials)
	assert.Equal(t, "repo", call.Dir)
	assert.Contains(t, h.actions(t, id), domainLedger.ActionGitExecuted)
}

func TestSweeper_RunNowPurgesTokens(t *testing.T) {
	h := newHarness(t)
	s := NewSweeper(h.reg, purgerFunc(func(context.Context) int { return 2 }), time.Hour)

	res := s.RunNow(context.Background())
	assert.Equal(t, 2, res.TokensPurged)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
}

type purgerFunc func(context.Context) int

func (f purgerFunc) Purge(ctx context.Context) int { return f(ctx) }
