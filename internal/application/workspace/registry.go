// Package workspace owns the lifecycle of ephemeral workspaces and serialises
// every command, git invocation and file operation run inside them.
package workspace

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jbctechsolutions/prguard/internal/application/ports"
	domainErrors "github.com/jbctechsolutions/prguard/internal/domain/errors"
	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	"github.com/jbctechsolutions/prguard/internal/domain/policy"
	domainWorkspace "github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/metrics"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/tracing"
)

// Config holds the registry's timing and sizing parameters.
type Config struct {
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	LockWaitTimeout    time.Duration
	ProvisionTimeout   time.Duration
	TeardownTimeout    time.Duration
	TombstoneRetention time.Duration

	CommandTimeout    time.Duration
	MaxCommandTimeout time.Duration
	KillGrace         time.Duration
	MaxOutputBytes    int
}

// Policy validates commands and scrubs their output.
type Policy interface {
	Validate(text string, mode policy.ExecMode) (policy.Command, error)
	Redact(text string) string
	Clip(text string, max int, truncated bool) (string, bool)
}

// Ledger records actions.
type Ledger interface {
	Append(ctx context.Context, scope, action string, payload any) (domainLedger.Record, error)
}

// Options carries the registry's optional collaborators.
type Options struct {
	Clock   ports.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collectors
	Tracer  *tracing.Tracer
}

type entry struct {
	ws   domainWorkspace.Workspace // guarded by Registry.mu
	env  ports.EnvironmentPort
	lock *semaphore.Weighted
}

type tombstone struct {
	expired bool
	at      time.Time
}

// CommandLimits are the reloadable command execution settings.
type CommandLimits struct {
	CommandTimeout    time.Duration
	MaxCommandTimeout time.Duration
	KillGrace         time.Duration
	MaxOutputBytes    int
}

// Registry tracks live workspaces.
type Registry struct {
	cfg         Config
	limits      atomic.Pointer[CommandLimits]
	provisioner ports.ProvisionerPort
	policy      Policy
	ledger      Ledger
	clock       ports.Clock
	logger      *logging.Logger
	metrics     *metrics.Collectors
	tracer      *tracing.Tracer

	mu         sync.Mutex
	entries    map[string]*entry
	tombstones map[string]tombstone
	// pending holds ids whose environment teardown failed and must be retried.
	pending map[string]struct{}
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config, provisioner ports.ProvisionerPort, pol Policy, ledger Ledger, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = ports.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Noop()
	}
	r := &Registry{
		cfg:         cfg,
		provisioner: provisioner,
		policy:      pol,
		ledger:      ledger,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		entries:     make(map[string]*entry),
		tombstones:  make(map[string]tombstone),
		pending:     make(map[string]struct{}),
	}
	r.SetCommandLimits(CommandLimits{
		CommandTimeout:    cfg.CommandTimeout,
		MaxCommandTimeout: cfg.MaxCommandTimeout,
		KillGrace:         cfg.KillGrace,
		MaxOutputBytes:    cfg.MaxOutputBytes,
	})
	return r
}

// SetCommandLimits replaces the command execution settings. Commands already
// running keep the limits they started with.
func (r *Registry) SetCommandLimits(l CommandLimits) {
	r.limits.Store(&l)
}

// CommandLimits returns the active command execution settings.
func (r *Registry) CommandLimits() CommandLimits {
	return *r.limits.Load()
}

// Create provisions a workspace. ttlMinutes of 0 selects the default TTL.
func (r *Registry) Create(ctx context.Context, mode string, ttlMinutes int) (domainWorkspace.Workspace, error) {
	m, err := domainWorkspace.ParseMode(mode)
	if err != nil {
		return domainWorkspace.Workspace{}, domainErrors.Wrap(domainErrors.KindInvalidConfiguration, "invalid workspace mode", err)
	}
	maxMinutes := int(r.cfg.MaxTTL / time.Minute)
	ttl := r.cfg.DefaultTTL
	if ttlMinutes != 0 {
		// Bounded before the conversion so large values cannot wrap around.
		if ttlMinutes < 1 || ttlMinutes > maxMinutes {
			return domainWorkspace.Workspace{}, domainErrors.Newf(domainErrors.KindInvalidConfiguration,
				"ttl_minutes must be between 1 and %d", maxMinutes)
		}
		ttl = time.Duration(ttlMinutes) * time.Minute
	}
	if ttl < time.Minute || ttl > r.cfg.MaxTTL {
		return domainWorkspace.Workspace{}, domainErrors.Newf(domainErrors.KindInvalidConfiguration,
			"ttl_minutes must be between 1 and %d", maxMinutes)
	}

	id := uuid.New().String()
	ws := domainWorkspace.New(id, m, ttl, r.clock.Now())
	e := &entry{ws: ws, lock: semaphore.NewWeighted(1)}

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProvisionTimeout)
	env, err := r.provisioner.Provision(pctx, id, m)
	cancel()
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		r.teardown(ctx, id)
		return domainWorkspace.Workspace{}, domainErrors.Wrap(domainErrors.KindBackendUnavailable,
			"failed to provision workspace", fmt.Errorf("%s", r.policy.Redact(err.Error())))
	}

	r.mu.Lock()
	e.env = env
	if err := e.ws.Transition(domainWorkspace.StateReady); err != nil {
		r.mu.Unlock()
		// Destroyed while provisioning; the new environment is released here.
		r.teardown(ctx, id)
		return domainWorkspace.Workspace{}, domainErrors.Wrap(domainErrors.KindWorkspaceNotFound,
			fmt.Sprintf("workspace %s was destroyed while provisioning", id), err)
	}
	snap := e.ws
	active := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetActiveWorkspaces(active)
	ctx = logging.WithWorkspaceID(ctx, id)
	logging.LogWorkspaceCreated(ctx, r.logger, id, string(m), snap.ExpiresAt)
	r.record(ctx, id, domainLedger.ActionWorkspaceCreated, map[string]any{
		"mode":        m,
		"ttl_minutes": snap.TTLMinutes(),
		"expires_at":  snap.ExpiresAt.UTC(),
	})
	return snap, nil
}

// Get returns a snapshot of the workspace.
func (r *Registry) Get(id string) (domainWorkspace.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return domainWorkspace.Workspace{}, err
	}
	return e.ws, nil
}

// List returns snapshots of every live workspace.
func (r *Registry) List() []domainWorkspace.Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domainWorkspace.Workspace, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.ws)
	}
	return out
}

// SetRepository records the upstream, fork and base branch bound to a workspace.
func (r *Registry) SetRepository(id, upstream, fork, base string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookupLocked(id)
	if err != nil {
		return err
	}
	e.ws.Repository = upstream
	e.ws.Fork = fork
	e.ws.BaseBranch = base
	return nil
}

// Destroy removes the workspace and releases its environment. It reports
// false when the workspace was unknown or already gone.
func (r *Registry) Destroy(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_ = e.ws.Transition(domainWorkspace.StateDestroyed)
	delete(r.entries, id)
	r.tombstones[id] = tombstone{at: r.clock.Now()}
	active := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetActiveWorkspaces(active)
	ctx = logging.WithWorkspaceID(ctx, id)
	logging.LogWorkspaceDestroyed(ctx, r.logger, id)
	r.record(ctx, id, domainLedger.ActionWorkspaceDestroyed, map[string]any{"reason": "explicit"})
	r.teardown(ctx, id)
	return true
}

// Shutdown destroys every live workspace.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(ctx, id)
	}
}

// lookupLocked resolves a live, unexpired workspace. r.mu must be held.
func (r *Registry) lookupLocked(id string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		if ts, found := r.tombstones[id]; found && ts.expired {
			return nil, domainErrors.Newf(domainErrors.KindWorkspaceExpired, "workspace %s has expired", id)
		}
		return nil, domainErrors.Newf(domainErrors.KindWorkspaceNotFound, "workspace %s not found", id)
	}
	if e.ws.State == domainWorkspace.StateExpired || e.ws.IsExpired(r.clock.Now()) {
		return nil, domainErrors.Newf(domainErrors.KindWorkspaceExpired, "workspace %s has expired", id)
	}
	if e.ws.State != domainWorkspace.StateReady {
		return nil, domainErrors.Newf(domainErrors.KindWorkspaceNotFound, "workspace %s is not ready", id)
	}
	return e, nil
}

// teardown releases the environment, queueing a retry on failure.
func (r *Registry) teardown(ctx context.Context, id string) bool {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.TeardownTimeout)
	defer cancel()
	if err := r.provisioner.Teardown(tctx, id); err != nil {
		msg := r.policy.Redact(err.Error())
		r.mu.Lock()
		r.pending[id] = struct{}{}
		r.mu.Unlock()
		r.logger.ErrorContext(ctx, "workspace teardown failed", "workspace_id", id, "error", msg)
		r.record(ctx, id, domainLedger.ActionTeardownFailed, map[string]any{"error": msg})
		return false
	}
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	return true
}

// record appends to the ledger, logging instead of failing the caller.
func (r *Registry) record(ctx context.Context, scope, action string, payload any) {
	if _, err := r.ledger.Append(ctx, scope, action, payload); err != nil {
		r.logger.ErrorContext(ctx, "ledger append failed", "action", action, "error", r.policy.Redact(err.Error()))
	}
}
