package workspace

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	domainLedger "github.com/jbctechsolutions/prguard/internal/domain/ledger"
	domainWorkspace "github.com/jbctechsolutions/prguard/internal/domain/workspace"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
)

// sweepParallelism bounds concurrent teardowns within one sweep.
const sweepParallelism = 4

// SweepReport summarises one sweep cycle.
type SweepReport struct {
	Expired  int // Workspaces expired and torn down
	Deferred int // Expired workspaces skipped because a command holds the lock
	Failed   int // Teardowns that failed and will be retried
	Retried  int // Earlier failed teardowns that succeeded this cycle
}

// Sweep expires every workspace past its TTL that is not running a command,
// retries failed teardowns and drops old tombstones.
func (r *Registry) Sweep(ctx context.Context) SweepReport {
	now := r.clock.Now()

	r.mu.Lock()
	var due []string
	for id, e := range r.entries {
		if e.ws.State == domainWorkspace.StateExpired || (e.ws.State == domainWorkspace.StateReady && e.ws.IsExpired(now)) {
			due = append(due, id)
		}
	}
	var retry []string
	for id := range r.pending {
		if _, live := r.entries[id]; !live {
			retry = append(retry, id)
		}
	}
	r.mu.Unlock()

	var expired, deferred, failed, retried atomic.Int32
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(sweepParallelism)

	for _, id := range due {
		g.Go(func() error {
			switch r.expire(gctx, id) {
			case sweepExpired:
				expired.Add(1)
			case sweepDeferred:
				deferred.Add(1)
			case sweepFailed:
				expired.Add(1)
				failed.Add(1)
			}
			return nil
		})
	}
	for _, id := range retry {
		g.Go(func() error {
			if r.teardown(gctx, id) {
				retried.Add(1)
				r.record(gctx, id, domainLedger.ActionWorkspaceDestroyed, map[string]any{"reason": "teardown_retry"})
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.purgeTombstones(now)

	r.mu.Lock()
	active := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetActiveWorkspaces(active)

	return SweepReport{
		Expired:  int(expired.Load()),
		Deferred: int(deferred.Load()),
		Failed:   int(failed.Load()),
		Retried:  int(retried.Load()),
	}
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepExpired
	sweepDeferred
	sweepFailed
)

// expire tears down one workspace unless it is busy.
func (r *Registry) expire(ctx context.Context, id string) sweepOutcome {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return sweepSkipped
	}

	if !e.lock.TryAcquire(1) {
		return sweepDeferred
	}

	now := r.clock.Now()
	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok || current != e || !(e.ws.State == domainWorkspace.StateExpired || e.ws.IsExpired(now)) {
		r.mu.Unlock()
		e.lock.Release(1)
		return sweepSkipped
	}
	if e.ws.State == domainWorkspace.StateReady {
		_ = e.ws.Transition(domainWorkspace.StateExpired)
	}
	_ = e.ws.Transition(domainWorkspace.StateDestroyed)
	e.ws.DestroyedByExpiry = true
	delete(r.entries, id)
	r.tombstones[id] = tombstone{expired: true, at: now}
	created := e.ws.CreatedAt
	r.mu.Unlock()
	// Waiters queued on the lock observe the tombstone once they acquire it.
	e.lock.Release(1)

	ctx = logging.WithWorkspaceID(ctx, id)
	logging.LogWorkspaceExpired(ctx, r.logger, id, now.Sub(created))
	r.record(ctx, id, domainLedger.ActionWorkspaceExpired, map[string]any{
		"created_at": created.UTC(),
		"expired_at": now.UTC(),
	})
	if !r.teardown(ctx, id) {
		return sweepFailed
	}
	return sweepExpired
}

func (r *Registry) purgeTombstones(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ts := range r.tombstones {
		if _, pending := r.pending[id]; pending {
			continue
		}
		if now.Sub(ts.at) > r.cfg.TombstoneRetention {
			delete(r.tombstones, id)
		}
	}
}
