package workspace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jbctechsolutions/prguard/internal/infrastructure/logging"
	"github.com/jbctechsolutions/prguard/internal/infrastructure/metrics"
)

// TokenPurger drops expired approval tokens and reports how many went.
type TokenPurger interface {
	Purge(ctx context.Context) int
}

// CycleResult is the outcome of one sweeper cycle.
type CycleResult struct {
	SweepReport
	TokensPurged int
	Duration     time.Duration
}

// Sweeper runs Registry.Sweep and token purging on an interval.
type Sweeper struct {
	registry *Registry
	purger   TokenPurger
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Collectors

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper. purger may be nil.
func NewSweeper(registry *Registry, purger TokenPurger, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		purger:   purger,
		interval: interval,
		logger:   registry.logger,
		metrics:  registry.metrics,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("workspace sweeper starting", "interval", s.interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop ends the loop and waits for an in-progress cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped
}

// RunNow performs one cycle synchronously.
func (s *Sweeper) RunNow(ctx context.Context) CycleResult {
	start := time.Now()
	res := CycleResult{SweepReport: s.registry.Sweep(ctx)}
	if s.purger != nil {
		res.TokensPurged = s.purger.Purge(ctx)
	}
	res.Duration = time.Since(start)

	s.metrics.ObserveSweep(res.Expired, res.Deferred, res.Failed)
	if res.Expired+res.Deferred+res.Failed+res.Retried+res.TokensPurged > 0 {
		logging.LogSweepCompleted(ctx, s.logger, res.Expired, res.Deferred, res.Failed, res.TokensPurged, res.Duration)
	} else {
		s.logger.Debug("sweep completed (nothing to do)")
	}
	return res
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("workspace sweeper stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("workspace sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.RunNow(ctx)
		}
	}
}
