// Package sweep runs the background pass that retires stale assignment
// state: expired holds are marked finished so their jobs become available
// again, and assignments on completed jobs are closed out.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/exchange"
	"github.com/workmesh/exo/registry"
)

// Sweeper periodically finishes expired and orphaned assignments.
type Sweeper struct {
	registry *registry.Registry
	clock    exchange.Clock
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	lastPassAt time.Time
	passes     int64
}

// New creates a sweeper. It does nothing until Start is called.
func New(reg *registry.Registry, clock exchange.Clock, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	return NewWithContext(context.Background(), reg, clock, interval, logger)
}

// NewWithContext creates a sweeper bound to a parent context.
func NewWithContext(ctx context.Context, reg *registry.Registry, clock exchange.Clock, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		registry: reg,
		clock:    clock,
		interval: interval,
		ctx:      sweepCtx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Sweeper started", "interval", s.interval)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := s.RunPass(s.ctx); err != nil {
				s.logger.Warnw("Sweep pass error", "error", err)
			}
		}
	}
}

// RunPass executes one sweep immediately and reports how many assignments
// were retired for each reason. Safe to call concurrently with the loop;
// the registry's writes are idempotent.
func (s *Sweeper) RunPass(ctx context.Context) (expired, orphaned int64, err error) {
	now := s.clock.Now()

	expired, err = s.registry.FinishExpiredAssignments(ctx, s.registry.DB(), now)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to finish expired assignments")
	}

	orphaned, err = s.registry.FinishAssignmentsForCompletedJobs(ctx, s.registry.DB())
	if err != nil {
		return expired, 0, errors.Wrap(err, "failed to finish assignments on completed jobs")
	}

	s.mu.Lock()
	s.lastPassAt = now
	s.passes++
	passes := s.passes
	s.mu.Unlock()

	if expired > 0 || orphaned > 0 {
		s.logger.Infow("Sweep pass retired assignments",
			"expired", expired,
			"orphaned", orphaned,
			"pass", passes,
		)
	} else {
		s.logger.Debugw("Sweep pass clean", "pass", passes)
	}
	return expired, orphaned, nil
}

// Stats reports loop progress for the stats endpoint.
func (s *Sweeper) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"last_pass_at": s.lastPassAt,
		"passes":       s.passes,
		"interval":     s.interval.String(),
	}
}
