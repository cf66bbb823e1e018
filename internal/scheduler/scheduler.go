// Package scheduler runs the engine's periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/metrics"
)

// Job is one unit of periodic work. The context carries the scheduler's
// lifetime; jobs should return promptly once it is cancelled.
type Job func(ctx context.Context) error

// Scheduler wraps robfig/cron with per-job overlap protection. If a tick
// fires while the previous run of the same job is still active, the tick
// is skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler evaluating cron specs in the given location.
func New(loc *time.Location, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a job under the given cron spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	var inFlight atomic.Bool

	_, err := s.cron.AddFunc(spec, func() {
		if !inFlight.CompareAndSwap(false, true) {
			s.logger.Warn("job still running, skipping tick", zap.String("job", name))
			s.metrics.JobSkips.WithLabelValues(name).Inc()
			return
		}
		defer inFlight.Store(false)

		s.metrics.JobRuns.WithLabelValues(name).Inc()
		start := time.Now()

		if err := job(s.ctx); err != nil {
			s.metrics.JobFailures.WithLabelValues(name).Inc()
			s.logger.Error("job failed",
				zap.String("job", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}

		s.logger.Debug("job completed",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return err
	}

	s.logger.Info("job registered", zap.String("job", name), zap.String("spec", spec))
	return nil
}

// Start begins dispatching jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
