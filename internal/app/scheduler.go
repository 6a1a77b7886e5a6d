/**
 * @description
 * Cron scheduler for the unpaid payout digest.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DigestRunner runs one unpaid payout digest.
type DigestRunner interface {
	RunUnpaidPayoutDigest(ctx context.Context) (*DigestResult, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	runner   DigestRunner
	logger   *slog.Logger
	schedule string
	timeout  time.Duration
}

// NewScheduler creates a scheduler evaluating schedule in loc.
func NewScheduler(runner DigestRunner, logger *slog.Logger, schedule string, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		runner:   runner,
		logger:   logger,
		schedule: schedule,
		timeout:  5 * time.Minute,
	}
}

// Start registers the digest job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunDigest); err != nil {
		s.logger.Error("failed to schedule unpaid payout digest", "schedule", s.schedule, "error", err)
		return err
	}
	s.logger.Info("scheduled unpaid payout digest", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// RunDigest runs the digest once.
func (s *Scheduler) RunDigest() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.runner.RunUnpaidPayoutDigest(ctx)
	if err != nil {
		s.logger.Error("unpaid payout digest failed", "error", err)
		return
	}
	s.logger.Info("unpaid payout digest published",
		"scouts", result.Scouts,
		"conversions", result.Conversions,
		"total_amount", result.TotalAmount,
	)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
