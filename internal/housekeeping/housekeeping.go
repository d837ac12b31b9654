// Package housekeeping runs the periodic maintenance jobs of the gateway
// process. Jobs only purge expired sessions and stale limiter state and
// report stuck events; they never change event status.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lumen-commerce/commerce_layer/internal/logging"
	"github.com/lumen-commerce/commerce_layer/internal/metrics"
	"github.com/lumen-commerce/commerce_layer/internal/storage"
)

// Job schedules.
const (
	PurgeSessionsSpec = "@every 15m"
	ReportStaleSpec   = "@every 5m"
	CleanLimitersSpec = "@every 1m"
)

// Config holds the collaborators of a Scheduler.
type Config struct {
	Sessions storage.SessionStore
	Claims   storage.ClaimStore
	// Cleanups drop expired rate-limiter entries and return how many went.
	Cleanups   []func() int
	StaleAfter time.Duration
	Timeout    time.Duration
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

// Scheduler owns the cron instance and the jobs registered on it.
type Scheduler struct {
	cron       *cron.Cron
	sessions   storage.SessionStore
	claims     storage.ClaimStore
	cleanups   []func() int
	staleAfter time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

// New creates a scheduler. Jobs are registered by Start.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cronLogger := cron.PrintfLogger(cfg.Logger.Logger)
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		sessions:   cfg.Sessions,
		claims:     cfg.Claims,
		cleanups:   cfg.Cleanups,
		staleAfter: cfg.StaleAfter,
		timeout:    cfg.Timeout,
		now:        time.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// WithClock sets the time source used for cutoffs.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start registers the jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{PurgeSessionsSpec, "purge_sessions", func(ctx context.Context) error {
			_, err := s.PurgeSessions(ctx)
			return err
		}},
		{ReportStaleSpec, "report_stale_events", func(ctx context.Context) error {
			_, err := s.ReportStale(ctx)
			return err
		}},
		{CleanLimitersSpec, "clean_limiters", func(context.Context) error {
			s.CleanLimiters()
			return nil
		}},
	}
	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.run(job.name, job.run) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{"jobs": len(jobs)}).Info("Housekeeping scheduler started")
	return nil
}

// Stop stops scheduling and returns a context done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(logging.WithTraceID(context.Background(), logging.NewTraceID()), s.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job", name).Error("Housekeeping job failed")
	}
}

// PurgeSessions deletes expired and revoked sessions.
func (s *Scheduler) PurgeSessions(ctx context.Context) (int64, error) {
	if s.sessions == nil {
		return 0, nil
	}
	n, err := s.sessions.PurgeExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	s.metrics.AddSessionsPurged(n)
	if n > 0 {
		s.logger.WithContext(ctx).WithField("purged", n).Info("Expired sessions purged")
	}
	return n, nil
}

// ReportStale counts events stuck in RECEIVED or PROCESSING longer than the
// stale threshold and publishes the count.
func (s *Scheduler) ReportStale(ctx context.Context) (int, error) {
	if s.claims == nil {
		return 0, nil
	}
	events, err := s.claims.ListStaleEvents(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale events: %w", err)
	}
	s.metrics.SetStaleEvents(len(events))
	for _, evt := range events {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"event_id":          evt.ID,
			"provider_event_id": evt.ProviderEventID,
			"process_status":    evt.Status,
			"received_at":       evt.ReceivedAt,
		}).Warn("Billing event stuck before a terminal status")
	}
	return len(events), nil
}

// CleanLimiters drops expired rate-limiter entries.
func (s *Scheduler) CleanLimiters() int {
	total := 0
	for _, cleanup := range s.cleanups {
		total += cleanup()
	}
	return total
}
