// Package cron runs the store's retention purge on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-analyst/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Purger deletes stored records older than a number of days.
type Purger interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store         Purger
	Schedule      string // 5-field cron expression
	RetentionDays int
	Logger        *slog.Logger
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
	Now           func() time.Time
}

// Scheduler checks at every tick whether the purge schedule is due and runs
// the retention job when it is.
type Scheduler struct {
	store    Purger
	sched    cronlib.Schedule
	days     int
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		sched:    sched,
		days:     cfg.RetentionDays,
		logger:   logger,
		interval: interval,
		now:      now,
		nextRun:  sched.Next(now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "interval", s.interval, "next_run_at", s.NextRun(), "retention_days", s.days)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

// NextRun is the next time the purge is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs the purge if it is due and reports whether it ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.sched.Next(now)
	}
	next := s.nextRun
	s.mu.Unlock()
	if !due {
		return false
	}
	s.fire(ctx, next)
	return true
}

func (s *Scheduler) fire(ctx context.Context, next time.Time) {
	res, err := s.store.RunRetention(ctx, s.days)
	if err != nil {
		s.logger.Error("retention: purge failed", "retention_days", s.days, "error", err)
		return
	}
	s.logger.Info("retention: purge complete",
		"retention_days", s.days,
		"purged_tasks", res.PurgedTasks,
		"purged_sessions", res.PurgedSessions,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
