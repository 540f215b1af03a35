// Package cron provides a periodic scheduler that fires due recurring
// directions from the agent file by creating tasks through the Lifecycle
// Controller.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/config"
	"github.com/agentrun/agentd/internal/lifecycle"
	"github.com/agentrun/agentd/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TaskCreator is the scheduler's dependency on the Lifecycle Controller,
// narrowed to the one call it makes.
type TaskCreator interface {
	CreateTask(ctx context.Context, in lifecycle.CreateInput) (*store.Task, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Creator   TaskCreator
	Clock     clock.Clock
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Schedules []config.ScheduleDef
}

type schedule struct {
	def       config.ScheduleDef
	expr      cronlib.Schedule
	nextRunAt time.Time
}

// Scheduler ticks at a fixed interval and creates one task per schedule
// whose next run time has arrived.
type Scheduler struct {
	creator  TaskCreator
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules []*schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses the configured schedules and returns a Scheduler.
// Entries with an invalid cron expression or an empty direction are logged
// and skipped rather than failing startup.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Scheduler{
		creator:  cfg.Creator,
		clock:    clk,
		logger:   logger,
		interval: interval,
	}
	now := clk.Now()
	for _, def := range cfg.Schedules {
		if def.Disabled {
			continue
		}
		if def.Direction == "" {
			logger.Warn("cron: schedule has no direction, skipping", "schedule_name", def.Name)
			continue
		}
		expr, err := cronParser.Parse(def.Cron)
		if err != nil {
			logger.Warn("cron: invalid cron expression, skipping",
				"schedule_name", def.Name,
				"cron_expr", def.Cron,
				"error", err,
			)
			continue
		}
		s.schedules = append(s.schedules, &schedule{
			def:       def,
			expr:      expr,
			nextRunAt: expr.Next(now),
		})
	}
	return s
}

// Len reports how many schedules survived parsing.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedules", s.Len())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
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
			s.tick(ctx)
		}
	}
}

// tick fires every schedule whose next run time has passed and advances it.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*schedule
	for _, sched := range s.schedules {
		if !sched.nextRunAt.After(now) {
			due = append(due, sched)
			sched.nextRunAt = sched.expr.Next(now)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *schedule, now time.Time) {
	task, err := s.creator.CreateTask(ctx, lifecycle.CreateInput{
		Direction:        sched.def.Direction,
		Kind:             store.TaskKind(sched.def.TaskType),
		ExecutorOverride: sched.def.Executor,
		Context: map[string]any{
			"scheduled_by":   sched.def.Name,
			"scheduled_cron": sched.def.Cron,
		},
	})
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule",
			"schedule_name", sched.def.Name,
			"error", err,
		)
		return
	}
	s.logger.Info("cron: schedule fired",
		"schedule_name", sched.def.Name,
		"task_id", task.ID,
		"fired_at", now,
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
