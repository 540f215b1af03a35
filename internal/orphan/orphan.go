// Package orphan implements orphan recovery: on each runner heartbeat
// reporting idle with no active task, a sweeper fails any tasks that
// runner still claims past a running-time threshold, so a dead or wedged
// worker doesn't leave a task stuck in "running" forever.
package orphan

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/lifecycle"
	"github.com/agentrun/agentd/internal/store"
)

const (
	defaultThresholdSeconds = 1800
	defaultMaxRecoveries    = 10
)

// Config resolves the env-configurable knobs AGENT_ORPHAN_RUNNING_SEC and
// AGENT_ORPHAN_REAP_MAX_TASKS.
type Config struct {
	ThresholdSeconds int
	MaxRecoveries    int
}

func (c Config) threshold() time.Duration {
	s := c.ThresholdSeconds
	if s <= 0 {
		s = defaultThresholdSeconds
	}
	return time.Duration(s) * time.Second
}

func (c Config) maxRecoveries() int {
	if c.MaxRecoveries <= 0 {
		return defaultMaxRecoveries
	}
	return c.MaxRecoveries
}

// Sweeper recovers tasks abandoned by a runner that heartbeats idle.
type Sweeper struct {
	store      store.TaskStore
	controller *lifecycle.Controller
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger
}

// New builds a Sweeper.
func New(s store.TaskStore, ctrl *lifecycle.Controller, c clock.Clock, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, controller: ctrl, clock: c, cfg: cfg, logger: logger}
}

// OnIdleHeartbeat runs one recovery pass for runnerID: the synchronous
// path invoked directly from the heartbeat handler when a runner reports
// status=idle and an empty active_task_id.
func (s *Sweeper) OnIdleHeartbeat(ctx context.Context, runnerID string) (recovered int, err error) {
	now := s.clock.Now()
	items, _, err := s.store.List(ctx, store.ListFilter{Status: store.StatusRunning})
	if err != nil {
		return 0, err
	}

	type candidate struct {
		task           *store.Task
		runningSeconds float64
	}
	var candidates []candidate
	threshold := s.cfg.threshold()
	for _, t := range items {
		if t.ClaimedBy != runnerID {
			continue
		}
		running := now.Sub(runningSince(t))
		if running < threshold {
			continue
		}
		candidates = append(candidates, candidate{task: t, runningSeconds: running.Seconds()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].runningSeconds > candidates[j].runningSeconds
	})

	max := s.cfg.maxRecoveries()
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	for _, cand := range candidates {
		t := cand.task
		failed := store.StatusFailed
		output := "Orphan: runner heartbeat reported idle while this task was still claimed as running."
		runningSec := int(cand.runningSeconds)
		_, updErr := s.controller.UpdateTask(ctx, t.ID, lifecycle.UpdateInput{
			Status: &failed,
			Output: &output,
			ContextPatch: map[string]any{
				"orphan_recovered_at":                now.Format(time.RFC3339),
				"orphan_recovered_by_runner":          runnerID,
				"orphan_recovered_running_seconds":    runningSec,
				"orphan_recovered_threshold_seconds":  int(threshold.Seconds()),
			},
			WorkerID: &runnerID,
		})
		if updErr != nil {
			s.logger.Error("orphan_recovery_update_failed", "task_id", t.ID, "runner_id", runnerID, "error", updErr)
			continue
		}
		recovered++
		s.logger.Info("orphan_recovered", "task_id", t.ID, "runner_id", runnerID, "running_seconds", runningSec)
	}
	return recovered, nil
}

// runningSince resolves the instant a task's running-duration is measured
// from: started_at, falling back to updated_at then created_at.
func runningSince(t *store.Task) time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	if !t.UpdatedAt.IsZero() {
		return t.UpdatedAt
	}
	return t.CreatedAt
}
