package orphan

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/lifecycle"
	"github.com/agentrun/agentd/internal/routing"
	"github.com/agentrun/agentd/internal/store"
)

func newTestSweeper(t *testing.T) (*Sweeper, *lifecycle.Controller, *clock.Frozen) {
	t.Helper()
	frozen := &clock.Frozen{At: time.Unix(1700000000, 0).UTC()}
	s := store.NewMemory()
	ctrl := lifecycle.NewController(s, frozen, lifecycle.Env{
		Routing: routing.Env{
			PolicyEnabled: true,
			CheapDefault:  routing.ExecutorCursor,
			IsAvailable:   func(routing.Executor) bool { return true },
		},
	}, nil)
	sweeper := New(s, ctrl, frozen, Config{ThresholdSeconds: 1800, MaxRecoveries: 10}, nil)
	return sweeper, ctrl, frozen
}

// TestOnIdleHeartbeat_RecoversStaleRunningTask exercises the reclaim path:
// a task claimed by a runner for longer than the orphan threshold is failed
// once that runner heartbeats idle with no active task.
func TestOnIdleHeartbeat_RecoversStaleRunningTask(t *testing.T) {
	sweeper, ctrl, frozen := newTestSweeper(t)
	ctx := context.Background()

	task, err := ctrl.CreateTask(ctx, lifecycle.CreateInput{Direction: "long running work", Kind: store.KindImpl})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	running := store.StatusRunning
	workerID := "runner-1"
	if _, err := ctrl.UpdateTask(ctx, task.ID, lifecycle.UpdateInput{Status: &running, WorkerID: &workerID}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	frozen.Advance(3700 * time.Second)

	recovered, err := sweeper.OnIdleHeartbeat(ctx, "runner-1")
	if err != nil {
		t.Fatalf("OnIdleHeartbeat: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, err := ctrl.Store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Output, "Orphan:") {
		t.Fatalf("output = %q, want Orphan: prefix", got.Output)
	}
	if got.Context["orphan_recovered_by_runner"] != "runner-1" {
		t.Fatalf("orphan_recovered_by_runner missing: %+v", got.Context)
	}
	if got.Context["orphan_recovered_running_seconds"] != 3700 {
		t.Fatalf("orphan_recovered_running_seconds = %v, want 3700", got.Context["orphan_recovered_running_seconds"])
	}
	if got.Context["orphan_recovered_threshold_seconds"] != 1800 {
		t.Fatalf("orphan_recovered_threshold_seconds = %v, want 1800", got.Context["orphan_recovered_threshold_seconds"])
	}
}

func TestOnIdleHeartbeat_IgnoresTasksBelowThreshold(t *testing.T) {
	sweeper, ctrl, frozen := newTestSweeper(t)
	ctx := context.Background()

	task, _ := ctrl.CreateTask(ctx, lifecycle.CreateInput{Direction: "short work", Kind: store.KindImpl})
	running := store.StatusRunning
	workerID := "runner-2"
	ctrl.UpdateTask(ctx, task.ID, lifecycle.UpdateInput{Status: &running, WorkerID: &workerID})

	frozen.Advance(60 * time.Second)

	recovered, err := sweeper.OnIdleHeartbeat(ctx, "runner-2")
	if err != nil {
		t.Fatalf("OnIdleHeartbeat: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0 (below threshold)", recovered)
	}
}

func TestOnIdleHeartbeat_IgnoresOtherRunnersClaims(t *testing.T) {
	sweeper, ctrl, frozen := newTestSweeper(t)
	ctx := context.Background()

	task, _ := ctrl.CreateTask(ctx, lifecycle.CreateInput{Direction: "someone else's work", Kind: store.KindImpl})
	running := store.StatusRunning
	workerID := "runner-other"
	ctrl.UpdateTask(ctx, task.ID, lifecycle.UpdateInput{Status: &running, WorkerID: &workerID})

	frozen.Advance(3700 * time.Second)

	recovered, err := sweeper.OnIdleHeartbeat(ctx, "runner-me")
	if err != nil {
		t.Fatalf("OnIdleHeartbeat: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0 (different runner's claim)", recovered)
	}
}

func TestOnIdleHeartbeat_CapsAtMaxRecoveries(t *testing.T) {
	frozen := &clock.Frozen{At: time.Unix(1700000000, 0).UTC()}
	s := store.NewMemory()
	ctrl := lifecycle.NewController(s, frozen, lifecycle.Env{
		Routing: routing.Env{PolicyEnabled: true, CheapDefault: routing.ExecutorCursor, IsAvailable: func(routing.Executor) bool { return true }},
	}, nil)
	sweeper := New(s, ctrl, frozen, Config{ThresholdSeconds: 1800, MaxRecoveries: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task, _ := ctrl.CreateTask(ctx, lifecycle.CreateInput{Direction: "work", Kind: store.KindImpl})
		running := store.StatusRunning
		workerID := "runner-3"
		ctrl.UpdateTask(ctx, task.ID, lifecycle.UpdateInput{Status: &running, WorkerID: &workerID})
	}

	frozen.Advance(3700 * time.Second)
	recovered, err := sweeper.OnIdleHeartbeat(ctx, "runner-3")
	if err != nil {
		t.Fatalf("OnIdleHeartbeat: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("recovered = %d, want 2 (capped by MaxRecoveries)", recovered)
	}
}
