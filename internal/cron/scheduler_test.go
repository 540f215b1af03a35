package cron

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/config"
	"github.com/agentrun/agentd/internal/lifecycle"
	"github.com/agentrun/agentd/internal/store"
)

type fakeCreator struct {
	created []lifecycle.CreateInput
}

func (f *fakeCreator) CreateTask(_ context.Context, in lifecycle.CreateInput) (*store.Task, error) {
	f.created = append(f.created, in)
	return &store.Task{ID: "task_0000000000000001", Direction: in.Direction, Kind: in.Kind}, nil
}

func newTestScheduler(t *testing.T, clk clock.Clock, defs []config.ScheduleDef) (*Scheduler, *fakeCreator) {
	t.Helper()
	creator := &fakeCreator{}
	s := NewScheduler(Config{
		Creator:   creator,
		Clock:     clk,
		Logger:    slog.Default(),
		Schedules: defs,
	})
	return s, creator
}

func TestSchedulerFiresWhenDue(t *testing.T) {
	clk := &clock.Frozen{At: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)}
	s, creator := newTestScheduler(t, clk, []config.ScheduleDef{
		{Name: "daily-review", Cron: "*/5 * * * *", Direction: "Review open tasks", TaskType: "review"},
	})
	if s.Len() != 1 {
		t.Fatalf("expected 1 schedule, got %d", s.Len())
	}

	// Not yet due: next run is 12:05:00.
	s.tick(context.Background())
	if len(creator.created) != 0 {
		t.Fatalf("expected no tasks before due time, got %d", len(creator.created))
	}

	clk.Advance(5 * time.Minute)
	s.tick(context.Background())
	if len(creator.created) != 1 {
		t.Fatalf("expected 1 task after due time, got %d", len(creator.created))
	}
	in := creator.created[0]
	if in.Direction != "Review open tasks" || in.Kind != store.KindReview {
		t.Fatalf("unexpected create input: %+v", in)
	}
	if in.Context["scheduled_by"] != "daily-review" {
		t.Fatalf("expected scheduled_by context, got %v", in.Context)
	}

	// Same instant again: the schedule already advanced, nothing new fires.
	s.tick(context.Background())
	if len(creator.created) != 1 {
		t.Fatalf("expected no duplicate fire, got %d tasks", len(creator.created))
	}
}

func TestSchedulerSkipsInvalidEntries(t *testing.T) {
	clk := &clock.Frozen{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, _ := newTestScheduler(t, clk, []config.ScheduleDef{
		{Name: "bad-expr", Cron: "not a cron", Direction: "x", TaskType: "impl"},
		{Name: "no-direction", Cron: "* * * * *", Direction: "", TaskType: "impl"},
		{Name: "disabled", Cron: "* * * * *", Direction: "x", TaskType: "impl", Disabled: true},
	})
	if s.Len() != 0 {
		t.Fatalf("expected all entries skipped, got %d", s.Len())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}
