package store

import (
	"context"
	"testing"
	"time"
)

func newTask(id string, status TaskStatus, createdAt time.Time) *Task {
	return &Task{
		ID:        id,
		Direction: "do the thing",
		Kind:      KindImpl,
		Status:    status,
		Context:   map[string]any{},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	want := newTask("task_0000000000000001", StatusPending, time.Unix(1000, 0))
	if err := m.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := m.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.ID != want.ID || got.Status != StatusPending {
		t.Fatalf("Get returned %+v, want %+v", got, want)
	}

	// Mutating the returned task must not affect the stored copy.
	got.Status = StatusRunning
	reread, err := m.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reread.Status != StatusPending {
		t.Fatalf("store aliased caller's copy: got status %s", reread.Status)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	got, err := m.Get(context.Background(), "task_does_not_exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing task, got %+v", got)
	}
}

func TestMemoryListOrderingAndPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1000, 0)
	for i, id := range []string{"task_a", "task_b", "task_c"} {
		tk := newTask(id, StatusPending, base.Add(time.Duration(i)*time.Second))
		if err := m.Upsert(ctx, tk); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	items, total, err := m.List(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	// Newest first: task_c (t=1002) then task_b (t=1001).
	if items[0].ID != "task_c" || items[1].ID != "task_b" {
		t.Fatalf("unexpected order: %s, %s", items[0].ID, items[1].ID)
	}

	rest, _, err := m.List(ctx, ListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "task_a" {
		t.Fatalf("unexpected tail page: %+v", rest)
	}
}

func TestMemoryListFiltersByStatusAndKind(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1000, 0)

	pending := newTask("task_pending", StatusPending, base)
	pending.Kind = KindSpec
	running := newTask("task_running", StatusRunning, base.Add(time.Second))
	running.Kind = KindImpl

	if err := m.Upsert(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := m.Upsert(ctx, running); err != nil {
		t.Fatal(err)
	}

	items, total, err := m.List(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "task_running" {
		t.Fatalf("status filter returned %+v", items)
	}

	items, total, err = m.List(ctx, ListFilter{Kind: KindSpec})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].ID != "task_pending" {
		t.Fatalf("kind filter returned %+v", items)
	}
}

func TestMemoryCountByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Unix(1000, 0)
	_ = m.Upsert(ctx, newTask("task_1", StatusPending, base))
	_ = m.Upsert(ctx, newTask("task_2", StatusPending, base))
	_ = m.Upsert(ctx, newTask("task_3", StatusRunning, base))

	counts, err := m.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusRunning] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestMemoryDeleteAll(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Upsert(ctx, newTask("task_1", StatusPending, time.Unix(1000, 0)))

	if err := m.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	_, total, err := m.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d after DeleteAll, want 0", total)
	}
}
