package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	f1, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	tk := newTask("task_persisted", StatusCompleted, time.Unix(2000, 0))
	tk.Output = "done"
	if err := f1.Upsert(ctx, tk); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	f2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen OpenFile: %v", err)
	}
	got, err := f2.Get(ctx, "task_persisted")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got == nil || got.Output != "done" || got.Status != StatusCompleted {
		t.Fatalf("Get after reopen = %+v, want persisted task", got)
	}
}

func TestFileStoreOpenMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "tasks.json")

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_, total, err := f.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0 for a fresh store", total)
	}
}
