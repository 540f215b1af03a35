package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a TaskStore that persists the whole task set as one JSON document,
// rewritten atomically on every Upsert/DeleteAll. It exists for the
// single-binary / no-CGO deployment mode where sqlite3's cgo dependency is
// undesirable; durability and query semantics otherwise match Memory.
//
// Open MkdirAlls the parent directory before opening the backing file; the
// atomic-rename write here takes the place of SQLite's own WAL durability
// since encoding/json offers none of its own.
type File struct {
	mu   sync.Mutex
	path string
	mem  *Memory
}

type fileDoc struct {
	Tasks []*Task `json:"tasks"`
}

// OpenFile loads path into memory (or starts empty if it does not exist) and
// returns a File store that persists every mutation back to it.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	f := &File{path: path, mem: NewMemory()}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	if len(raw) == 0 {
		return f, nil
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrSchema, path, err)
	}
	for _, t := range doc.Tasks {
		f.mem.tasks[t.ID] = t
	}
	return f, nil
}

func (f *File) Get(ctx context.Context, id string) (*Task, error) {
	return f.mem.Get(ctx, id)
}

func (f *File) List(ctx context.Context, filter ListFilter) ([]*Task, int, error) {
	return f.mem.List(ctx, filter)
}

func (f *File) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	return f.mem.CountByStatus(ctx)
}

func (f *File) Upsert(ctx context.Context, t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.Upsert(ctx, t); err != nil {
		return err
	}
	return f.flushLocked()
}

func (f *File) DeleteAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mem.DeleteAll(ctx); err != nil {
		return err
	}
	return f.flushLocked()
}

func (f *File) flushLocked() error {
	f.mem.mu.RLock()
	doc := fileDoc{Tasks: make([]*Task, 0, len(f.mem.tasks))}
	for _, t := range f.mem.tasks {
		doc.Tasks = append(doc.Tasks, t)
	}
	f.mem.mu.RUnlock()

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store document: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrUnavailable, f.path, err)
	}
	return nil
}
