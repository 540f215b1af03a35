package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentd.yaml")
	data := `
model_aliases:
  gtp-5.3-codex: gpt-5.3-codex
schedules:
  - name: nightly-heal
    cron: "0 3 * * *"
    direction: "  Re-check failed tasks  "
    task_type: heal
  - name: paused
    cron: "* * * * *"
    direction: noop
    task_type: impl
    disabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := LoadAgentFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.ModelAliases["gtp-5.3-codex"] != "gpt-5.3-codex" {
		t.Fatalf("aliases = %v", f.ModelAliases)
	}
	if len(f.Schedules) != 2 {
		t.Fatalf("schedules = %d, want 2", len(f.Schedules))
	}
	if f.Schedules[0].Direction != "Re-check failed tasks" {
		t.Fatalf("direction not trimmed: %q", f.Schedules[0].Direction)
	}
	if !f.Schedules[1].Disabled {
		t.Fatal("expected second schedule disabled")
	}
}

func TestLoadAgentFileMissing(t *testing.T) {
	f, err := LoadAgentFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error, got %v", err)
	}
	if len(f.ModelAliases) != 0 || len(f.Schedules) != 0 {
		t.Fatalf("expected empty agent file, got %+v", f)
	}
}

func TestLoadAgentFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	if err := os.WriteFile(path, []byte("schedules: {not: [a, list"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAgentFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMergeAliases(t *testing.T) {
	merged := MergeAliases(
		map[string]string{"a": "file-a", "b": "file-b"},
		map[string]string{"b": "env-b", "c": "env-c"},
	)
	if merged["a"] != "file-a" || merged["b"] != "env-b" || merged["c"] != "env-c" {
		t.Fatalf("merged = %v", merged)
	}

	env := map[string]string{"x": "y"}
	if got := MergeAliases(nil, env); len(got) != 1 || got["x"] != "y" {
		t.Fatalf("nil file aliases should pass env through, got %v", got)
	}
}
