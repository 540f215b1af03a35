package usage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCostForRuntimeDefaultRate(t *testing.T) {
	got := CostForRuntime(2000, 0)
	want := 2.0 * defaultCostPerSecond
	if got != want {
		t.Fatalf("CostForRuntime = %v, want %v", got, want)
	}
}

func TestCostForRuntimeCustomRate(t *testing.T) {
	got := CostForRuntime(500, 0.01)
	want := 0.005
	if got != want {
		t.Fatalf("CostForRuntime = %v, want %v", got, want)
	}
}

func TestCostForRuntimeNegativeClampsToZero(t *testing.T) {
	got := CostForRuntime(-100, 0.01)
	if got != 0 {
		t.Fatalf("CostForRuntime = %v, want 0", got)
	}
}

func TestRecorderRecordAndEvents(t *testing.T) {
	r := NewRecorder(nil)
	ev := Event{
		EventID:    "evt_1",
		RecordedAt: time.Unix(0, 0),
		Source:     "worker",
		Endpoint:   "tool:execute",
		StatusCode: 200,
		RuntimeMs:  1500,
		TaskID:     "task_abc",
		Model:      "gpt-5.3-codex",
		Provider:   "openai-codex",
	}
	r.Record(context.Background(), ev)

	events := r.Events()
	if len(events) != 1 || events[0].EventID != "evt_1" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestRecorderEventsReturnsCopy(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(context.Background(), Event{EventID: "evt_1"})
	events := r.Events()
	events[0].EventID = "mutated"

	fresh := r.Events()
	if fresh[0].EventID != "evt_1" {
		t.Fatalf("Events() leaked internal slice: got %q", fresh[0].EventID)
	}
}

func TestMarshalJSONLOneLinePerEvent(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(context.Background(), Event{EventID: "evt_1"})
	r.Record(context.Background(), Event{EventID: "evt_2"})

	out, err := r.MarshalJSONL()
	if err != nil {
		t.Fatalf("MarshalJSONL: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "evt_1") || !strings.Contains(lines[1], "evt_2") {
		t.Fatalf("unexpected JSONL content: %q", out)
	}
}
