package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendAlert(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDispatcher_AlertsOnceEnteringFailed(t *testing.T) {
	fc := &clock.Frozen{At: time.Now().UTC()}
	sender := &fakeSender{}
	d := New(fc, nil, sender, nil, Config{})

	task := &store.Task{ID: "task_1", Status: store.StatusFailed, Direction: "do the thing", Output: "boom"}
	d.Notify(context.Background(), task)
	waitFor(t, func() bool { return sender.count() == 1 })

	// Same status again: no second alert.
	d.Notify(context.Background(), task)
	time.Sleep(20 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("sent = %d, want 1 (duplicate status must not re-alert)", got)
	}
}

func TestDispatcher_NeedsDecisionThenFailedBothAlert(t *testing.T) {
	fc := &clock.Frozen{At: time.Now().UTC()}
	sender := &fakeSender{}
	d := New(fc, nil, sender, nil, Config{})

	task := &store.Task{ID: "task_2", Status: store.StatusNeedsDecision, Context: map[string]any{"decision_prompt": "Approve deploy?"}}
	d.Notify(context.Background(), task)
	waitFor(t, func() bool { return sender.count() == 1 })

	task2 := *task
	task2.Status = store.StatusFailed
	task2.Output = "timed out"
	d.Notify(context.Background(), &task2)
	waitFor(t, func() bool { return sender.count() == 2 })
}

func TestDispatcher_FailedAlertRateLimited(t *testing.T) {
	fc := &clock.Frozen{At: time.Now().UTC()}
	sender := &fakeSender{}
	d := New(fc, nil, sender, nil, Config{Window: 30 * time.Minute, MaxPerWindow: 1})

	d.Notify(context.Background(), &store.Task{ID: "task_a", Status: store.StatusFailed, Output: "e1"})
	waitFor(t, func() bool { return sender.count() == 1 })

	// A different task also entering failed within the window is suppressed
	// by the shared rolling-window cap (default 1 per window).
	d.Notify(context.Background(), &store.Task{ID: "task_b", Status: store.StatusFailed, Output: "e2"})
	time.Sleep(20 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("sent = %d, want 1 (second failed alert should be rate-limited)", got)
	}

	// After the window elapses, alerts resume.
	fc.Advance(31 * time.Minute)
	d.Notify(context.Background(), &store.Task{ID: "task_c", Status: store.StatusFailed, Output: "e3"})
	waitFor(t, func() bool { return sender.count() == 2 })
}

func TestDispatcher_MessageIncludesTaskIDAndPrompt(t *testing.T) {
	task := &store.Task{
		ID:        "task_xyz",
		Status:    store.StatusNeedsDecision,
		Direction: "deploy to prod",
		Context:   map[string]any{"decision_prompt": "Approve deploy?"},
	}
	msg := renderMessage(task)
	if !strings.Contains(msg, "task_xyz") || !strings.Contains(msg, "Approve deploy?") {
		t.Fatalf("message missing task id or prompt: %q", msg)
	}
}
