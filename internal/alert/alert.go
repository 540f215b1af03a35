// Package alert implements the alert dispatcher: at-most-one outbound
// chat alert per (TaskID, entering failed/needs_decision transition), plus
// a rolling-window cap on "failed" alerts. The suppression window is a
// sliding-window counter (a slice of timestamps pruned on read);
// internal/bus.Bus supplies the in-process pub/sub plumbing that feeds
// background dispatch, chosen over a raw channel because the bus already
// gives non-blocking, multi-subscriber delivery with drop accounting.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentrun/agentd/internal/bus"
	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/store"
)

const (
	// TopicAlertRaised is published once per task entering an alertable
	// state; internal/chatadapter subscribes to it to perform the actual
	// send, keeping transport I/O off the Controller's write path.
	TopicAlertRaised = "agent.alert.raised"

	defaultWindow     = 30 * time.Minute
	defaultMaxPerWindow = 1

	directionExcerptChars = 80
)

// RaisedAlert is the payload published on TopicAlertRaised.
type RaisedAlert struct {
	TaskID         string
	Status         store.TaskStatus
	Message        string
	DecisionPrompt string
}

// Sender is the narrow outbound capability the Dispatcher needs; satisfied
// by internal/chatadapter.Adapter's SendAlert method, kept as an interface
// here so alert has no direct dependency on the chat transport package.
type Sender interface {
	SendAlert(ctx context.Context, message string) error
}

// Dispatcher tracks per-task last-alerted status (alert idempotence) and
// a rolling window of "failed" alert timestamps (the rate limit), then
// either sends synchronously through Bus (best-effort,
// non-blocking per bus.Publish's own semantics) or directly through Sender
// when one is set.
type Dispatcher struct {
	mu     sync.Mutex
	clock  clock.Clock
	bus    *bus.Bus
	sender Sender
	logger *slog.Logger

	window       time.Duration
	maxPerWindow int

	lastAlerted  map[string]store.TaskStatus // taskID -> last alerted status
	failedAlerts []time.Time                 // ring of recent "failed" alert timestamps, pruned on read
}

// Config configures window/cap overrides; zero values take the defaults
// (30 min window, 1 failed alert per window).
type Config struct {
	Window       time.Duration
	MaxPerWindow int
}

// New builds a Dispatcher. b may be nil (alerts then only go through
// sender, if set); sender may be nil (alerts then only publish on b).
func New(c clock.Clock, b *bus.Bus, sender Sender, logger *slog.Logger, cfg Config) *Dispatcher {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	maxPerWindow := cfg.MaxPerWindow
	if maxPerWindow <= 0 {
		maxPerWindow = defaultMaxPerWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		clock:        c,
		bus:          b,
		sender:       sender,
		logger:       logger,
		window:       window,
		maxPerWindow: maxPerWindow,
		lastAlerted:  make(map[string]store.TaskStatus),
	}
}

// Notify implements lifecycle.AlertNotifier. It is called once per entering
// transition into failed/needs_decision; idempotence and the failed-alert
// rate limit are enforced here, before any transport send is attempted.
func (d *Dispatcher) Notify(ctx context.Context, t *store.Task) {
	if t == nil {
		return
	}
	msg, suppressed := d.prepare(t)
	if msg == "" {
		return
	}
	if suppressed {
		d.logger.Info("alert_suppressed_rate_limit", "task_id", t.ID, "status", t.Status)
		return
	}
	d.dispatch(ctx, t, msg)
}

// prepare returns ("", false) if this transition should not alert at all
// (duplicate status), or (message, true) if it matches but is rate-limited,
// or (message, false) when it should actually send.
func (d *Dispatcher) prepare(t *store.Task) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastAlerted[t.ID] == t.Status {
		return "", false
	}
	d.lastAlerted[t.ID] = t.Status

	msg := renderMessage(t)

	if t.Status != store.StatusFailed {
		return msg, false
	}

	now := d.clock.Now()
	d.pruneFailedAlertsLocked(now)
	if len(d.failedAlerts) >= d.maxPerWindow {
		return msg, true
	}
	d.failedAlerts = append(d.failedAlerts, now)
	return msg, false
}

func (d *Dispatcher) pruneFailedAlertsLocked(now time.Time) {
	cutoff := now.Add(-d.window)
	kept := d.failedAlerts[:0]
	for _, ts := range d.failedAlerts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.failedAlerts = kept
}

// dispatch performs the actual send as a background task so the caller's
// PATCH response is never delayed by transport latency.
func (d *Dispatcher) dispatch(ctx context.Context, t *store.Task, msg string) {
	payload := RaisedAlert{
		TaskID:         t.ID,
		Status:         t.Status,
		Message:        msg,
		DecisionPrompt: View(t).decisionPrompt(),
	}
	if d.bus != nil {
		d.bus.Publish(TopicAlertRaised, payload)
	}
	if d.sender == nil {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.sender.SendAlert(sendCtx, msg); err != nil {
			d.logger.Warn("alert_send_failed", "task_id", t.ID, "error", err)
		}
	}()
	_ = ctx
}

// renderMessage builds the Markdown-safe alert body: a first-line status
// badge, a truncated direction, the task id, and an optional decision
// prompt.
func renderMessage(t *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", t.Status)
	fmt.Fprintf(&b, "Task: `%s`\n", t.ID)
	fmt.Fprintf(&b, "Direction: %s\n", excerptDirection(t.Direction))
	if prompt := View(t).decisionPrompt(); prompt != "" {
		fmt.Fprintf(&b, "Decision: %s\n", prompt)
	}
	if t.Status == store.StatusFailed && t.Output != "" {
		fmt.Fprintf(&b, "Output: %s\n", excerptDirection(t.Output))
	}
	return b.String()
}

func excerptDirection(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= directionExcerptChars {
		return s
	}
	return s[:directionExcerptChars] + "…"
}

// taskContextView is a tiny local substitute for lifecycle.View, avoiding an
// internal/lifecycle import (which would cycle back through AlertNotifier).
type taskContextView struct {
	m map[string]any
}

func View(t *store.Task) taskContextView {
	return taskContextView{m: t.Context}
}

func (v taskContextView) decisionPrompt() string {
	if v.m == nil {
		return ""
	}
	s, _ := v.m["decision_prompt"].(string)
	return s
}
