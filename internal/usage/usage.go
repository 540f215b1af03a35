// Package usage implements the Usage Recorder (C7): an append-only event
// log for executions and task completions, following a per-model cost
// table idiom for its pricing lookups and an OTel instrument-construction
// shape for its metric mirroring, extended with a runtime-seconds cost
// formula for the subprocess execution path.
package usage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Event is one append-only usage record: a provider call or subprocess
// run with its timing, token counts, and computed runtime cost.
type Event struct {
	EventID    string    `json:"event_id"`
	RecordedAt time.Time `json:"recorded_at"`
	Source     string    `json:"source"` // always "worker"
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code"`
	RuntimeMs  int64     `json:"runtime_ms"`

	TaskID            string  `json:"task_id"`
	Model             string  `json:"model"`
	Provider          string  `json:"provider"`
	IsPaidProvider    bool    `json:"is_paid_provider"`
	PromptTokens      int     `json:"prompt_tokens"`
	CompletionTokens  int     `json:"completion_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	ProviderRequestID string  `json:"provider_request_id,omitempty"`
	ResponseID        string  `json:"response_id,omitempty"`
	Error             string  `json:"error,omitempty"`
	RuntimeCostUSD    float64 `json:"runtime_cost_usd"`
}

// defaultCostPerSecond is the $0.002/s fallback, overridable via
// RUNTIME_COST_PER_SECOND (wired through internal/config).
const defaultCostPerSecond = 0.002

// CostForRuntime computes runtime_cost_usd = runtime_ms/1000 * costPerSecond,
// used by the subprocess execution path where no per-token provider price
// applies.
func CostForRuntime(runtimeMs int64, costPerSecond float64) float64 {
	if costPerSecond <= 0 {
		costPerSecond = defaultCostPerSecond
	}
	if runtimeMs < 0 {
		runtimeMs = 0
	}
	return float64(runtimeMs) / 1000.0 * costPerSecond
}

// Recorder appends Events to an in-process log and mirrors them into
// OpenTelemetry instruments. It never blocks execution on recording
// failures; Record swallows append errors from the log, treating usage
// audit logging as best-effort.
type Recorder struct {
	mu  sync.Mutex
	log []Event

	metrics *Metrics
}

// Metrics holds the OpenTelemetry instruments populated from every
// recorded Event.
type Metrics struct {
	TaskDuration    metric.Float64Histogram
	LLMCallDuration metric.Float64Histogram
	TokensUsed      metric.Int64Counter
}

// NewMetrics builds the instruments this package records into.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.TaskDuration, err = meter.Float64Histogram("agentd.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("agentd.llm.duration",
		metric.WithDescription("LLM provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("agentd.llm.tokens",
		metric.WithDescription("Total tokens consumed across provider calls"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRecorder returns a Recorder; metrics may be nil in tests.
func NewRecorder(metrics *Metrics) *Recorder {
	return &Recorder{metrics: metrics}
}

// Record appends ev to the log and, if instruments were wired, records the
// matching otel measurements.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	r.mu.Lock()
	r.log = append(r.log, ev)
	r.mu.Unlock()

	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes()
	r.metrics.LLMCallDuration.Record(ctx, float64(ev.RuntimeMs)/1000.0, attrs)
	if ev.TotalTokens > 0 {
		r.metrics.TokensUsed.Add(ctx, int64(ev.TotalTokens), attrs)
	}
}

// RecordTaskDuration records a completed task's wall-clock duration,
// independent of any single provider call (a task may retry through
// several).
func (r *Recorder) RecordTaskDuration(ctx context.Context, seconds float64) {
	if r.metrics == nil {
		return
	}
	r.metrics.TaskDuration.Record(ctx, seconds)
}

// Events returns a snapshot copy of the recorded log, newest last.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.log))
	copy(out, r.log)
	return out
}

// MarshalJSONL renders the log as newline-delimited JSON, the append-only
// on-disk shape for usage events.
func (r *Recorder) MarshalJSONL() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, ev := range r.log {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}
