// Package httpapi implements the REST surface: task CRUD, the
// attention/count views, route preview, and runner heartbeat/list — JSON
// in/out, status-code mapping from typed errors. Uses
// net/http.ServeMux's Go 1.22+ method-pattern routes ("POST /agent/tasks")
// rather than a third-party router; the endpoint contracts are the whole
// framing story here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentrun/agentd/internal/execadapter"
	"github.com/agentrun/agentd/internal/lifecycle"
	otelPkg "github.com/agentrun/agentd/internal/otel"
	"github.com/agentrun/agentd/internal/orphan"
	"github.com/agentrun/agentd/internal/routing"
	"github.com/agentrun/agentd/internal/runnerregistry"
	"github.com/agentrun/agentd/internal/shared"
	"github.com/agentrun/agentd/internal/store"
)

// API bundles the dependencies the handlers close over.
type API struct {
	Controller   *lifecycle.Controller
	Runners      runnerregistry.Registry
	Orphans      *orphan.Sweeper
	RouteEnv     routing.Env
	HTTPClient   execadapter.HTTPClient // nil means every execution falls to the codex-exec fallback
	DefaultModel string
	// Tracer wraps every handler in a server span (internal/otel/spans.go's
	// StartServerSpan); defaults to a no-op tracer, so callers that never
	// set it pay nothing.
	Tracer trace.Tracer
}

func (a *API) tracer() trace.Tracer {
	if a.Tracer != nil {
		return a.Tracer
	}
	return nooptrace.NewTracerProvider().Tracer("agentd")
}

// traced wraps h in a server span named after the route pattern. A
// trace_id is attached to the request context via internal/shared so
// handler-level logging (and anything downstream that calls
// shared.TraceID(ctx)) correlates with the span: the span's own trace ID
// when tracing is active, otherwise a fresh shared.NewTraceID() so the
// no-op-tracer path still gets a stable per-request identifier.
func (a *API) traced(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelPkg.StartServerSpan(r.Context(), a.tracer(), pattern)
		defer span.End()

		traceID := span.SpanContext().TraceID()
		if traceID.IsValid() {
			ctx = shared.WithTraceID(ctx, traceID.String())
		} else {
			ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r.WithContext(ctx))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		slog.Default().Debug("http_request",
			"trace_id", shared.TraceID(ctx),
			"route", pattern,
			"status", sw.status,
		)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Mux builds the ServeMux for the agent task/runner endpoints.
func (a *API) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/tasks", a.traced("POST /agent/tasks", a.handleCreateTask))
	mux.HandleFunc("GET /agent/tasks", a.traced("GET /agent/tasks", a.handleListTasks))
	mux.HandleFunc("GET /agent/tasks/attention", a.traced("GET /agent/tasks/attention", a.handleAttention))
	mux.HandleFunc("GET /agent/tasks/count", a.traced("GET /agent/tasks/count", a.handleCount))
	mux.HandleFunc("GET /agent/tasks/{id}", a.traced("GET /agent/tasks/{id}", a.handleGetTask))
	mux.HandleFunc("PATCH /agent/tasks/{id}", a.traced("PATCH /agent/tasks/{id}", a.handleUpdateTask))
	mux.HandleFunc("POST /agent/tasks/upsert-active", a.traced("POST /agent/tasks/upsert-active", a.handleUpsertActive))
	mux.HandleFunc("POST /agent/tasks/{id}/execute", a.traced("POST /agent/tasks/{id}/execute", a.handleExecuteTask))
	mux.HandleFunc("GET /agent/route", a.traced("GET /agent/route", a.handleRoute))
	mux.HandleFunc("POST /agent/runners/heartbeat", a.traced("POST /agent/runners/heartbeat", a.handleHeartbeat))
	mux.HandleFunc("GET /agent/runners", a.traced("GET /agent/runners", a.handleListRunners))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail ...string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// mapControllerErr maps a lifecycle error to its HTTP status.
func mapControllerErr(w http.ResponseWriter, err error) {
	var invalid *lifecycle.ErrInvalidInput
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, invalid.Detail...)
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrStatusInvalid):
		writeError(w, http.StatusConflict, "status transition not allowed")
	case errors.Is(err, lifecycle.ErrClaimFailed):
		writeError(w, http.StatusConflict, "claim failed")
	case errors.Is(err, lifecycle.ErrStorageUnavailable), errors.Is(err, lifecycle.ErrStorageSchema):
		writeError(w, http.StatusInternalServerError, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// taskCreateRequest is the POST /agent/tasks body.
type taskCreateRequest struct {
	Direction             string          `json:"direction"`
	TaskType              string          `json:"task_type"`
	Context               map[string]any  `json:"context,omitempty"`
	TargetState           string          `json:"target_state,omitempty"`
	SuccessEvidence       json.RawMessage `json:"success_evidence,omitempty"`
	AbortEvidence         json.RawMessage `json:"abort_evidence,omitempty"`
	ObservationWindowSec  *int            `json:"observation_window_sec,omitempty"`
}

// decodeEvidence accepts either a string[] or a single string, trims each
// entry, and drops empties.
func decodeEvidence(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return trimNonEmpty(list), nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return trimNonEmpty([]string{single}), nil
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	direction := strings.TrimSpace(req.Direction)
	var detail []string
	if direction == "" || len(req.Direction) > 5000 {
		detail = append(detail, "direction must be 1..5000 characters after trim")
	}
	if !store.IsValidKind(store.TaskKind(req.TaskType)) {
		detail = append(detail, "task_type must be one of "+strings.Join(kindStrings(), ", "))
	}
	if req.ObservationWindowSec != nil && (*req.ObservationWindowSec < 1 || *req.ObservationWindowSec > 604800) {
		detail = append(detail, "observation_window_sec must be within [1, 604800]")
	}
	successEvidence, err := decodeEvidence(req.SuccessEvidence)
	if err != nil {
		detail = append(detail, "success_evidence must be a string or string array")
	}
	abortEvidence, err := decodeEvidence(req.AbortEvidence)
	if err != nil {
		detail = append(detail, "abort_evidence must be a string or string array")
	}
	if len(detail) > 0 {
		writeError(w, http.StatusUnprocessableEntity, detail...)
		return
	}

	in := lifecycle.CreateInput{
		Direction:       req.Direction,
		Kind:            store.TaskKind(req.TaskType),
		Context:         req.Context,
		TargetState:     req.TargetState,
		SuccessEvidence: successEvidence,
		AbortEvidence:   abortEvidence,
	}
	if req.ObservationWindowSec != nil {
		in.ObservationWindowSec = *req.ObservationWindowSec
	}
	if card, ok := req.Context["task_card"].(map[string]any); ok {
		in.TaskCard = card
	}
	task, err := a.Controller.CreateTask(r.Context(), in)
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func kindStrings() []string {
	out := make([]string, 0, len(store.ValidKinds))
	for _, k := range store.ValidKinds {
		out = append(out, string(k))
	}
	return out
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Status: store.TaskStatus(q.Get("status")),
		Kind:   store.TaskKind(q.Get("task_type")),
	}
	f.Limit = parseIntDefault(q.Get("limit"), 20, 1, 100)
	f.Offset = parseIntDefault(q.Get("offset"), 0, 0, 1<<30)

	items, total, err := a.Controller.Store.List(r.Context(), f)
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": items, "total": total})
}

func (a *API) handleAttention(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20, 1, 100)

	failed, failedTotal, err := a.Controller.Store.List(r.Context(), store.ListFilter{Status: store.StatusFailed, Limit: limit})
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	needsDecision, needsTotal, err := a.Controller.Store.List(r.Context(), store.ListFilter{Status: store.StatusNeedsDecision, Limit: limit})
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	all := append(append([]*store.Task{}, failed...), needsDecision...)
	sortByCreatedAtDesc(all)
	if len(all) > limit {
		all = all[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": all, "total": failedTotal + needsTotal})
}

func (a *API) handleCount(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Controller.Store.CountByStatus(r.Context())
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "by_status": counts})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.Controller.Store.Get(r.Context(), id)
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// taskUpdateRequest is the PATCH /agent/tasks/{id} body; every field is
// optional, but at least one must be present.
type taskUpdateRequest struct {
	Status         *string        `json:"status,omitempty"`
	Output         *string        `json:"output,omitempty"`
	ProgressPct    *int           `json:"progress_pct,omitempty"`
	CurrentStep    *string        `json:"current_step,omitempty"`
	DecisionPrompt *string        `json:"decision_prompt,omitempty"`
	Decision       *string        `json:"decision,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	TargetState    *string        `json:"target_state,omitempty"`
	SuccessEvidence json.RawMessage `json:"success_evidence,omitempty"`
	AbortEvidence   json.RawMessage `json:"abort_evidence,omitempty"`
	ObservationWindowSec *int      `json:"observation_window_sec,omitempty"`
}

func (req taskUpdateRequest) empty() bool {
	return req.Status == nil && req.Output == nil && req.ProgressPct == nil &&
		req.CurrentStep == nil && req.DecisionPrompt == nil && req.Decision == nil &&
		req.Context == nil && req.WorkerID == nil && req.TargetState == nil &&
		len(req.SuccessEvidence) == 0 && len(req.AbortEvidence) == 0 && req.ObservationWindowSec == nil
}

func (a *API) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req taskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if req.empty() {
		writeError(w, http.StatusBadRequest, "patch must include at least one field")
		return
	}

	// Everything is decoded and validated before the Controller write so a
	// bad patch never half-applies (and never fires an alert for a
	// transition that is about to be rejected).
	successEvidence, err := decodeEvidence(req.SuccessEvidence)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "success_evidence must be a string or string array")
		return
	}
	abortEvidence, err := decodeEvidence(req.AbortEvidence)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "abort_evidence must be a string or string array")
		return
	}

	in := lifecycle.UpdateInput{
		Output:               req.Output,
		ProgressPct:          req.ProgressPct,
		CurrentStep:          req.CurrentStep,
		DecisionPrompt:       req.DecisionPrompt,
		Decision:             req.Decision,
		WorkerID:             req.WorkerID,
		ContextPatch:         req.Context,
		TargetState:          req.TargetState,
		SuccessEvidence:      successEvidence,
		AbortEvidence:        abortEvidence,
		ObservationWindowSec: req.ObservationWindowSec,
	}
	if req.Status != nil {
		status := store.TaskStatus(*req.Status)
		in.Status = &status
	}

	t, err := a.Controller.UpdateTask(r.Context(), id, in)
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type upsertActiveRequest struct {
	SessionKey string         `json:"session_key"`
	Direction  string         `json:"direction"`
	TaskType   string         `json:"task_type"`
	WorkerID   string         `json:"worker_id"`
	Context    map[string]any `json:"context,omitempty"`
}

func (a *API) handleUpsertActive(w http.ResponseWriter, r *http.Request) {
	var req upsertActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" || !store.IsValidKind(store.TaskKind(req.TaskType)) {
		writeError(w, http.StatusUnprocessableEntity, "session_key and a valid task_type are required")
		return
	}
	result, err := a.Controller.UpsertActive(r.Context(), lifecycle.UpsertActiveInput{
		SessionKey: req.SessionKey,
		Direction:  req.Direction,
		Kind:       store.TaskKind(req.TaskType),
		WorkerID:   req.WorkerID,
		Context:    req.Context,
	})
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": result.Created, "task": result.Task})
}

// executeRequest is the optional POST /agent/tasks/{id}/execute body.
type executeRequest struct {
	WorkerID           string  `json:"worker_id,omitempty"`
	ForcePaidProviders bool    `json:"force_paid_providers,omitempty"`
	MaxCostUSD         float64 `json:"max_cost_usd,omitempty"`
	EstimatedCostUSD   float64 `json:"estimated_cost_usd,omitempty"`
	CostSlackRatio     float64 `json:"cost_slack_ratio,omitempty"`
}

func (a *API) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := a.Controller.Store.Get(r.Context(), id)
	if err != nil {
		mapControllerErr(w, err)
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req executeRequest
	if r.Body != nil {
		// The body is optional; anything present must decode.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
			return
		}
	}
	if req.MaxCostUSD < 0 || req.EstimatedCostUSD < 0 || req.CostSlackRatio < 0 {
		writeError(w, http.StatusUnprocessableEntity, "cost fields must be non-negative")
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = strings.TrimSpace(r.Header.Get("X-Worker-ID"))
	}
	opts := lifecycle.ExecOptions{
		WorkerID:           req.WorkerID,
		ForcePaidProviders: req.ForcePaidProviders,
		MaxCostUSD:         req.MaxCostUSD,
		EstimatedCostUSD:   req.EstimatedCostUSD,
		CostSlackRatio:     req.CostSlackRatio,
	}
	// Execution itself talks to an external provider; dispatch it off the
	// request goroutine so the endpoint can return 202 immediately, the
	// same "don't delay the caller on transport I/O" rule alert dispatch
	// follows. The request context dies with the handler, so the background
	// run gets a fresh one.
	go func() {
		_, _ = a.Controller.ExecuteWithOptions(context.Background(), id, opts, a.HTTPClient, a.DefaultModel)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "task_id": id})
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	taskType := q.Get("task_type")
	if !store.IsValidKind(store.TaskKind(taskType)) {
		writeError(w, http.StatusUnprocessableEntity, "task_type must be one of "+strings.Join(kindStrings(), ", "))
		return
	}
	decision := routing.Route(routing.TaskKind(taskType), "", q.Get("executor"), "", a.RouteEnv)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_type":        taskType,
		"model":            decision.Model,
		"command_template": decision.CommandTemplate,
		"tier":             decision.Tier,
		"executor":         decision.Executor,
		"provider":         decision.Provider,
		"billing_provider": decision.BillingProvider,
		"is_paid_provider": decision.IsPaidProvider,
	})
}

type heartbeatRequest struct {
	RunnerID     string         `json:"runner_id"`
	Status       string         `json:"status"`
	LeaseSeconds int            `json:"lease_seconds"`
	Host         string         `json:"host,omitempty"`
	PID          int            `json:"pid,omitempty"`
	Version      string         `json:"version,omitempty"`
	ActiveTaskID string         `json:"active_task_id,omitempty"`
	ActiveRunID  string         `json:"active_run_id,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RunnerID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "runner_id is required")
		return
	}
	now := a.Controller.Clock.Now()
	runner, err := a.Runners.Heartbeat(r.Context(), now, runnerregistry.HeartbeatInput{
		RunnerID:     req.RunnerID,
		Status:       req.Status,
		LeaseSeconds: req.LeaseSeconds,
		Host:         req.Host,
		PID:          req.PID,
		Version:      req.Version,
		ActiveTaskID: req.ActiveTaskID,
		ActiveRunID:  req.ActiveRunID,
		LastError:    req.LastError,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "runner registry unavailable")
		return
	}

	if req.Status == "idle" && strings.TrimSpace(req.ActiveTaskID) == "" && a.Orphans != nil {
		if _, err := a.Orphans.OnIdleHeartbeat(r.Context(), req.RunnerID); err != nil {
			// Orphan recovery failures never fail the heartbeat itself —
			// the runner still successfully reported in.
		}
	}

	writeJSON(w, http.StatusOK, runner)
}

func (a *API) handleListRunners(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeStale := q.Get("include_stale") == "1" || q.Get("include_stale") == "true"
	limit := parseIntDefault(q.Get("limit"), 0, 0, 1<<30)
	now := a.Controller.Clock.Now()
	runners, err := a.Runners.List(r.Context(), now, runnerregistry.ListFilter{IncludeStale: includeStale, Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "runner registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners, "total": len(runners)})
}

func parseIntDefault(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func sortByCreatedAtDesc(items []*store.Task) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].CreatedAt.After(items[j-1].CreatedAt); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
