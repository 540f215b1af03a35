package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/retry"
	"github.com/agentrun/agentd/internal/routing"
	"github.com/agentrun/agentd/internal/store"
	"github.com/agentrun/agentd/internal/usage"
)

const (
	outputMaxChars      = 1200
	truncatedSuffix     = "...[truncated]"
	failureExcerptChars = 300

	maxTargetStateChars     = 600
	minObservationWindowSec = 1
	maxObservationWindowSec = 604800
)

// allowedTransitions is a from-to gate enforced before any status write
// commits.
var allowedTransitions = map[store.TaskStatus]map[store.TaskStatus]struct{}{
	store.StatusPending: {
		store.StatusRunning: {},
	},
	store.StatusRunning: {
		store.StatusCompleted:     {},
		store.StatusFailed:        {},
		store.StatusNeedsDecision: {},
		store.StatusRunning:       {}, // retry re-enters running
		store.StatusPending:       {}, // retry re-enqueue
	},
	store.StatusNeedsDecision: {
		store.StatusRunning: {},
	},
	store.StatusFailed: {
		store.StatusPending: {}, // operator-initiated re-execute
	},
}

func canTransition(from, to store.TaskStatus) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Env bundles the routing/retry policy knobs a Controller needs, resolved
// once at startup from config.
type Env struct {
	Routing            routing.Env
	AllowPaidProviders bool
	AutoRetryOpenAI    bool
	RetryModelOverride string
	RetryMaxDefault    *int
	OutputMaxChars     int
	CostPerSecond      float64
}

// Controller is the sole writer of Task state. It composes the Task Store
// with the pure routing/retry policies and the execution adapter, gating
// every status change through allowedTransitions and applying merge-patch
// semantics on update.
type Controller struct {
	Store  store.TaskStore
	Clock  clock.Clock
	Env    Env
	Usage  *usage.Recorder
	Alerts AlertNotifier
	// Tracer wraps each execution-adapter call in a client span (see
	// Execute's runOnce); defaults to a no-op tracer so callers that don't
	// wire OpenTelemetry pay nothing and need no nil checks.
	Tracer trace.Tracer

	// taskLocks serializes the Get → mutate → Upsert sequence per TaskID so
	// two concurrent UpdateTask calls for the same task are totally ordered
	// and the later one observes the earlier one's effect.
	taskLocks sync.Map // TaskID → *sync.Mutex
}

// lockTask acquires the per-task write lock and returns its unlock func.
func (c *Controller) lockTask(id string) func() {
	v, _ := c.taskLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// AlertNotifier is the Controller's dependency on the Alert Dispatcher
// (C10), kept as a narrow interface here so internal/lifecycle never
// imports internal/alert (which itself depends on internal/store for the
// Task type it receives — importing it back would cycle). internal/alert's
// Dispatcher satisfies this.
type AlertNotifier interface {
	// Notify is called once per entering transition into failed or
	// needs_decision; it must not block the caller on transport I/O.
	Notify(ctx context.Context, t *store.Task)
}

// NewController wires a Controller from its dependencies.
func NewController(s store.TaskStore, c clock.Clock, env Env, rec *usage.Recorder) *Controller {
	return &Controller{
		Store:  s,
		Clock:  c,
		Env:    env,
		Usage:  rec,
		Tracer: nooptrace.NewTracerProvider().Tracer("agentd"),
	}
}

// CreateInput is the validated payload for CreateTask.
type CreateInput struct {
	Direction       string
	Kind            store.TaskKind
	ExecutorOverride string
	ScopeHint       string
	TaskCard        map[string]any
	Context         map[string]any

	TargetState          string
	SuccessEvidence      []string
	AbortEvidence        []string
	ObservationWindowSec int
}

// requiredTaskCardFields is the completeness scoring set for task cards.
var requiredTaskCardFields = []string{"goal", "files_allowed", "done_when", "commands", "constraints"}

func validateTaskCard(card map[string]any) TaskCardValidation {
	v := TaskCardValidation{}
	for _, field := range requiredTaskCardFields {
		if raw, ok := card[field]; ok && !isEmptyCardValue(raw) {
			v.Present = append(v.Present, field)
		} else {
			v.Missing = append(v.Missing, field)
		}
	}
	v.Score = 1 - float64(len(v.Missing))/float64(len(requiredTaskCardFields))
	return v
}

func isEmptyCardValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

// CreateTask validates the input, resolves the route, scores the task card
// (if supplied), and persists a new task in pending status.
func (c *Controller) CreateTask(ctx context.Context, in CreateInput) (*store.Task, error) {
	var detail []string
	if strings.TrimSpace(in.Direction) == "" {
		detail = append(detail, "direction must not be empty")
	}
	if !store.IsValidKind(in.Kind) {
		detail = append(detail, fmt.Sprintf("task_type must be one of %v", store.ValidKinds))
	}
	if len(in.TargetState) > maxTargetStateChars {
		detail = append(detail, "target_state must be at most 600 characters")
	}
	if in.ObservationWindowSec != 0 && (in.ObservationWindowSec < minObservationWindowSec || in.ObservationWindowSec > maxObservationWindowSec) {
		detail = append(detail, "observation_window_sec must be within [1, 604800]")
	}
	if len(detail) > 0 {
		return nil, NewInvalidInput(detail...)
	}

	decision := routing.Route(routing.TaskKind(in.Kind), in.Direction, in.ExecutorOverride, in.ScopeHint, c.Env.Routing)

	now := c.Clock.Now()
	contextMap := in.Context
	if contextMap == nil {
		contextMap = map[string]any{}
	}
	cv := View(contextMap)
	cv.SetRouteDecisionSnapshot(RouteDecisionSnapshot{
		Executor:        string(decision.Executor),
		Model:           decision.Model,
		CommandTemplate: decision.CommandTemplate,
		Tier:            decision.Tier,
		Provider:        decision.Provider,
		BillingProvider: decision.BillingProvider,
		IsPaidProvider:  decision.IsPaidProvider,
	})
	if decision.PolicyReason != "" {
		cv.SetExecutorPolicyReason(decision.PolicyReason)
	}
	if in.TaskCard != nil {
		contextMap[keyTaskCard] = in.TaskCard
		cv.SetTaskCardValidation(validateTaskCard(in.TaskCard))
	}

	t := &store.Task{
		ID:        clock.NewTaskID(),
		Direction: in.Direction,
		Kind:      in.Kind,
		Status:    store.StatusPending,
		Model:     decision.Model,
		Command:   routing.ApplyModelOverride(decision.CommandTemplate, decision.Model),
		Tier:      decision.Tier,
		Context:   contextMap,

		TargetState:          in.TargetState,
		SuccessEvidence:      in.SuccessEvidence,
		AbortEvidence:        in.AbortEvidence,
		ObservationWindowSec: in.ObservationWindowSec,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.Store.Upsert(ctx, t); err != nil {
		return nil, wrapStoreErr(err)
	}
	return t, nil
}

// UpdateInput is the merge-patch shape accepted by UpdateTask; only
// non-nil fields are applied.
type UpdateInput struct {
	Status       *store.TaskStatus
	Output       *string
	Model        *string
	ProgressPct  *int
	CurrentStep  *string
	DecisionPrompt *string
	Decision     *string
	WorkerID     *string
	ContextPatch map[string]any

	TargetState          *string
	SuccessEvidence      []string // nil means "not supplied"
	AbortEvidence        []string
	ObservationWindowSec *int
}

// validate rejects out-of-range fields before any state is read or
// mutated, so a bad patch never half-applies.
func (in UpdateInput) validate() error {
	var detail []string
	if in.ProgressPct != nil && (*in.ProgressPct < 0 || *in.ProgressPct > 100) {
		detail = append(detail, "progress_pct must be within [0, 100]")
	}
	if in.TargetState != nil && len(*in.TargetState) > maxTargetStateChars {
		detail = append(detail, "target_state must be at most 600 characters")
	}
	if in.ObservationWindowSec != nil && (*in.ObservationWindowSec < minObservationWindowSec || *in.ObservationWindowSec > maxObservationWindowSec) {
		detail = append(detail, "observation_window_sec must be within [1, 604800]")
	}
	if len(detail) > 0 {
		return NewInvalidInput(detail...)
	}
	return nil
}

// UpdateTask applies a merge patch to a task, enforcing the state machine,
// backfilling started_at, truncating output, and synthesizing a failure
// diagnostic when a task reaches failed with no explicit output. The whole
// read-modify-write runs under the task's write lock.
func (c *Controller) UpdateTask(ctx context.Context, id string, in UpdateInput) (*store.Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	defer c.lockTask(id)()

	t, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if t == nil {
		return nil, ErrNotFound
	}

	now := c.Clock.Now()
	priorStatus := t.Status
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	cv := View(t.Context)

	if in.ContextPatch != nil {
		for k, v := range in.ContextPatch {
			t.Context[k] = v
		}
	}

	if in.Decision != nil && t.Status == store.StatusNeedsDecision {
		t.Status = store.StatusRunning
		cv.SetDecision(*in.Decision)
	} else if in.Decision != nil && cv.Decision() == "" {
		cv.SetDecision(*in.Decision)
	}

	if in.Status != nil && *in.Status != t.Status {
		if !canTransition(t.Status, *in.Status) {
			return nil, ErrStatusInvalid
		}
		t.Status = *in.Status
	}
	if t.Status == store.StatusRunning && t.StartedAt == nil {
		startedAt := now
		t.StartedAt = &startedAt
	}

	if in.Output != nil {
		t.Output = truncateOutput(*in.Output, c.outputMaxChars())
	}
	if in.Model != nil {
		t.Model = *in.Model
	}
	if in.ProgressPct != nil {
		cv.SetProgressPct(*in.ProgressPct)
	}
	if in.CurrentStep != nil {
		cv.SetCurrentStep(*in.CurrentStep)
	}
	if in.DecisionPrompt != nil {
		cv.SetDecisionPrompt(*in.DecisionPrompt)
	}
	if in.WorkerID != nil {
		cv.SetWorkerID(*in.WorkerID)
		t.ClaimedBy = *in.WorkerID
		if t.Status == store.StatusRunning && t.ClaimedAt == nil {
			claimedAt := now
			t.ClaimedAt = &claimedAt
		}
	}
	if in.TargetState != nil {
		t.TargetState = *in.TargetState
	}
	if in.SuccessEvidence != nil {
		t.SuccessEvidence = in.SuccessEvidence
	}
	if in.AbortEvidence != nil {
		t.AbortEvidence = in.AbortEvidence
	}
	if in.ObservationWindowSec != nil {
		t.ObservationWindowSec = *in.ObservationWindowSec
	}

	enteringAlertState := (t.Status == store.StatusFailed || t.Status == store.StatusNeedsDecision) &&
		t.Status != priorStatus

	if t.Status == store.StatusFailed && strings.TrimSpace(t.Output) == "" {
		c.backfillFailureOutput(t, cv)
	}
	t.UpdatedAt = now
	if err := c.Store.Upsert(ctx, t); err != nil {
		return nil, wrapStoreErr(err)
	}
	if (t.Status == store.StatusCompleted || t.Status == store.StatusFailed) && t.Status != priorStatus {
		c.recordTaskDuration(ctx, t, now)
	}
	if enteringAlertState && c.Alerts != nil {
		c.Alerts.Notify(ctx, t)
	}
	return t, nil
}

func (c *Controller) outputMaxChars() int {
	if c.Env.OutputMaxChars > 0 {
		return c.Env.OutputMaxChars
	}
	return outputMaxChars
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + truncatedSuffix
}

// backfillFailureOutput synthesizes a diagnostic message when a task
// lands in failed status with no explicit output, preferring the caller's
// context.error over the generic fallback sentence.
func (c *Controller) backfillFailureOutput(t *store.Task, cv Ctx) {
	contextErr := cv.Error()
	var output string
	var source FailureDiagnosticsSource
	if strings.TrimSpace(contextErr) != "" {
		output = "Failure diagnostic (context.error): " + excerptForFailure(contextErr)
		source = DiagnosticsSourceContextError
	} else {
		output = "Task failed without explicit error output. " + excerptForFailure(t.Output)
		source = DiagnosticsSourceFallback
	}
	t.Output = truncateOutput(output, c.outputMaxChars())
	t.Context["failure_diagnostics_present"] = true
	cv.SetFailureDiagnosticsSource(source)
	cv.SetFailureReasonBucket(FailureReasonBucket(retry.DeriveFailureReasonBucket(contextErr)))
}

func excerptForFailure(s string) string {
	cleaned := strings.Join(strings.Fields(s), " ")
	if len(cleaned) > failureExcerptChars {
		cleaned = cleaned[:failureExcerptChars]
	}
	return cleaned
}

// UpsertActiveInput is the payload for UpsertActive.
type UpsertActiveInput struct {
	SessionKey      string
	Direction       string
	Kind            store.TaskKind
	WorkerID        string
	ExecutorOverride string
	ScopeHint       string
	Context         map[string]any
}

// UpsertActiveResult reports whether a new task was created or an existing
// one reused, for the HTTP layer's response shape.
type UpsertActiveResult struct {
	Task    *store.Task
	Created bool
}

// UpsertActive finds a non-terminal task already tracking SessionKey and
// reuses it (reclaiming the lease for WorkerID), or creates a new one
// already transitioned to running — the one-task-per-session-key
// idempotency behind the upsert-active HTTP endpoint.
func (c *Controller) UpsertActive(ctx context.Context, in UpsertActiveInput) (*UpsertActiveResult, error) {
	if strings.TrimSpace(in.SessionKey) == "" {
		return nil, NewInvalidInput("session_key must not be empty")
	}

	items, _, err := c.Store.List(ctx, store.ListFilter{Limit: 0})
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	for _, existing := range items {
		if existing.Context == nil {
			continue
		}
		if View(existing.Context).SessionKey() != in.SessionKey {
			continue
		}
		if existing.Status == store.StatusCompleted || existing.Status == store.StatusFailed {
			continue
		}
		worker := in.WorkerID
		updated, err := c.UpdateTask(ctx, existing.ID, UpdateInput{WorkerID: &worker})
		if err != nil {
			return nil, err
		}
		return &UpsertActiveResult{Task: updated, Created: false}, nil
	}

	ctxMap := in.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	View(ctxMap).SetSessionKey(in.SessionKey)
	t, err := c.CreateTask(ctx, CreateInput{
		Direction:        in.Direction,
		Kind:             in.Kind,
		ExecutorOverride: in.ExecutorOverride,
		ScopeHint:        in.ScopeHint,
		Context:          ctxMap,
	})
	if err != nil {
		return nil, err
	}
	running := store.StatusRunning
	worker := in.WorkerID
	t, err = c.UpdateTask(ctx, t.ID, UpdateInput{Status: &running, WorkerID: &worker})
	if err != nil {
		return nil, err
	}
	return &UpsertActiveResult{Task: t, Created: true}, nil
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return ErrStorageUnavailable
	case errors.Is(err, store.ErrSchema):
		return ErrStorageSchema
	default:
		return err
	}
}

// recordTaskDuration emits the task-level otel histogram once a task
// reaches a terminal state, since a task may retry through several
// provider calls before that happens.
func (c *Controller) recordTaskDuration(ctx context.Context, t *store.Task, endedAt time.Time) {
	if c.Usage == nil || t.StartedAt == nil {
		return
	}
	c.Usage.RecordTaskDuration(ctx, endedAt.Sub(*t.StartedAt).Seconds())
}
