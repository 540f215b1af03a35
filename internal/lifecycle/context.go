package lifecycle

import "time"

// Context keys. Task.Context is a dynamic string-to-value map; every key
// the Controller itself reads or writes gets a typed accessor here instead
// of ad hoc map indexing scattered through the codebase.
const (
	keyRetryCount              = "retry_count"
	keyRetryMax                = "retry_max"
	keyRetryHint               = "retry_hint"
	keyRetryReflections        = "retry_reflections"
	keyFailureHits             = "failure_hits"
	keyLastFailureOutput       = "last_failure_output"
	keyLastFailureAt           = "last_failure_at"
	keyFailureDiagnosticsSrc   = "failure_diagnostics_source"
	keyFailureReasonBucket     = "failure_reason_bucket"
	keySessionKey              = "session_key"
	keyDecisionPrompt          = "decision_prompt"
	keyDecision                = "decision"
	keyExecutorPolicyReason    = "executor_policy.reason"
	keyRouteDecisionSnapshot   = "route_decision_snapshot"
	keyWorkerID                = "worker_id"
	keyProgressPct             = "progress_pct"
	keyCurrentStep             = "current_step"
	keyTaskCardValidation      = "task_card_validation"
	keyTaskCard                = "task_card"
	keyError                   = "error"
	keyExecutor                = "executor"
	keyQuestionScope           = "question_scope"
	keyModelOverride           = "model_override"
	keyForcePaidProviders      = "force_paid_providers"
	keyOrphanRecoveredAt       = "orphan_recovered_at"
	keyOrphanRecoveredBy       = "orphan_recovered_by_runner"
	keyOrphanRecoveredRunSec   = "orphan_recovered_running_seconds"
	keyOrphanRecoveredThreshSec = "orphan_recovered_threshold_seconds"
)

// FailureDiagnosticsSource identifies whether a synthesized failure output
// came from the caller's context.error or the generic fallback sentence.
type FailureDiagnosticsSource string

const (
	DiagnosticsSourceContextError FailureDiagnosticsSource = "context.error"
	DiagnosticsSourceFallback     FailureDiagnosticsSource = "fallback"
)

// FailureReasonBucket categorizes why a task failed, for dashboards and for
// the retry policy's keyword-driven hint selection.
type FailureReasonBucket string

const (
	FailureTimeout            FailureReasonBucket = "timeout"
	FailurePaidProviderBlocked FailureReasonBucket = "paid_provider_blocked"
	FailureEmptyOutput        FailureReasonBucket = "empty_output"
	FailureOther              FailureReasonBucket = "other"
)

// RouteDecisionSnapshot is the value recorded into
// context.route_decision_snapshot at creation time.
type RouteDecisionSnapshot struct {
	Executor        string `json:"executor"`
	Model           string `json:"model"`
	CommandTemplate string `json:"command_template"`
	Tier            string `json:"tier"`
	Provider        string `json:"provider"`
	BillingProvider string `json:"billing_provider"`
	IsPaidProvider  bool   `json:"is_paid_provider"`
}

// TaskCardValidation is the completeness score computed on task creation.
type TaskCardValidation struct {
	Present []string `json:"present"`
	Missing []string `json:"missing"`
	Score   float64  `json:"score"`
}

// Ctx is a typed view over a Task's Context map. It never copies the
// underlying map; Set mutates it in place (creating it if nil is not its
// job — callers must ensure Context is non-nil before building a Ctx).
type Ctx struct {
	m map[string]any
}

// View wraps an existing context map for reading/writing through typed
// accessors.
func View(m map[string]any) Ctx {
	return Ctx{m: m}
}

func (c Ctx) str(key string) string {
	v, _ := c.m[key].(string)
	return v
}

func (c Ctx) setStr(key, v string) {
	if v == "" {
		delete(c.m, key)
		return
	}
	c.m[key] = v
}

func (c Ctx) intVal(key string) int {
	switch v := c.m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (c Ctx) RetryCount() int       { return c.intVal(keyRetryCount) }
func (c Ctx) SetRetryCount(n int)   { c.m[keyRetryCount] = n }
func (c Ctx) RetryMax() int         { return c.intVal(keyRetryMax) }
func (c Ctx) SetRetryMax(n int)     { c.m[keyRetryMax] = n }
func (c Ctx) RetryHint() string     { return c.str(keyRetryHint) }
func (c Ctx) SetRetryHint(s string) { c.setStr(keyRetryHint, s) }

func (c Ctx) RetryReflections() []string {
	v, _ := c.m[keyRetryReflections].([]string)
	return v
}

func (c Ctx) AppendRetryReflection(s string) {
	c.m[keyRetryReflections] = append(c.RetryReflections(), s)
}

func (c Ctx) FailureHits() int     { return c.intVal(keyFailureHits) }
func (c Ctx) SetFailureHits(n int) { c.m[keyFailureHits] = n }

func (c Ctx) LastFailureOutput() string     { return c.str(keyLastFailureOutput) }
func (c Ctx) SetLastFailureOutput(s string) { c.setStr(keyLastFailureOutput, s) }

func (c Ctx) LastFailureAt() time.Time {
	v, _ := c.m[keyLastFailureAt].(time.Time)
	return v
}
func (c Ctx) SetLastFailureAt(t time.Time) { c.m[keyLastFailureAt] = t }

func (c Ctx) FailureDiagnosticsSource() FailureDiagnosticsSource {
	return FailureDiagnosticsSource(c.str(keyFailureDiagnosticsSrc))
}
func (c Ctx) SetFailureDiagnosticsSource(v FailureDiagnosticsSource) {
	c.setStr(keyFailureDiagnosticsSrc, string(v))
}

func (c Ctx) FailureReasonBucket() FailureReasonBucket {
	return FailureReasonBucket(c.str(keyFailureReasonBucket))
}
func (c Ctx) SetFailureReasonBucket(v FailureReasonBucket) {
	c.setStr(keyFailureReasonBucket, string(v))
}

func (c Ctx) SessionKey() string     { return c.str(keySessionKey) }
func (c Ctx) SetSessionKey(s string) { c.setStr(keySessionKey, s) }

func (c Ctx) DecisionPrompt() string     { return c.str(keyDecisionPrompt) }
func (c Ctx) SetDecisionPrompt(s string) { c.setStr(keyDecisionPrompt, s) }

func (c Ctx) Decision() string     { return c.str(keyDecision) }
func (c Ctx) SetDecision(s string) { c.setStr(keyDecision, s) }

func (c Ctx) ExecutorPolicyReason() string     { return c.str(keyExecutorPolicyReason) }
func (c Ctx) SetExecutorPolicyReason(s string) { c.setStr(keyExecutorPolicyReason, s) }

func (c Ctx) WorkerID() string     { return c.str(keyWorkerID) }
func (c Ctx) SetWorkerID(s string) { c.setStr(keyWorkerID, s) }

func (c Ctx) ProgressPct() int     { return c.intVal(keyProgressPct) }
func (c Ctx) SetProgressPct(n int) { c.m[keyProgressPct] = n }

func (c Ctx) CurrentStep() string     { return c.str(keyCurrentStep) }
func (c Ctx) SetCurrentStep(s string) { c.setStr(keyCurrentStep, s) }

func (c Ctx) Error() string     { return c.str(keyError) }
func (c Ctx) SetError(s string) { c.setStr(keyError, s) }

func (c Ctx) Executor() string         { return c.str(keyExecutor) }
func (c Ctx) QuestionScope() string    { return c.str(keyQuestionScope) }
func (c Ctx) ModelOverride() string    { return c.str(keyModelOverride) }
func (c Ctx) SetModelOverride(s string) { c.setStr(keyModelOverride, s) }

func (c Ctx) ForcePaidProviders() bool {
	v, _ := c.m[keyForcePaidProviders].(bool)
	return v
}
func (c Ctx) SetForcePaidProviders(b bool) { c.m[keyForcePaidProviders] = b }

func (c Ctx) SetExecutor(s string) { c.setStr(keyExecutor, s) }

func (c Ctx) SetOrphanRecovery(at time.Time, byRunner string, runningSec, thresholdSec int) {
	c.m[keyOrphanRecoveredAt] = at
	c.setStr(keyOrphanRecoveredBy, byRunner)
	c.m[keyOrphanRecoveredRunSec] = runningSec
	c.m[keyOrphanRecoveredThreshSec] = thresholdSec
}

// RouteDecisionSnapshot returns the route snapshot recorded at creation, if
// any was recorded in this representation.
func (c Ctx) RouteDecisionSnapshot() (RouteDecisionSnapshot, bool) {
	raw, ok := c.m[keyRouteDecisionSnapshot]
	if !ok {
		return RouteDecisionSnapshot{}, false
	}
	switch v := raw.(type) {
	case RouteDecisionSnapshot:
		return v, true
	case map[string]any:
		return RouteDecisionSnapshot{
			Executor:        asString(v["executor"]),
			Model:           asString(v["model"]),
			CommandTemplate: asString(v["command_template"]),
			Tier:            asString(v["tier"]),
			Provider:        asString(v["provider"]),
			BillingProvider: asString(v["billing_provider"]),
			IsPaidProvider:  asBool(v["is_paid_provider"]),
		}, true
	default:
		return RouteDecisionSnapshot{}, false
	}
}

func (c Ctx) SetRouteDecisionSnapshot(r RouteDecisionSnapshot) {
	c.m[keyRouteDecisionSnapshot] = r
}

// TaskCardValidation returns the completeness score recorded at creation.
func (c Ctx) TaskCardValidation() (TaskCardValidation, bool) {
	raw, ok := c.m[keyTaskCardValidation]
	if !ok {
		return TaskCardValidation{}, false
	}
	switch v := raw.(type) {
	case TaskCardValidation:
		return v, true
	case map[string]any:
		tcv := TaskCardValidation{Score: asFloat(v["score"])}
		if p, ok := v["present"].([]string); ok {
			tcv.Present = p
		}
		if m, ok := v["missing"].([]string); ok {
			tcv.Missing = m
		}
		return tcv, true
	default:
		return TaskCardValidation{}, false
	}
}

func (c Ctx) SetTaskCardValidation(v TaskCardValidation) {
	c.m[keyTaskCardValidation] = v
}

// TaskCard returns the raw task_card sub-object, if the caller supplied one.
func (c Ctx) TaskCard() (map[string]any, bool) {
	v, ok := c.m[keyTaskCard].(map[string]any)
	return v, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}
