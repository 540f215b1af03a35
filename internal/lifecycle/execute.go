package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/execadapter"
	otelPkg "github.com/agentrun/agentd/internal/otel"
	"github.com/agentrun/agentd/internal/retry"
	"github.com/agentrun/agentd/internal/store"
	"github.com/agentrun/agentd/internal/usage"
)

// paidProviderBlockedOutput is the exact output recorded when the paid
// provider gate fires; callers and dashboards match on it verbatim.
const paidProviderBlockedOutput = "Blocked: task routes to a paid provider and AGENT_ALLOW_PAID_PROVIDERS is disabled."

// ExecOptions carries the per-invocation knobs of one execute request: the
// claiming worker, a paid-provider override, and an optional cost budget.
type ExecOptions struct {
	WorkerID           string
	ForcePaidProviders bool
	MaxCostUSD         float64
	EstimatedCostUSD   float64
	CostSlackRatio     float64
}

// Execute runs a claimed task through the execution adapter, applying the
// retry policy on failure, and persists the outcome through UpdateTask —
// the Controller operation that ties C4 (already applied at creation), C5,
// C6, and C7 together: claim → route-gate → run → finish, accepting an
// injected HTTPClient for HTTP-path tests.
func (c *Controller) Execute(ctx context.Context, id string, httpClient execadapter.HTTPClient, defaultModel string) (*store.Task, error) {
	return c.execute(ctx, id, ExecOptions{}, httpClient, defaultModel, 0)
}

// ExecuteAs is Execute with an explicit claiming worker ID.
func (c *Controller) ExecuteAs(ctx context.Context, id, workerID string, httpClient execadapter.HTTPClient, defaultModel string) (*store.Task, error) {
	return c.execute(ctx, id, ExecOptions{WorkerID: workerID}, httpClient, defaultModel, 0)
}

// ExecuteWithOptions is Execute with the full per-invocation option set.
func (c *Controller) ExecuteWithOptions(ctx context.Context, id string, opts ExecOptions, httpClient execadapter.HTTPClient, defaultModel string) (*store.Task, error) {
	return c.execute(ctx, id, opts, httpClient, defaultModel, 0)
}

func (c *Controller) execute(ctx context.Context, id string, opts ExecOptions, httpClient execadapter.HTTPClient, defaultModel string, retryDepth int) (*store.Task, error) {
	t, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if t == nil {
		return nil, ErrNotFound
	}

	if t.Status == store.StatusFailed {
		pending := store.StatusPending
		if t, err = c.UpdateTask(ctx, id, UpdateInput{Status: &pending}); err != nil {
			return nil, err
		}
	}
	if t.Status == store.StatusPending {
		claim := UpdateInput{Status: statusPtr(store.StatusRunning)}
		if opts.WorkerID != "" {
			claim.WorkerID = &opts.WorkerID
		}
		if t, err = c.UpdateTask(ctx, id, claim); err != nil {
			return nil, err
		}
	}

	cv := View(t.Context)
	snapshot, _ := cv.RouteDecisionSnapshot()
	if snapshot.IsPaidProvider && !c.Env.AllowPaidProviders && !cv.ForcePaidProviders() && !opts.ForcePaidProviders {
		output := paidProviderBlockedOutput
		return c.UpdateTask(ctx, id, UpdateInput{
			Status:       statusPtr(store.StatusFailed),
			Output:       &output,
			ContextPatch: map[string]any{keyError: "paid_provider_blocked"},
		})
	}

	prompt := strings.TrimSpace(t.Direction)
	if prompt == "" {
		return c.UpdateTask(ctx, id, UpdateInput{
			Status:       statusPtr(store.StatusFailed),
			ContextPatch: map[string]any{keyError: "Empty direction"},
		})
	}

	budget := execadapter.Budget{
		MaxCostUSD:     opts.MaxCostUSD,
		CostSlackRatio: opts.CostSlackRatio,
		CostPerSecond:  c.Env.CostPerSecond,
	}
	// Pre-flight estimate check: a task whose estimated cost already blows
	// the budget fails before any provider call is made.
	if opts.MaxCostUSD > 0 && opts.EstimatedCostUSD > budget.Limit() {
		output := fmt.Sprintf("Execution budget exceeded: estimated cost $%.4f exceeds max_cost_usd $%.4f",
			opts.EstimatedCostUSD, opts.MaxCostUSD)
		return c.UpdateTask(ctx, id, UpdateInput{
			Status:       statusPtr(store.StatusFailed),
			Output:       &output,
			ContextPatch: map[string]any{keyError: output},
		})
	}

	result := c.runOnce(ctx, t, httpClient, defaultModel, budget)
	c.recordUsageEvent(ctx, t, result)

	if result.OK {
		return c.UpdateTask(ctx, id, UpdateInput{Status: statusPtr(store.StatusCompleted), Output: &result.Content})
	}

	return c.handleFailure(ctx, t, result, opts, httpClient, defaultModel, retryDepth)
}

func statusPtr(s store.TaskStatus) *store.TaskStatus { return &s }

// runOnce dispatches one execution attempt under a client span so the
// provider round trip (HTTP, and the codex subprocess fallback when it
// fires) shows up as a distinct trace leaf the way
// internal/otel/spans.go's StartClientSpan was built for — LLM API / MCP
// calls, the same category this falls into.
func (c *Controller) runOnce(ctx context.Context, t *store.Task, httpClient execadapter.HTTPClient, defaultModel string, budget execadapter.Budget) execadapter.Result {
	ctx, span := otelPkg.StartClientSpan(ctx, c.Tracer, "execute.llm_call",
		otelPkg.AttrTaskID.String(t.ID),
		otelPkg.AttrModel.String(t.Model),
	)
	defer span.End()

	result := c.runOnceUninstrumented(ctx, t, httpClient, defaultModel, budget)

	span.SetAttributes(
		otelPkg.AttrTokensInput.Int(result.Usage.PromptTokens),
		otelPkg.AttrTokensOutput.Int(result.Usage.CompletionTokens),
	)
	if !result.OK {
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

func (c *Controller) runOnceUninstrumented(ctx context.Context, t *store.Task, httpClient execadapter.HTTPClient, defaultModel string, budget execadapter.Budget) execadapter.Result {
	if httpClient != nil {
		result := execadapter.RunHTTP(ctx, httpClient, t.Model, defaultModel, t.Direction)
		if result.OK || !execadapter.ShouldFallbackToCodexExec(t.Model, result.Error) {
			return execadapter.ApplyCostBudget(result, budget)
		}
	}
	return execadapter.ApplyCostBudget(execadapter.RunCodexExec(ctx, t.Model, t.Direction), budget)
}

func (c *Controller) recordUsageEvent(ctx context.Context, t *store.Task, result execadapter.Result) {
	if c.Usage == nil {
		return
	}
	snapshot, _ := View(t.Context).RouteDecisionSnapshot()
	statusCode := 200
	if !result.OK {
		statusCode = 500
	}
	endpoint := result.Endpoint
	if endpoint == "" {
		endpoint = "tool:execute"
	}
	cost := result.ActualCostUSD
	if cost == 0 {
		cost = usage.CostForRuntime(result.ElapsedMs, c.Env.CostPerSecond)
	}
	c.Usage.Record(ctx, usage.Event{
		EventID:           clock.NewEventID(),
		RecordedAt:        c.Clock.Now(),
		Source:            "worker",
		Endpoint:          endpoint,
		StatusCode:        statusCode,
		RuntimeMs:         result.ElapsedMs,
		TaskID:            t.ID,
		Model:             t.Model,
		Provider:          snapshot.Provider,
		IsPaidProvider:    snapshot.IsPaidProvider,
		PromptTokens:      result.Usage.PromptTokens,
		CompletionTokens:  result.Usage.CompletionTokens,
		TotalTokens:       result.Usage.TotalTokens,
		ProviderRequestID: result.ProviderRequestID,
		ResponseID:        result.ResponseID,
		Error:             result.Error,
		RuntimeCostUSD:    cost,
	})
}

// handleFailure applies the retry policy to a failed execution attempt:
// either re-enqueue the task as pending with retry context set and re-enter
// execute one level deeper, or land it in failed status.
func (c *Controller) handleFailure(ctx context.Context, t *store.Task, result execadapter.Result, opts ExecOptions, httpClient execadapter.HTTPClient, defaultModel string, retryDepth int) (*store.Task, error) {
	cv := View(t.Context)
	retryMax := cv.RetryMax()
	if retryMax == 0 {
		var def *int
		if c.Env.RetryMaxDefault != nil {
			def = c.Env.RetryMaxDefault
		}
		retryMax = retry.ResolveRetryMax(nil, nil, def)
	}

	directive := retry.Decide(retry.Input{
		Now:                            c.Clock.Now(),
		FailureHits:                    cv.FailureHits(),
		RetryCount:                     cv.RetryCount(),
		RetryMax:                       retryMax,
		TaskOutput:                     result.Content,
		ResultError:                    result.Error,
		CurrentModel:                   t.Model,
		RetryDepth:                     retryDepth,
		AutoRetryOpenAIOverrideEnabled: c.Env.AutoRetryOpenAI,
		RetryModelOverride:             c.Env.RetryModelOverride,
		ForcePaidProviders:             cv.ForcePaidProviders(),
	})

	// The failure lands first either way: the task enters failed with its
	// diagnostic context, which is also what fires the (rate-limited)
	// failed alert exactly once per entering transition.
	failPatch := map[string]any{
		keyFailureHits:         directive.FailureHits,
		keyLastFailureOutput:   directive.LastFailureOutput,
		keyLastFailureAt:       directive.LastFailureAt,
		keyRetryMax:            directive.RetryMax,
		keyError:               directive.LastFailureOutput,
		keyFailureReasonBucket: string(retry.DeriveFailureReasonBucket(directive.LastFailureOutput)),
	}
	failed, err := c.UpdateTask(ctx, t.ID, UpdateInput{
		Status:       statusPtr(store.StatusFailed),
		Output:       &directive.LastFailureOutput,
		ContextPatch: failPatch,
	})
	if err != nil {
		return nil, err
	}
	if !directive.ShouldRetry {
		return failed, nil
	}

	retryPatch := map[string]any{
		keyRetryCount: directive.RetryCount,
		keyRetryHint:  directive.RetryHint,
	}
	if directive.ForcePaidProviders {
		retryPatch[keyForcePaidProviders] = true
	}
	var modelOverride *string
	if directive.ModelOverride != "" {
		retryPatch[keyModelOverride] = directive.ModelOverride
		modelOverride = &directive.ModelOverride
	}
	if directive.ExecutorOverride != "" {
		retryPatch[keyExecutor] = directive.ExecutorOverride
	}

	currentStep := directive.CurrentStep
	if _, err := c.UpdateTask(ctx, t.ID, UpdateInput{
		Status:       statusPtr(store.StatusPending),
		CurrentStep:  &currentStep,
		Model:        modelOverride,
		ContextPatch: retryPatch,
	}); err != nil {
		return nil, err
	}
	return c.execute(ctx, t.ID, opts, httpClient, defaultModel, retryDepth+1)
}
