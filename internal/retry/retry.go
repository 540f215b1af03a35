// Package retry implements the retry policy: bounded automatic retries on
// failure with diagnostic context, plus fallback from free/cheap to
// paid/escalated executors under explicit conditions. The whole package is
// pure — the lifecycle controller persists the directives it returns.
package retry

import (
	"strings"
	"time"
)

const (
	retryMaxDefault        = 1
	retryMaxCap            = 5
	failureOutputMaxChars  = 1200
	retryHintMaxChars      = 900
	failureExcerptMaxChars = 260

	openAIRetryModelDefault    = "gpt-5.3-codex"
	openclawSparkFallbackModel = "gpt-5.3-codex"
	openclawSparkModelSuffix   = "gpt-5.3-codex-spark"
)

// FailureReasonBucket categorizes a failure for dashboards and retry-hint
// selection. Defined here (not in internal/lifecycle) so
// this package stays import-free of the Controller; lifecycle converts the
// string value to its own typed constant.
type FailureReasonBucket string

const (
	FailureTimeout             FailureReasonBucket = "timeout"
	FailurePaidProviderBlocked FailureReasonBucket = "paid_provider_blocked"
	FailureEmptyOutput         FailureReasonBucket = "empty_output"
	FailureOther               FailureReasonBucket = "other"
)

// DeriveFailureReasonBucket classifies failure output text by keyword:
// timeout markers first, then paid-provider blocks, then the empty-output
// fallback.
func DeriveFailureReasonBucket(output string) FailureReasonBucket {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return FailureTimeout
	case strings.Contains(lower, "paid provider") || strings.Contains(lower, "paid_provider_blocked"):
		return FailurePaidProviderBlocked
	case strings.TrimSpace(output) == "":
		return FailureEmptyOutput
	default:
		return FailureOther
	}
}

// ResolveRetryMax resolves the retry bound: first a non-negative
// context.retry_max, then context.max_retries, then the env default, each
// clamped to [1, 5]; if none are present, the hardcoded default of 1.
func ResolveRetryMax(contextRetryMax, contextMaxRetries *int, envRetryMax *int) int {
	for _, candidate := range []*int{contextRetryMax, contextMaxRetries, envRetryMax} {
		if candidate != nil && *candidate >= 0 {
			v := *candidate
			if v < 1 {
				v = 1
			}
			if v > retryMaxCap {
				v = retryMaxCap
			}
			return v
		}
	}
	return retryMaxDefault
}

func failureExcerpt(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len(cleaned) <= failureExcerptMaxChars {
		return cleaned
	}
	return strings.TrimRight(cleaned[:failureExcerptMaxChars-1], " ") + "..."
}

// RetryFixHint builds the category-aware retry guidance message from a
// keyword table (order matters: first match wins).
func RetryFixHint(failureOutput string, retryNumber int) string {
	lower := strings.ToLower(failureOutput)
	guidance := "Find the root cause, make the smallest fix that addresses it, and verify with a focused check."
	switch {
	case strings.Contains(lower, "paid provider"):
		guidance = "Switch to an allowed/free provider route or run with explicit paid-provider override when policy permits."
	case strings.Contains(lower, "window budget") || strings.Contains(lower, "usage blocked"):
		guidance = "Use a cheaper route, wait for budget window reset, or reduce paid-provider usage before retrying."
	case strings.Contains(lower, "execution budget exceeded") || strings.Contains(lower, "cost overrun"):
		guidance = "Reduce scope/output size or raise max_cost_usd so execution stays within budget."
	case strings.Contains(lower, "empty direction"):
		guidance = "Provide a concrete non-empty direction with an explicit goal and expected output."
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		guidance = "Narrow the task scope and prioritize one concrete fix for this retry."
	case strings.Contains(lower, "claim_failed"):
		guidance = "Ensure no other worker owns the task lease before retrying."
	}
	hint := "Retry attempt " + itoa(retryNumber) + ": previous failure was '" + failureExcerpt(failureOutput) + "'. Hint: " + guidance
	if len(hint) > retryHintMaxChars {
		hint = hint[:retryHintMaxChars]
	}
	return hint
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func isPaidProviderRetryCandidate(failureOutput, resultError string) bool {
	lowerOutput := strings.ToLower(failureOutput)
	for _, marker := range []string{"paid provider", "paid-provider", "paid_provider"} {
		if strings.Contains(lowerOutput, marker) {
			return true
		}
	}
	return strings.ToLower(strings.TrimSpace(resultError)) == "paid_provider_blocked"
}

func isOpenclawSparkModel(model string) bool {
	normalized := strings.ToLower(strings.TrimSpace(model))
	return normalized == openclawSparkModelSuffix || strings.HasSuffix(normalized, "/"+openclawSparkModelSuffix)
}

// Input bundles everything the Decide step needs that the Controller must
// read off the current Task before calling it.
type Input struct {
	Now time.Time

	FailureHits int
	RetryCount  int
	RetryMax    int // already resolved via ResolveRetryMax

	TaskOutput  string
	ResultError string
	CurrentModel string

	RetryDepth int

	AutoRetryOpenAIOverrideEnabled bool
	RetryModelOverride             string // resolved per _resolve_retry_model_override
	ForcePaidProviders              bool   // caller's current force_paid_providers flag
}

// Directive is the outcome of Decide: whether to retry, and the context
// mutations and CurrentStep label to apply either way.
type Directive struct {
	ShouldRetry bool

	FailureHits       int
	LastFailureOutput string
	LastFailureAt     time.Time
	RetryMax          int

	RetryCount       int // unchanged if not retrying, else next_retry
	RetryHint        string
	RetryRequestedAt time.Time
	LastRetrySource  string

	ForcePaidProviders     bool
	ForcePaidOverrideSource string
	ModelOverride          string
	ExecutorOverride       string
	SparkFallbackApplied   bool

	CurrentStep string
}

// Decide is the policy core: given the current failure bookkeeping, it
// returns the context mutations and whether the Controller should
// re-enqueue execution. The Controller is responsible for persisting the
// patch and, if ShouldRetry, re-invoking execute with RetryDepth+1.
func Decide(in Input) Directive {
	failureOutput := strings.TrimSpace(in.TaskOutput)
	if failureOutput == "" {
		failureOutput = strings.TrimSpace(in.ResultError)
	}
	if failureOutput == "" {
		failureOutput = "task_failed"
	}
	if len(failureOutput) > failureOutputMaxChars {
		failureOutput = failureOutput[:failureOutputMaxChars]
	}

	d := Directive{
		FailureHits:       in.FailureHits + 1,
		LastFailureOutput: failureOutput,
		LastFailureAt:     in.Now,
		RetryMax:          in.RetryMax,
		RetryCount:        in.RetryCount,
	}

	canRetry := in.RetryCount < in.RetryMax && in.RetryDepth < in.RetryMax
	if !canRetry {
		return d
	}

	nextRetry := in.RetryCount + 1
	d.ShouldRetry = true
	d.RetryCount = nextRetry
	d.RetryHint = RetryFixHint(failureOutput, nextRetry)
	d.RetryRequestedAt = in.Now
	d.LastRetrySource = "auto_failure_recovery"
	d.ForcePaidProviders = in.ForcePaidProviders
	d.CurrentStep = "retrying (" + itoa(nextRetry) + "/" + itoa(in.RetryMax) + ")"

	shouldFallbackModel := isOpenclawSparkModel(in.CurrentModel) && in.RetryCount == 0

	switch {
	case in.AutoRetryOpenAIOverrideEnabled && isPaidProviderRetryCandidate(failureOutput, in.ResultError):
		d.ForcePaidProviders = true
		d.ForcePaidOverrideSource = "auto_retry_openai_override"
		modelOverride := in.RetryModelOverride
		if modelOverride == "" {
			modelOverride = openAIRetryModelDefault
		}
		d.ModelOverride = modelOverride
		d.ExecutorOverride = "openclaw"
	case shouldFallbackModel:
		d.ForcePaidProviders = true
		d.ModelOverride = openclawSparkFallbackModel
		d.ExecutorOverride = "openclaw"
		d.SparkFallbackApplied = true
	}

	return d
}
