package execadapter

import (
	"context"
	"testing"
)

type fakeHTTPClient struct {
	content string
	usage   map[string]any
	meta    map[string]any
	err     error
}

func (f *fakeHTTPClient) ChatCompletion(ctx context.Context, model, prompt string) (string, map[string]any, map[string]any, error) {
	return f.content, f.usage, f.meta, f.err
}

func TestExtractUnderlyingModelStripsExecutorPrefix(t *testing.T) {
	cases := map[string]string{
		"openclaw/gpt-5.3-codex": "gpt-5.3-codex",
		"clawwork/gpt-5.3-codex": "gpt-5.3-codex",
		"cursor/gpt-4.1":         "gpt-4.1",
		"gpt-4.1":                "gpt-4.1",
	}
	for in, want := range cases {
		if got := ExtractUnderlyingModel(in); got != want {
			t.Errorf("ExtractUnderlyingModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRunHTTPSuccessExtractsUsage(t *testing.T) {
	client := &fakeHTTPClient{
		content: "done",
		usage:   map[string]any{"prompt_tokens": float64(10), "completion_tokens": float64(5)},
		meta:    map[string]any{"provider_request_id": "req_1"},
	}
	result := RunHTTP(context.Background(), client, "openclaw/gpt-test", "openrouter/free", "do the thing")
	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Usage.TotalTokens != 15 {
		t.Fatalf("TotalTokens = %d, want 15 (summed fallback)", result.Usage.TotalTokens)
	}
	if result.ProviderRequestID != "req_1" {
		t.Fatalf("ProviderRequestID = %q, want req_1", result.ProviderRequestID)
	}
}

func TestRunHTTPFailureWrapsError(t *testing.T) {
	client := &fakeHTTPClient{err: context.DeadlineExceeded}
	result := RunHTTP(context.Background(), client, "gpt-test", "openrouter/free", "do the thing")
	if result.OK {
		t.Fatalf("expected failure")
	}
	if result.ElapsedMs < 1 {
		t.Fatalf("ElapsedMs = %d, want >= 1", result.ElapsedMs)
	}
}

func TestShouldFallbackToCodexExecOnlyForCodexModels(t *testing.T) {
	if ShouldFallbackToCodexExec("openclaw/gpt-5.3-codex", "OPENROUTER_API_KEY is not configured") != true {
		t.Fatalf("expected fallback for codex model with missing key error")
	}
	if ShouldFallbackToCodexExec("openclaw/gpt-4.1", "OPENROUTER_API_KEY is not configured") != false {
		t.Fatalf("expected no fallback for non-codex model")
	}
	if ShouldFallbackToCodexExec("openclaw/gpt-5.3-codex", "rate limited") != false {
		t.Fatalf("expected no fallback for unrelated error")
	}
}

func TestApplyCostBudget(t *testing.T) {
	base := Result{OK: true, Content: "done", ElapsedMs: 2000}

	// Within budget: cost stamped, result untouched.
	ok := ApplyCostBudget(base, Budget{MaxCostUSD: 1, CostPerSecond: 0.002})
	if !ok.OK || ok.ActualCostUSD != 0.004 {
		t.Fatalf("unexpected result: %+v", ok)
	}

	// Over budget: converted to a cost-overrun failure.
	over := ApplyCostBudget(base, Budget{MaxCostUSD: 0.001, CostPerSecond: 0.002})
	if over.OK || over.Content != "" {
		t.Fatalf("expected overrun failure, got %+v", over)
	}
	if over.Error == "" || over.ActualCostUSD != 0.004 {
		t.Fatalf("overrun result missing error or cost: %+v", over)
	}

	// Slack widens the cap.
	slack := ApplyCostBudget(base, Budget{MaxCostUSD: 0.003, CostSlackRatio: 0.5, CostPerSecond: 0.002})
	if !slack.OK {
		t.Fatalf("expected slack to admit the run, got %+v", slack)
	}

	// No cap: failures keep their error, cost still stamped.
	failed := ApplyCostBudget(Result{OK: false, Error: "boom", ElapsedMs: 1000}, Budget{CostPerSecond: 0.002})
	if failed.OK || failed.Error != "boom" || failed.ActualCostUSD != 0.002 {
		t.Fatalf("unexpected failed-path result: %+v", failed)
	}
}

func TestExtractUsageFromCodexJSONL(t *testing.T) {
	output := "{\"type\":\"agent.started\"}\n" +
		"not json\n" +
		"{\"type\":\"turn.completed\",\"usage\":{\"input_tokens\":7,\"output_tokens\":3}}\n"
	usage := extractUsageFromCodexJSONL(output)
	if usage.PromptTokens != 7 || usage.CompletionTokens != 3 || usage.TotalTokens != 10 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestExtractUsageFromCodexJSONLNoTurnCompleted(t *testing.T) {
	usage := extractUsageFromCodexJSONL("{\"type\":\"agent.started\"}\n")
	if usage != (Usage{}) {
		t.Fatalf("expected zero usage, got %+v", usage)
	}
}
