package routing

import "testing"

func availableFunc(available ...Executor) func(Executor) bool {
	set := make(map[Executor]bool, len(available))
	for _, a := range available {
		set[a] = true
	}
	return func(x Executor) bool { return set[x] }
}

func TestRouteCheapDefault(t *testing.T) {
	env := Env{
		PolicyEnabled: true,
		CheapDefault:  ExecutorCursor,
		IsAvailable:   availableFunc(ExecutorCursor, ExecutorClaude),
	}
	d := Route(KindImpl, "Implement policy default cheap route", "", "", env)
	if d.Executor != ExecutorCursor {
		t.Fatalf("executor = %s, want cursor", d.Executor)
	}
	if d.PolicyReason != "cheap_default" {
		t.Fatalf("reason = %s, want cheap_default", d.PolicyReason)
	}
}

func TestRouteEscalatesAfterFailureThreshold(t *testing.T) {
	env := Env{
		PolicyEnabled:            true,
		CheapDefault:             ExecutorCursor,
		EscalateTo:               ExecutorClaude,
		EscalateFailureThreshold: 1,
		HistoricalFailures:       1,
		IsAvailable:              availableFunc(ExecutorCursor, ExecutorClaude),
	}
	d := Route(KindTest, "Fix flaky endpoint test", "", "", env)
	if d.Executor != ExecutorClaude {
		t.Fatalf("executor = %s, want claude", d.Executor)
	}
	if d.PolicyReason != "failure_threshold" {
		t.Fatalf("reason = %s, want failure_threshold", d.PolicyReason)
	}
}

func TestRouteExplicitExecutorRespected(t *testing.T) {
	env := Env{IsAvailable: availableFunc(ExecutorCursor, ExecutorOpenclaw)}
	d := Route(KindImpl, "Run with explicit executor", "openclaw", "", env)
	if d.Executor != ExecutorOpenclaw || d.PolicyReason != "" {
		t.Fatalf("got executor=%s reason=%q, want openclaw/none", d.Executor, d.PolicyReason)
	}
}

func TestRouteExplicitExecutorAliasClawwork(t *testing.T) {
	env := Env{IsAvailable: availableFunc(ExecutorOpenclaw)}
	d := Route(KindImpl, "Run with explicit clawwork alias", "clawwork", "", env)
	if d.Executor != ExecutorOpenclaw {
		t.Fatalf("executor = %s, want openclaw", d.Executor)
	}
}

func TestRouteExplicitExecutorFallsBackWhenUnavailable(t *testing.T) {
	env := Env{IsAvailable: availableFunc(ExecutorOpenclaw)}
	d := Route(KindImpl, "Run with explicit unavailable executor", "claude", "", env)
	if d.Executor != ExecutorOpenclaw {
		t.Fatalf("executor = %s, want openclaw", d.Executor)
	}
	if d.PolicyReason != "explicit_executor_unavailable" {
		t.Fatalf("reason = %s, want explicit_executor_unavailable", d.PolicyReason)
	}
	if d.ExplicitExecutor != "claude" {
		t.Fatalf("explicit executor = %s, want claude", d.ExplicitExecutor)
	}
}

func TestRouteRepoScopedQuestionPrefersRepoExecutor(t *testing.T) {
	env := Env{
		PolicyEnabled: true,
		RepoDefault:   ExecutorCursor,
		IsAvailable:   availableFunc(ExecutorCursor, ExecutorOpenclaw, ExecutorClaude),
	}
	d := Route(KindImpl, "In this repo, which tests cover /api/agent/tasks?", "", "", env)
	if d.PolicyReason != "repo_scoped_question" {
		t.Fatalf("reason = %s, want repo_scoped_question", d.PolicyReason)
	}
	if d.Executor != ExecutorCursor {
		t.Fatalf("executor = %s, want cursor", d.Executor)
	}
}

func TestRouteOpenQuestionPrefersOpenclaw(t *testing.T) {
	env := Env{
		PolicyEnabled:       true,
		OpenQuestionDefault: ExecutorOpenclaw,
		IsAvailable:         availableFunc(ExecutorCursor, ExecutorOpenclaw, ExecutorClaude),
	}
	d := Route(KindImpl, "What are three practical ways to reduce API latency?", "", "", env)
	if d.PolicyReason != "open_question_default" {
		t.Fatalf("reason = %s, want open_question_default", d.PolicyReason)
	}
	if d.Executor != ExecutorOpenclaw {
		t.Fatalf("executor = %s, want openclaw", d.Executor)
	}
}

func TestRouteIsPure(t *testing.T) {
	env := Env{
		PolicyEnabled: true,
		CheapDefault:  ExecutorCursor,
		IsAvailable:   availableFunc(ExecutorCursor),
	}
	a := Route(KindImpl, "Add GET /api/projects endpoint", "", "", env)
	b := Route(KindImpl, "Add GET /api/projects endpoint", "", "", env)
	if a != b {
		t.Fatalf("Route is not pure: %+v != %+v", a, b)
	}
}

func TestClassifyProviderPaidGate(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		model    string
		command  string
		wantPaid bool
	}{
		{"openrouter free", "openrouter", "openrouter/free", "", false},
		{"openrouter paid", "openrouter", "openrouter/gpt-4", "", true},
		{"openai always paid", "openai", "gpt-4", "", true},
		{"openclaw free by default classification", "openclaw", "gpt-5.1-codex", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IsPaidModel(tc.provider, tc.model, "")
			if got != tc.wantPaid {
				t.Fatalf("IsPaidModel(%s) = %v, want %v", tc.provider, got, tc.wantPaid)
			}
		})
	}
}

func TestApplyModelOverrideReplacesExistingFlag(t *testing.T) {
	got := ApplyModelOverride(`agent "do it" --model old-model`, "new-model")
	want := `agent "do it" --model new-model`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyModelOverrideAppendsWhenMissing(t *testing.T) {
	got := ApplyModelOverride(`agent "do it"`, "new-model")
	want := `agent "do it" --model new-model`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
