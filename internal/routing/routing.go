// Package routing implements the routing engine: a pure function mapping
// a task's kind and context to an executor, model, command template, and
// provider classification, built around a routing table, scope-pattern
// matching, and provider/paid-model classification, as a regexp-backed
// rule chain with a fixed priority order (first match wins).
package routing

import (
	"regexp"
	"strings"
)

// TaskKind mirrors store.TaskKind without importing internal/store, so this
// package stays dependency-free and trivially pure.
type TaskKind string

const (
	KindSpec   TaskKind = "spec"
	KindTest   TaskKind = "test"
	KindImpl   TaskKind = "impl"
	KindReview TaskKind = "review"
	KindHeal   TaskKind = "heal"
)

// Executor is one of the three backend invocation patterns.
type Executor string

const (
	ExecutorClaude   Executor = "claude"
	ExecutorCursor   Executor = "cursor"
	ExecutorOpenclaw Executor = "openclaw"
)

var executorValues = map[Executor]bool{ExecutorClaude: true, ExecutorCursor: true, ExecutorOpenclaw: true}

// Decision is the routing output: the snapshot of executor, model, and
// provider classification recorded onto the task at creation time.
type Decision struct {
	Executor        Executor
	Model           string
	CommandTemplate string
	Tier            string
	Provider        string
	BillingProvider string
	IsPaidProvider  bool
	PolicyReason    string // e.g. "cheap_default", "repo_scoped_question", "explicit_executor_unavailable"
	ExplicitExecutor string // set only on the explicit_executor_unavailable reason
}

// Env is the environment snapshot the routing decision depends on: what's
// configured, what's available, and (for failure escalation) how many
// recent matching tasks have failed. The caller (Lifecycle Controller)
// computes HistoricalFailures by querying the Task Store; the routing
// engine itself never touches storage, keeping it pure.
type Env struct {
	PolicyEnabled            bool
	CheapDefault             Executor
	EscalateTo               Executor
	EscalateFailureThreshold int
	RepoDefault              Executor
	OpenQuestionDefault      Executor
	DefaultExecutor          Executor // AGENT_EXECUTOR_DEFAULT fallback when policy disabled
	ModelAliasMap            map[string]string

	// IsAvailable reports whether the named executor's backing binary is on
	// PATH. Tests inject a fake; production wires exec.LookPath.
	IsAvailable func(executor Executor) bool

	// HistoricalFailures is the count of recent tasks with matching
	// (kind, direction) that ended in `failed`, computed by the caller.
	HistoricalFailures int
}

var repoScopePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthis repo\b`),
	regexp.MustCompile(`(?i)\bthis repository\b`),
	regexp.MustCompile(`(?i)\bcodebase\b`),
	regexp.MustCompile(`(?i)\bin (?:the )?repo\b`),
	regexp.MustCompile(`(?i)\bAGENTS\.md\b`),
	regexp.MustCompile(`(?i)\bCLAUDE\.md\b`),
	regexp.MustCompile(`(?i)\bdocs/[A-Za-z0-9_.\-/]+\b`),
	regexp.MustCompile(`(?i)\bapi/[A-Za-z0-9_.\-/]+\b`),
	regexp.MustCompile(`(?i)\bweb/[A-Za-z0-9_.\-/]+\b`),
	regexp.MustCompile("(?i)`[^`]+\\.(?:py|ts|tsx|js|jsx|md|json|toml|yaml|yml)`"),
	regexp.MustCompile(`(?i)\b[A-Za-z0-9_.\-]+\.(?:py|ts|tsx|js|jsx|md|json|toml|yaml|yml)\b`),
}

// openQuestionWords are interrogative openers that mark a direction as a
// general question rather than an instruction; imperative directions fall
// through to the cheap-default / failure-escalation rules.
var openQuestionWords = []string{"what", "how", "why", "when", "where", "who", "which", "can", "does", "is", "are", "should", "could", "would", "will"}

func looksLikeOpenQuestion(direction string) bool {
	text := strings.TrimSpace(direction)
	if text == "" {
		return false
	}
	if strings.HasSuffix(text, "?") {
		return true
	}
	first := strings.ToLower(strings.Fields(text)[0])
	for _, w := range openQuestionWords {
		if first == w {
			return true
		}
	}
	return false
}

func isRepoScopedQuestion(direction string, scopeHint string) bool {
	switch scopeHint {
	case "repo", "repository", "codebase":
		return true
	case "open", "general":
		return false
	}
	text := strings.TrimSpace(direction)
	if text == "" {
		return false
	}
	for _, p := range repoScopePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func normalizeExecutor(raw string, fallback Executor) Executor {
	candidate := Executor(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case "codex", "clawwork":
		return ExecutorOpenclaw
	}
	if executorValues[candidate] {
		return candidate
	}
	return fallback
}

func (e Env) available(x Executor) bool {
	if e.IsAvailable == nil {
		return true
	}
	return e.IsAvailable(x)
}

func (e Env) firstAvailable(preferred []Executor, fallback Executor) Executor {
	for _, x := range preferred {
		if x != "" && e.available(x) {
			return x
		}
	}
	return fallback
}

// Route resolves the executor, model, and command template for a task.
// direction is the task's trimmed free-form text; executorOverride is
// context.executor (empty if unset); scopeHint is context.question_scope or
// context.scope (empty if unset).
func Route(kind TaskKind, direction, executorOverride, scopeHint string, env Env) Decision {
	var executor Executor
	var reason string
	var explicitExecutor string

	switch {
	case executorOverride != "":
		normalized := normalizeExecutor(executorOverride, ExecutorClaude)
		if env.available(normalized) {
			executor = normalized
		} else {
			explicitExecutor = string(normalized)
			executor = env.firstAvailable([]Executor{ExecutorOpenclaw, ExecutorCursor, ExecutorClaude}, ExecutorClaude)
			reason = "explicit_executor_unavailable"
		}
	case isRepoScopedQuestion(direction, scopeHint):
		executor = orDefault(env.RepoDefault, ExecutorCursor)
		reason = "repo_scoped_question"
	case scopeHint == "open" || scopeHint == "general" || looksLikeOpenQuestion(direction):
		executor = orDefault(env.OpenQuestionDefault, ExecutorOpenclaw)
		reason = "open_question_default"
	case env.EscalateFailureThreshold > 0 && env.HistoricalFailures >= env.EscalateFailureThreshold:
		executor = orDefault(env.EscalateTo, escalationDefault(env.CheapDefault))
		reason = "failure_threshold"
	case !env.PolicyEnabled:
		fallback := orDefault(env.DefaultExecutor, ExecutorClaude)
		if env.available(fallback) {
			executor = fallback
		} else {
			executor = env.firstAvailable([]Executor{ExecutorOpenclaw, ExecutorCursor, ExecutorClaude}, fallback)
			reason = "policy_disabled_default_unavailable"
		}
	default:
		cheap := orDefault(env.CheapDefault, ExecutorCursor)
		if env.available(cheap) {
			executor = cheap
			reason = "cheap_default"
		} else {
			executor = env.firstAvailable([]Executor{ExecutorOpenclaw, ExecutorCursor, ExecutorClaude}, cheap)
			reason = "selected_executor_unavailable"
		}
	}

	d := routeForExecutor(kind, executor, env)
	d.PolicyReason = reason
	d.ExplicitExecutor = explicitExecutor
	return d
}

func orDefault(x Executor, fallback Executor) Executor {
	if x == "" {
		return fallback
	}
	return x
}

func escalationDefault(cheap Executor) Executor {
	if cheap != ExecutorClaude {
		return ExecutorClaude
	}
	return ExecutorOpenclaw
}

// modelsByKind are the openrouter-tier model defaults per kind, the
// "claude"/default executor branch of the kind-by-executor model table.
// Override via Env.ModelAliasMap or context.model_override at the call
// site.
var modelsByKind = map[TaskKind]string{
	KindSpec:   "openrouter/free",
	KindTest:   "openrouter/free",
	KindImpl:   "openrouter/free",
	KindReview: "openrouter/free",
	KindHeal:   "openrouter/free",
}

var cursorModelsByKind = map[TaskKind]string{
	KindSpec:   "openrouter/free",
	KindTest:   "openrouter/free",
	KindImpl:   "openrouter/free",
	KindReview: "openrouter/free",
	KindHeal:   "openrouter/free",
}

var openclawModelsByKind = map[TaskKind]string{
	KindSpec:   "gpt-5.1-codex",
	KindTest:   "gpt-5.1-codex",
	KindImpl:   "gpt-5.1-codex",
	KindReview: "gpt-5.1-codex",
	KindHeal:   "gpt-5.1-codex",
}

func routeForExecutor(kind TaskKind, executor Executor, env Env) Decision {
	var model, template, tier string
	switch executor {
	case ExecutorCursor:
		model = "cursor/" + cursorModelsByKind[kind]
		template = cursorCommandTemplate(kind)
		tier = "cursor"
	case ExecutorOpenclaw:
		model = "openclaw/" + openclawModelsByKind[kind]
		template = openclawCommandTemplate(kind)
		tier = "openclaw"
	default:
		model = modelsByKind[kind]
		template = `claude "{{direction}}" --model {{model}}`
		tier = "openrouter"
	}
	model = applyAlias(model, env.ModelAliasMap)

	provider, billing, paid := ClassifyProvider(string(executor), model, template, "")
	return Decision{
		Executor:        executor,
		Model:           model,
		CommandTemplate: template,
		Tier:            tier,
		Provider:        provider,
		BillingProvider: billing,
		IsPaidProvider:  paid,
	}
}

func cursorCommandTemplate(kind TaskKind) string {
	return `agent "{{direction}}" --model ` + cursorModelsByKind[kind]
}

func openclawCommandTemplate(kind TaskKind) string {
	return `codex exec "{{direction}}" --model ` + openclawModelsByKind[kind] + ` --skip-git-repo-check --dangerously-bypass-approvals-and-sandbox --json`
}

func applyAlias(model string, aliases map[string]string) string {
	if to, ok := aliases[model]; ok {
		return to
	}
	return model
}

var modelFlagPattern = regexp.MustCompile(`--model\s+(\S+)`)

// ApplyModelOverride rewrites (or appends) a --model flag in command to
// override.
func ApplyModelOverride(command, override string) string {
	cleaned := strings.TrimSpace(override)
	if cleaned == "" {
		return command
	}
	if modelFlagPattern.MatchString(command) {
		return modelFlagPattern.ReplaceAllString(command, "--model "+cleaned)
	}
	return strings.TrimRight(command, " ") + " --model " + cleaned
}

// ClassifyProvider maps (executor, model, command) to (provider,
// billing_provider, is_paid_provider). workerID distinguishes the
// openai-codex subprocess-runner special case.
func ClassifyProvider(executor, model, command, workerID string) (provider, billingProvider string, isPaid bool) {
	lowerModel := strings.ToLower(strings.TrimSpace(model))
	lowerCommand := strings.ToLower(strings.TrimSpace(command))
	normalizedWorker := strings.ToLower(strings.TrimSpace(workerID))

	commandModel := ""
	if m := modelFlagPattern.FindStringSubmatch(lowerCommand); m != nil {
		commandModel = strings.ToLower(strings.TrimSpace(m[1]))
	}

	switch {
	case normalizedWorker == "openai-codex" || strings.HasPrefix(normalizedWorker, "openai-codex:"):
		provider = "openai-codex"
	case strings.Contains(commandModel, "openrouter") || strings.Contains(lowerModel, "openrouter"):
		provider = "openrouter"
	case hasAnyPrefix(commandModel, "openai/", "gpt", "o1", "o3", "o4"):
		if strings.Contains(commandModel, "codex") {
			provider = "openai-codex"
		} else {
			provider = "openai"
		}
	case strings.Contains(lowerModel, "codex"):
		provider = "openai-codex"
	case hasAnyPrefix(lowerModel, "openai/", "gpt", "o1", "o3", "o4"):
		provider = "openai"
	case strings.HasPrefix(lowerCommand, "codex "):
		provider = "openai-codex"
	case executor == string(ExecutorOpenclaw):
		provider = "openclaw"
	case executor == string(ExecutorCursor):
		provider = "cursor"
	case executor == string(ExecutorClaude) || executor == "aider":
		provider = "claude"
	default:
		provider = "unknown"
	}

	billingProvider = provider
	isPaid = IsPaidModel(provider, lowerModel, commandModel)
	return provider, billingProvider, isPaid
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// IsPaidModel reports whether the classified provider bills per call;
// openrouter routes are free only on the explicit /free model variants.
func IsPaidModel(provider, model, commandModel string) bool {
	switch provider {
	case "openrouter":
		ref := commandModel
		if ref == "" {
			ref = model
		}
		if strings.Contains(ref, "openrouter/free") || strings.HasSuffix(ref, "/free") {
			return false
		}
		return true
	case "openai", "openai-codex", "claude", "cursor":
		return true
	default:
		return false
	}
}
