// Package execadapter implements the execution adapter: the dual-path
// bridge between a routed Task and an actual model call. The HTTP path is
// a chat-completion POST with an explicit timeout, defensive status/decode
// error handling, default-model fallback, and tolerant usage-field naming.
// The subprocess fallback shells out to the codex CLI under
// exec.CommandContext, scans its JSONL stream for the turn.completed usage
// event, and reads then unlinks the scratch output file regardless of
// outcome.
package execadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/agentrun/agentd/internal/usage"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxUsageJSONChars  = 2000
	maxErrorChars      = 1000

	defaultOpenRouterFreeModel = "openrouter/free"
	defaultCodexFallbackModel  = "gpt-5.3-codex-spark"
)

// Usage mirrors the prompt/completion/total token triple both execution
// paths extract, independent of the provider's own field naming.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (u Usage) json() string {
	b, err := json.Marshal(map[string]int{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.TotalTokens,
	})
	if err != nil {
		return "{}"
	}
	if len(b) > maxUsageJSONChars {
		return string(b[:maxUsageJSONChars])
	}
	return string(b)
}

// Result is what either execution path returns to the Lifecycle
// Controller: enough to both update task output/status and emit a usage
// event.
type Result struct {
	OK      bool
	Content string
	Error   string
	// Endpoint names the path that actually ran, in usage-event form:
	// "tool:openrouter.chat_completion" or "tool:codex.exec".
	Endpoint          string
	ElapsedMs         int64
	Usage             Usage
	UsageJSON         string
	ProviderRequestID string
	ResponseID        string
	ActualCostUSD     float64
}

const (
	EndpointChatCompletion = "tool:openrouter.chat_completion"
	EndpointCodexExec      = "tool:codex.exec"
)

// Budget caps what one execution may cost. MaxCostUSD of zero means no cap;
// CostSlackRatio widens the cap by that fraction before an overrun fires.
type Budget struct {
	MaxCostUSD     float64
	CostSlackRatio float64
	CostPerSecond  float64
}

// Limit is the effective cap after slack.
func (b Budget) Limit() float64 {
	limit := b.MaxCostUSD
	if b.CostSlackRatio > 0 {
		limit *= 1 + b.CostSlackRatio
	}
	return limit
}

// ApplyCostBudget stamps the runtime-derived cost onto r and converts a
// successful result into a cost-overrun failure when the budget is
// exceeded. Failed results keep their original error but still get the
// cost stamped for the usage event.
func ApplyCostBudget(r Result, b Budget) Result {
	r.ActualCostUSD = usage.CostForRuntime(r.ElapsedMs, b.CostPerSecond)
	if !r.OK || b.MaxCostUSD <= 0 {
		return r
	}
	if r.ActualCostUSD > b.Limit() {
		r.OK = false
		r.Content = ""
		r.Error = fmt.Sprintf("cost overrun: execution cost $%.4f exceeded max_cost_usd $%.4f", r.ActualCostUSD, b.MaxCostUSD)
	}
	return r
}

func clampElapsed(ms int64) int64 {
	if ms < 1 {
		return 1
	}
	return ms
}

// HTTPClient is the narrow surface execadapter needs from an HTTP chat
// client, letting tests substitute a fake transport; rather than just
// keeping http.Client injectable via timeout, the whole call is swappable.
type HTTPClient interface {
	ChatCompletion(ctx context.Context, model, prompt string) (content string, usage map[string]any, meta map[string]any, err error)
}

// openRouterClient is the default HTTPClient, talking OpenAI-compatible
// chat completions over net/http: a small http.Client with an explicit
// timeout and defensive decode handling.
type openRouterClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenRouterClient builds the default HTTP execution path client.
func NewOpenRouterClient(baseURL, apiKey string) HTTPClient {
	return &openRouterClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type chatCompletionRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

func (c *openRouterClient) ChatCompletion(ctx context.Context, model, prompt string) (string, map[string]any, map[string]any, error) {
	reqBody := chatCompletionRequest{Model: model}
	reqBody.Messages = append(reqBody.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: prompt})

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", nil, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, nil, fmt.Errorf("decode response: %w", err)
	}

	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	meta := map[string]any{
		"elapsed_ms":         time.Since(start).Milliseconds(),
		"provider_request_id": out.ID,
		"response_id":        out.ID,
	}
	return content, out.Usage, meta, nil
}

func intFromUsage(usage map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := usage[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return 0
}

func usageFromMap(usage map[string]any) Usage {
	prompt := intFromUsage(usage, "prompt_tokens", "input_tokens")
	completion := intFromUsage(usage, "completion_tokens", "output_tokens")
	total := intFromUsage(usage, "total_tokens")
	if total == 0 {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// ExtractUnderlyingModel strips the "openclaw/"/"clawwork/"/"cursor/"
// executor prefix to recover the provider-facing model name.
func ExtractUnderlyingModel(taskModel string) string {
	cleaned := strings.TrimSpace(taskModel)
	for _, prefix := range []string{"openclaw/", "clawwork/", "cursor/"} {
		if strings.HasPrefix(cleaned, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(cleaned, prefix))
		}
	}
	return cleaned
}

// RunHTTP executes a task via the HTTP chat-completion path: resolve the
// underlying model (falling back to defaultModel when the task specifies
// none), call the provider, and time the whole round trip even on error so
// callers can still emit a usage event for the failed attempt.
func RunHTTP(ctx context.Context, client HTTPClient, taskModel, defaultModel, prompt string) Result {
	model := ExtractUnderlyingModel(taskModel)
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		model = defaultOpenRouterFreeModel
	}

	start := time.Now()
	content, usageMap, meta, err := client.ChatCompletion(ctx, model, prompt)
	elapsed := clampElapsed(time.Since(start).Milliseconds())
	if m, ok := meta["elapsed_ms"]; ok {
		if ems, ok := m.(int64); ok && ems > 0 {
			elapsed = clampElapsed(ems)
		}
	}
	if err != nil {
		return Result{OK: false, Endpoint: EndpointChatCompletion, ElapsedMs: elapsed, Error: fmt.Sprintf("Execution failed (OpenRouter): %v", err)}
	}

	usage := usageFromMap(usageMap)
	requestID, _ := meta["provider_request_id"].(string)
	responseID, _ := meta["response_id"].(string)
	return Result{
		OK:                true,
		Content:           content,
		Endpoint:          EndpointChatCompletion,
		ElapsedMs:         elapsed,
		Usage:             usage,
		UsageJSON:         usage.json(),
		ProviderRequestID: requestID,
		ResponseID:        responseID,
	}
}

// ShouldFallbackToCodexExec gates the subprocess fallback: only
// codex-family models fall back to the local subprocess, and only when the
// HTTP failure looks like a missing-provider-key condition rather than a
// transient or content error.
func ShouldFallbackToCodexExec(model, errText string) bool {
	underlying := strings.ToLower(ExtractUnderlyingModel(model))
	if !strings.Contains(underlying, "codex") {
		return false
	}
	return strings.Contains(errText, "OPENROUTER_API_KEY is not configured")
}

// codexJSONLTurn is the subset of a `codex exec --json` event this package
// reads; all other event types are skipped.
type codexJSONLTurn struct {
	Type  string         `json:"type"`
	Usage map[string]any `json:"usage"`
}

// extractUsageFromCodexJSONL scans stdout for the first turn.completed
// event and pulls its usage block (first match wins, non-JSON lines
// ignored).
func extractUsageFromCodexJSONL(output string) Usage {
	for _, rawLine := range strings.Split(output, "\n") {
		line := strings.TrimSpace(rawLine)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var turn codexJSONLTurn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			continue
		}
		if strings.TrimSpace(turn.Type) != "turn.completed" {
			continue
		}
		return usageFromMap(turn.Usage)
	}
	return Usage{}
}

func readOutputFile(path string) string {
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func truncateError(s string) string {
	if len(s) <= maxErrorChars {
		return s
	}
	return s[:maxErrorChars]
}

// RunCodexExec executes a task by shelling out to the `codex exec` CLI:
// prompt as a positional argument, --model resolved to the underlying
// model (falling back to a spark model when none is set),
// --skip-git-repo-check, --dangerously-bypass-approvals-and-sandbox,
// --json, and -o pointing at a scratch output file that is read and
// unlinked afterward regardless of outcome.
func RunCodexExec(ctx context.Context, taskModel, prompt string) Result {
	resolvedModel := ExtractUnderlyingModel(taskModel)
	if resolvedModel == "" {
		resolvedModel = defaultCodexFallbackModel
	}

	out, err := os.CreateTemp("", "codex_exec_*.txt")
	if err != nil {
		return Result{OK: false, Endpoint: EndpointCodexExec, ElapsedMs: 1, Error: fmt.Sprintf("Execution failed (Codex): %v", err)}
	}
	outPath := out.Name()
	out.Close()

	args := []string{
		"exec",
		prompt,
		"--model", resolvedModel,
		"--skip-git-repo-check",
		"--dangerously-bypass-approvals-and-sandbox",
		"--json",
		"-o", outPath,
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "codex", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	elapsed := clampElapsed(time.Since(start).Milliseconds())

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			os.Remove(outPath)
			return Result{OK: false, Endpoint: EndpointCodexExec, ElapsedMs: elapsed, Error: fmt.Sprintf("Execution failed (Codex): %v", runErr)}
		}
	}

	content := readOutputFile(outPath)

	if exitErr, ok := runErr.(*exec.ExitError); ok && exitErr.ExitCode() != 0 {
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = strings.TrimSpace(stdout.String())
		}
		if errText == "" {
			errText = "codex exec failed"
		}
		return Result{OK: false, Endpoint: EndpointCodexExec, ElapsedMs: elapsed, Error: fmt.Sprintf("Execution failed (Codex): %s", truncateError(errText))}
	}

	if content == "" {
		content = strings.TrimSpace(stdout.String())
	}
	if content == "" {
		content = "Codex execution completed with no output."
	}

	usage := extractUsageFromCodexJSONL(stdout.String())
	return Result{
		OK:        true,
		Content:   content,
		Endpoint:  EndpointCodexExec,
		ElapsedMs: elapsed,
		Usage:     usage,
		UsageJSON: usage.json(),
	}
}
