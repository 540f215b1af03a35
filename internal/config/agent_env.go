// AgentEnv resolves agentd's environment surface: persistence backend
// selection, executor policy defaults, retry/orphan/alert knobs. Uses the
// os.Getenv + small parse helper idiom this repo's broader config surface
// (config.go) already follows, scaled down here to the fixed, enumerable
// set of knobs agentd recognizes — a hand-rolled env reader rather than a viper-style
// layered loader, matching this repo's own main config path.
package config

import (
	"os"
	"strconv"
	"strings"
)

// AgentEnv is the read-only snapshot of environment configuration taken
// once at startup.
type AgentEnv struct {
	TasksPersist   bool
	TasksUseDB     bool
	TasksDatabaseURL string
	TasksPath      string

	ExecutorPolicyEnabled    bool
	ExecutorCheapDefault     string
	ExecutorEscalateTo       string
	ExecutorEscalateFailureThreshold int
	ExecutorRepoDefault          string
	ExecutorOpenQuestionDefault  string

	AllowPaidProviders     bool
	AutoRetryOpenAIOverride bool
	RetryOpenAIModelOverride string
	ModelAliasMap          map[string]string

	OrphanRunningSec    int
	OrphanReapMaxTasks  int
	TaskOutputMaxChars  int

	OpenRouterFreeModel string
	RuntimeCostPerSecond float64

	TelegramBotToken             string
	TelegramChatIDs               string
	TelegramAllowedUserIDs        []int64
	TelegramFailedAlertWindowSec  int
	TelegramFailedAlertMaxPerWindow int

	// OTelEnabled/OTelExporter follow the same os.Getenv-plus-helper
	// convention as every other flag above rather than hardcoding
	// Enabled: false at the call site.
	OTelEnabled  bool
	OTelExporter string
}

// LoadAgentEnv reads the recognized environment variables with their
// documented defaults.
func LoadAgentEnv() AgentEnv {
	return AgentEnv{
		TasksPersist:     boolEnv("AGENT_TASKS_PERSIST", false),
		TasksUseDB:       boolEnv("AGENT_TASKS_USE_DB", false),
		TasksDatabaseURL: os.Getenv("AGENT_TASKS_DATABASE_URL"),
		TasksPath:        os.Getenv("AGENT_TASKS_PATH"),

		ExecutorPolicyEnabled:            boolEnv("AGENT_EXECUTOR_POLICY_ENABLED", true),
		ExecutorCheapDefault:             getEnvOr("AGENT_EXECUTOR_CHEAP_DEFAULT", "cursor"),
		ExecutorEscalateTo:               getEnvOr("AGENT_EXECUTOR_ESCALATE_TO", "claude"),
		ExecutorEscalateFailureThreshold: intEnv("AGENT_EXECUTOR_ESCALATE_FAILURE_THRESHOLD", 3),
		ExecutorRepoDefault:              getEnvOr("AGENT_EXECUTOR_REPO_DEFAULT", "cursor"),
		ExecutorOpenQuestionDefault:      getEnvOr("AGENT_EXECUTOR_OPEN_QUESTION_DEFAULT", "openclaw"),

		AllowPaidProviders:       boolEnv("AGENT_ALLOW_PAID_PROVIDERS", false),
		AutoRetryOpenAIOverride:  boolEnv("AGENT_AUTO_RETRY_OPENAI_OVERRIDE", false),
		RetryOpenAIModelOverride: os.Getenv("AGENT_RETRY_OPENAI_MODEL_OVERRIDE"),
		ModelAliasMap:            parseAliasMap(os.Getenv("AGENT_MODEL_ALIAS_MAP")),

		OrphanRunningSec:   intEnv("AGENT_ORPHAN_RUNNING_SEC", 1800),
		OrphanReapMaxTasks: intEnv("AGENT_ORPHAN_REAP_MAX_TASKS", 10),
		TaskOutputMaxChars: intEnv("AGENT_TASK_OUTPUT_MAX_CHARS", 0),

		OpenRouterFreeModel:  os.Getenv("OPENROUTER_FREE_MODEL"),
		RuntimeCostPerSecond: floatEnv("RUNTIME_COST_PER_SECOND", 0.002),

		TelegramBotToken:                os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatIDs:                 os.Getenv("TELEGRAM_CHAT_IDS"),
		TelegramAllowedUserIDs:          parseInt64List(os.Getenv("TELEGRAM_ALLOWED_USER_IDS")),
		TelegramFailedAlertWindowSec:    intEnv("TELEGRAM_FAILED_ALERT_WINDOW_SECONDS", 1800),
		TelegramFailedAlertMaxPerWindow: intEnv("TELEGRAM_FAILED_ALERT_MAX_PER_WINDOW", 1),

		OTelEnabled:  boolEnv("AGENTD_OTEL_ENABLED", false),
		OTelExporter: getEnvOr("AGENTD_OTEL_EXPORTER", "stdout"),
	}
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// parseAliasMap parses "from:to,from:to" (AGENT_MODEL_ALIAS_MAP).
func parseAliasMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

func parseInt64List(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, n)
		}
	}
	return ids
}
