// Command agentd runs the agent task orchestration service: the Lifecycle
// Controller, Routing/Retry engines, Execution Adapter, Usage Recorder,
// Orphan Sweeper, Alert Dispatcher, Chat Adapter, and the REST surface.
// Startup follows a standard daemon sequence — config load, logger
// construction, store open, background goroutines, HTTP listen,
// signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentrun/agentd/internal/alert"
	"github.com/agentrun/agentd/internal/bus"
	"github.com/agentrun/agentd/internal/chatadapter"
	"github.com/agentrun/agentd/internal/clock"
	"github.com/agentrun/agentd/internal/config"
	"github.com/agentrun/agentd/internal/cron"
	"github.com/agentrun/agentd/internal/execadapter"
	"github.com/agentrun/agentd/internal/httpapi"
	"github.com/agentrun/agentd/internal/lifecycle"
	otelPkg "github.com/agentrun/agentd/internal/otel"
	"github.com/agentrun/agentd/internal/orphan"
	"github.com/agentrun/agentd/internal/routing"
	"github.com/agentrun/agentd/internal/runnerregistry"
	"github.com/agentrun/agentd/internal/store"
	"github.com/agentrun/agentd/internal/telemetry"
	"github.com/agentrun/agentd/internal/usage"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := os.Getenv("AGENTD_HOME")
	if homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = "."
		}
		homeDir = filepath.Join(home, ".agentd")
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	logLevel := os.Getenv("AGENTD_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger, closer, err := telemetry.NewLogger(homeDir, logLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready", "version", Version)

	env := config.LoadAgentEnv()

	agentFilePath := os.Getenv("AGENTD_CONFIG_FILE")
	if agentFilePath == "" {
		agentFilePath = filepath.Join(homeDir, "agentd.yaml")
	}
	agentFile, err := config.LoadAgentFile(agentFilePath)
	if err != nil {
		fatalStartup(logger, "E_AGENT_FILE", err)
	}
	env.ModelAliasMap = config.MergeAliases(agentFile.ModelAliases, env.ModelAliasMap)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     env.OTelEnabled,
		Exporter:    env.OTelExporter,
		ServiceName: "agentd",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := usage.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	usageRecorder := usage.NewRecorder(metrics)

	taskStore, storeCloser, err := openTaskStore(env, homeDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	logger.Info("startup phase", "phase", "store_opened",
		"persist", env.TasksPersist, "use_db", env.TasksUseDB)

	runners := runnerregistry.NewMemory()
	eventBus := bus.NewWithLogger(logger)
	realClock := clock.Real{}

	routeEnv := routing.Env{
		PolicyEnabled:            env.ExecutorPolicyEnabled,
		CheapDefault:             routing.Executor(env.ExecutorCheapDefault),
		EscalateTo:               routing.Executor(env.ExecutorEscalateTo),
		EscalateFailureThreshold: env.ExecutorEscalateFailureThreshold,
		RepoDefault:              routing.Executor(env.ExecutorRepoDefault),
		OpenQuestionDefault:      routing.Executor(env.ExecutorOpenQuestionDefault),
		DefaultExecutor:          routing.Executor(env.ExecutorCheapDefault),
		ModelAliasMap:            env.ModelAliasMap,
		IsAvailable:              executorAvailable,
	}

	ctrl := lifecycle.NewController(taskStore, realClock, lifecycle.Env{
		Routing:            routeEnv,
		AllowPaidProviders: env.AllowPaidProviders,
		AutoRetryOpenAI:    env.AutoRetryOpenAIOverride,
		RetryModelOverride: env.RetryOpenAIModelOverride,
		OutputMaxChars:     env.TaskOutputMaxChars,
		CostPerSecond:      env.RuntimeCostPerSecond,
	}, usageRecorder)
	ctrl.Tracer = otelProvider.Tracer

	var chatAdapter *chatadapter.Adapter
	if env.TelegramBotToken != "" {
		chatAdapter = chatadapter.New(chatadapter.Config{
			Token:      env.TelegramBotToken,
			ChatIDs:    chatadapter.ParseChatIDs(env.TelegramChatIDs),
			AllowedIDs: env.TelegramAllowedUserIDs,
		}, ctrl, usageRecorder, eventBus, logger)
		// Alerts flow dispatcher → bus → chat adapter subscription; the
		// dispatcher's direct Sender stays unset so each alert is sent
		// exactly once.
		ctrl.Alerts = alert.New(realClock, eventBus, nil, logger, alert.Config{
			Window:       time.Duration(env.TelegramFailedAlertWindowSec) * time.Second,
			MaxPerWindow: env.TelegramFailedAlertMaxPerWindow,
		})
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set; alert dispatch and chat commands disabled")
	}

	var scheduler *cron.Scheduler
	if len(agentFile.Schedules) > 0 {
		scheduler = cron.NewScheduler(cron.Config{
			Creator:   ctrl,
			Clock:     realClock,
			Logger:    logger,
			Schedules: agentFile.Schedules,
		})
		scheduler.Start(ctx)
	}

	sweeper := orphan.New(taskStore, ctrl, realClock, orphan.Config{
		ThresholdSeconds: env.OrphanRunningSec,
		MaxRecoveries:    env.OrphanReapMaxTasks,
	}, logger)

	var httpClient execadapter.HTTPClient
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		httpClient = execadapter.NewOpenRouterClient(os.Getenv("OPENROUTER_BASE_URL"), key)
	} else {
		logger.Warn("OPENROUTER_API_KEY not set; execution falls back to codex-exec for every task")
	}

	api := &httpapi.API{
		Controller:   ctrl,
		Runners:      runners,
		Orphans:      sweeper,
		RouteEnv:     routeEnv,
		HTTPClient:   httpClient,
		DefaultModel: env.OpenRouterFreeModel,
		Tracer:       otelProvider.Tracer,
	}

	bindAddr := os.Getenv("AGENTD_BIND_ADDR")
	if bindAddr == "" {
		bindAddr = "127.0.0.1:8089"
	}
	server := &http.Server{Addr: bindAddr, Handler: api.Mux()}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", bindAddr)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if chatAdapter != nil {
		g.Go(func() error {
			if err := chatAdapter.Start(gctx); err != nil && gctx.Err() == nil {
				logger.Error("chat adapter stopped with error", "error", err)
				return err
			}
			return nil
		})
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		logger.Error("background task exited with error", "error", err)
	}
	logger.Info("shutdown complete")
}

// openTaskStore selects the Task Store backend per AGENT_TASKS_PERSIST /
// AGENT_TASKS_USE_DB: in-memory by default, a JSON file when
// persistence is requested without a database, or SQLite when a database is
// requested.
func openTaskStore(env config.AgentEnv, homeDir string) (store.TaskStore, func(), error) {
	if !env.TasksPersist {
		return store.NewMemory(), nil, nil
	}
	if env.TasksUseDB {
		path := env.TasksDatabaseURL
		if path == "" {
			path = store.DefaultDBPath()
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	}
	path := env.TasksPath
	if path == "" {
		path = filepath.Join(homeDir, "tasks.json")
	}
	f, err := store.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	return f, nil, nil
}

// executorAvailable reports whether the named executor's backing binary is
// on PATH, the production implementation of routing.Env.IsAvailable.
func executorAvailable(x routing.Executor) bool {
	name := string(x)
	if name == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			reasonCode, message)
	}
	os.Exit(1)
}
