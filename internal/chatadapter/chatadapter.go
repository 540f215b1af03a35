// Package chatadapter implements the Chat Adapter (C11): a Telegram-backed
// command surface over the Lifecycle Controller, plus the outbound alert
// path the Alert Dispatcher (internal/alert) publishes onto. Bot init,
// long-poll with stall detection, a reconnect-with-backoff loop, and
// allowlist enforcement follow the same shape as any long-poll Telegram
// bot loop, dispatching a fixed command set (/status, /tasks, /task,
// /reply, /attention, /usage, /direction). Text without a leading slash is
// treated as an implicit /direction; sends that fail on parse_mode are
// retried once as plain text.
package chatadapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/agentrun/agentd/internal/alert"
	"github.com/agentrun/agentd/internal/bus"
	"github.com/agentrun/agentd/internal/lifecycle"
	"github.com/agentrun/agentd/internal/store"
	"github.com/agentrun/agentd/internal/usage"
)

// Transport is the narrow outbound capability this package needs from a bot
// client, kept as an interface so tests can substitute a fake the way
// TelegramChannel's tests swap in a fake bot.
type Transport interface {
	Send(chatID int64, text string, parseMode string) error
}

// tgTransport adapts *tgbotapi.BotAPI to Transport.
type tgTransport struct {
	bot *tgbotapi.BotAPI
}

func (t *tgTransport) Send(chatID int64, text string, parseMode string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	_, err := t.bot.Send(msg)
	return err
}

// Adapter is the Chat Adapter: it polls inbound Telegram updates, enforces
// the allowlist, dispatches slash commands against the Controller, and
// serves as the alert.Sender the Alert Dispatcher sends through.
type Adapter struct {
	token      string
	allowedIDs map[int64]struct{}
	chatIDs    []int64
	controller *lifecycle.Controller
	usageLog   *usage.Recorder
	eventBus   *bus.Bus
	logger     *slog.Logger

	transport Transport
	bot       *tgbotapi.BotAPI
}

// Config carries TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_IDS /
// TELEGRAM_ALLOWED_USER_IDS.
type Config struct {
	Token      string
	ChatIDs    []int64
	AllowedIDs []int64
}

// New builds an Adapter. ctrl/usageLog/eventBus may be nil in tests that
// only exercise command parsing.
func New(cfg Config, ctrl *lifecycle.Controller, usageLog *usage.Recorder, eventBus *bus.Bus, logger *slog.Logger) *Adapter {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:      cfg.Token,
		allowedIDs: allowed,
		chatIDs:    cfg.ChatIDs,
		controller: ctrl,
		usageLog:   usageLog,
		eventBus:   eventBus,
		logger:     logger,
	}
}

// Start connects the bot and begins a reconnect-with-backoff long-poll loop.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("chatadapter: telegram init failed: %w", err)
	}
	a.bot = bot
	a.transport = &tgTransport{bot: bot}
	a.logger.Info("chat_adapter_started", "user", bot.Self.UserName)

	if a.eventBus != nil {
		go a.subscribeAlerts(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := a.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		a.logger.Warn("chat_adapter_poll_disconnected", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

const stallTimeout = 150 * time.Second

func (a *Adapter) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			if update.Message == nil {
				continue
			}
			if !a.allowed(update.Message.From.ID) {
				a.logger.Warn("chat_adapter_access_denied", "user_id", update.Message.From.ID)
				continue
			}
			a.handleInbound(ctx, update.Message.Chat.ID, update.Message.From.ID, update.Message.Text)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

// allowed enforces the inbound allowlist: an empty allowlist means
// everyone is allowed.
func (a *Adapter) allowed(userID int64) bool {
	if len(a.allowedIDs) == 0 {
		return true
	}
	_, ok := a.allowedIDs[userID]
	return ok
}

// Command is a parsed inbound update: a leading "/" names a command and
// the remainder is its argument; anything else is an implicit "direction"
// command.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand implements the slash-command/implicit-direction split.
func ParseCommand(text string) Command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return Command{Name: "direction", Arg: text}
	}
	parts := strings.SplitN(text, " ", 2)
	name := strings.TrimPrefix(parts[0], "/")
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return Command{Name: name, Arg: arg}
}

func (a *Adapter) handleInbound(ctx context.Context, chatID, userID int64, text string) {
	cmd := ParseCommand(text)
	reply, parseMode := a.dispatch(ctx, cmd)
	a.reply(chatID, reply, parseMode)
}

// sendWithRetry sends text, retrying once without parse_mode if the
// transport rejects it for malformed Markdown/HTML.
func (a *Adapter) sendWithRetry(chatID int64, text, parseMode string) error {
	if a.transport == nil {
		return fmt.Errorf("chatadapter: not started")
	}
	err := a.transport.Send(chatID, text, parseMode)
	if err != nil && parseMode != "" {
		return a.transport.Send(chatID, text, "")
	}
	return err
}

// reply sends a command response, logging (not returning) any failure.
func (a *Adapter) reply(chatID int64, text, parseMode string) {
	if err := a.sendWithRetry(chatID, text, parseMode); err != nil {
		a.logger.Warn("chat_adapter_send_failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) dispatch(ctx context.Context, cmd Command) (text string, parseMode string) {
	switch cmd.Name {
	case "status":
		return a.cmdStatus(ctx), ""
	case "tasks":
		return a.cmdTasks(ctx, cmd.Arg), ""
	case "task":
		return a.cmdTask(ctx, cmd.Arg), ""
	case "reply":
		return a.cmdReply(ctx, cmd.Arg), ""
	case "attention":
		return a.cmdAttention(ctx), ""
	case "usage":
		return a.cmdUsage(ctx), ""
	case "direction":
		return a.cmdDirection(ctx, strings.Trim(cmd.Arg, `"`)), ""
	default:
		return helpText(), ""
	}
}

func helpText() string {
	return "Commands: /status, /tasks [status], /task {id}, /reply {id} {decision}, " +
		"/attention, /usage, /direction \"...\""
}

func (a *Adapter) cmdStatus(ctx context.Context) string {
	if a.controller == nil {
		return "status unavailable"
	}
	counts, err := a.controller.Store.CountByStatus(ctx)
	if err != nil {
		return "status unavailable: " + err.Error()
	}
	var b strings.Builder
	b.WriteString("Status:\n")
	for _, s := range []store.TaskStatus{store.StatusPending, store.StatusRunning, store.StatusCompleted, store.StatusFailed, store.StatusNeedsDecision} {
		fmt.Fprintf(&b, "  %s: %d\n", s, counts[s])
	}
	return b.String()
}

func (a *Adapter) cmdTasks(ctx context.Context, arg string) string {
	if a.controller == nil {
		return "tasks unavailable"
	}
	items, total, err := a.controller.Store.List(ctx, store.ListFilter{Status: store.TaskStatus(strings.TrimSpace(arg)), Limit: 10})
	if err != nil {
		return "tasks unavailable: " + err.Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks (%d total):\n", total)
	for _, t := range items {
		fmt.Fprintf(&b, "  %s [%s] %s\n", t.ID, t.Status, excerpt(t.Direction, 60))
	}
	return b.String()
}

func (a *Adapter) cmdTask(ctx context.Context, id string) string {
	if a.controller == nil {
		return "task unavailable"
	}
	id = strings.TrimSpace(id)
	t, err := a.controller.Store.Get(ctx, id)
	if err != nil {
		return "task unavailable: " + err.Error()
	}
	if t == nil {
		return "no such task: " + id
	}
	return fmt.Sprintf("%s [%s]\nDirection: %s\nOutput: %s", t.ID, t.Status, t.Direction, excerpt(t.Output, 500))
}

func (a *Adapter) cmdReply(ctx context.Context, arg string) string {
	if a.controller == nil {
		return "reply unavailable"
	}
	parts := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if len(parts) < 2 {
		return "usage: /reply {id} {decision}"
	}
	id, decision := parts[0], parts[1]
	t, err := a.controller.UpdateTask(ctx, id, lifecycle.UpdateInput{Decision: &decision})
	if err != nil {
		return "reply failed: " + err.Error()
	}
	return fmt.Sprintf("%s decision recorded: %s (status=%s)", t.ID, decision, t.Status)
}

func (a *Adapter) cmdAttention(ctx context.Context) string {
	if a.controller == nil {
		return "attention unavailable"
	}
	failed, _, _ := a.controller.Store.List(ctx, store.ListFilter{Status: store.StatusFailed, Limit: 10})
	decisions, _, _ := a.controller.Store.List(ctx, store.ListFilter{Status: store.StatusNeedsDecision, Limit: 10})
	all := append(append([]*store.Task{}, failed...), decisions...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) == 0 {
		return "nothing needs attention"
	}
	var b strings.Builder
	for _, t := range all {
		fmt.Fprintf(&b, "  %s [%s] %s\n", t.ID, t.Status, excerpt(t.Direction, 60))
	}
	return b.String()
}

func (a *Adapter) cmdUsage(ctx context.Context) string {
	_ = ctx
	if a.usageLog == nil {
		return "usage unavailable"
	}
	events := a.usageLog.Events()
	var totalCost float64
	var totalTokens int
	for _, e := range events {
		totalCost += e.RuntimeCostUSD
		totalTokens += e.TotalTokens
	}
	return fmt.Sprintf("Usage: %d events, %d tokens, $%.4f", len(events), totalTokens, totalCost)
}

func (a *Adapter) cmdDirection(ctx context.Context, direction string) string {
	if a.controller == nil {
		return "direction unavailable"
	}
	direction = strings.TrimSpace(direction)
	if direction == "" {
		return "direction must not be empty"
	}
	t, err := a.controller.CreateTask(ctx, lifecycle.CreateInput{Direction: direction, Kind: store.KindImpl})
	if err != nil {
		return "create failed: " + err.Error()
	}
	return fmt.Sprintf("created %s [%s]", t.ID, t.Status)
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// SendAlert implements alert.Sender: fan out to every configured chat
// recipient.
func (a *Adapter) SendAlert(ctx context.Context, message string) error {
	_ = ctx
	var lastErr error
	for _, chatID := range a.chatIDs {
		if err := a.sendWithRetry(chatID, message, "Markdown"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// subscribeAlerts drains internal/alert.TopicAlertRaised events and renders
// them through SendAlert, decoupling the Alert Dispatcher's rate-limit
// decision from the actual transport send.
func (a *Adapter) subscribeAlerts(ctx context.Context) {
	sub := a.eventBus.Subscribe(alert.TopicAlertRaised)
	defer a.eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			raised, ok := evt.Payload.(alert.RaisedAlert)
			if !ok {
				continue
			}
			if err := a.SendAlert(ctx, raised.Message); err != nil {
				a.logger.Warn("alert_dispatch_failed", "task_id", raised.TaskID, "error", err)
			}
		}
	}
}

// ParseChatID is a small helper for config loading (TELEGRAM_CHAT_IDS is a
// comma-separated list of int64s).
func ParseChatIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
