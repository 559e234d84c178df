// Package approval - telegram.go implements the Channel over the Telegram
// Bot API.
//
// Approvals are inline-keyboard messages; the callback data carries the
// request id and the decision. A long-poll listener goroutine routes
// callbacks to the waiting request's result channel and dispatches
// operator commands.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Commands is the out-of-band control surface. main wires these to the
// scheduler, executor, and store; unset fields disable the command.
type Commands struct {
	Pause     func() string
	Resume    func() string
	SetMode   func(mode string) string
	Balance   func() string
	Positions func() string
	Signal    func() string
	Jobs      func() string
	Logs      func(limit int) string
}

// Telegram implements Channel over a Telegram bot.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	timeout time.Duration
	cmds    Commands
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Result
}

// NewTelegram creates the channel and verifies the bot token.
func NewTelegram(token string, chatID int64, timeout time.Duration, cmds Commands, log zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	t := &Telegram{
		bot:     bot,
		chatID:  chatID,
		timeout: timeout,
		cmds:    cmds,
		log:     log.With().Str("component", "telegram").Logger(),
		pending: make(map[string]chan Result),
	}
	t.log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")
	return t, nil
}

// RequestApproval posts the pending order with approve/reject buttons and
// waits for the operator's decision.
func (t *Telegram) RequestApproval(ctx context.Context, req Request) Result {
	id := uuid.NewString()[:8]

	resultCh := make(chan Result, 1)
	t.mu.Lock()
	t.pending[id] = resultCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	text := fmt.Sprintf(
		"*TRADE APPROVAL REQUIRED*\n\n"+
			"Signal: %s\n"+
			"ETF: %s\n"+
			"Shares: %d\n"+
			"Price: $%.2f\n"+
			"Total: $%.2f\n\n"+
			"Reason: %s%s\n\n"+
			"_Expires in %s_",
		req.SignalKind, req.Instrument, req.Shares, req.Price, req.PositionValue,
		req.Reason, req.ReversalWarning, t.timeout.Round(time.Minute),
	)

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", "approve_"+id),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", "reject_"+id),
		),
	)

	if _, err := t.bot.Send(msg); err != nil {
		t.log.Error().Err(err).Msg("failed to send approval request")
		return Error
	}

	select {
	case result := <-resultCh:
		return result
	case <-time.After(t.timeout):
		t.SendMessage(fmt.Sprintf("⏰ Approval for %s %s timed out — trade skipped.", req.SignalKind, req.Instrument))
		return Timeout
	case <-ctx.Done():
		return Error
	}
}

// SendMessage posts a one-way message. Failures are logged, never returned:
// a notification must not break the trading path.
func (t *Telegram) SendMessage(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		// Markdown parse failures are the usual culprit; retry plain.
		msg.ParseMode = ""
		if _, err := t.bot.Send(msg); err != nil {
			t.log.Warn().Err(err).Msg("failed to send message")
		}
	}
}

func (t *Telegram) NotifyTradeExecuted(n TradeNotice) {
	mode := "LIVE"
	if n.IsPaper {
		mode = "PAPER"
	}
	t.SendMessage(fmt.Sprintf(
		"✅ *TRADE EXECUTED* [%s]\n\nSignal: %s\n%s %d %s @ $%.2f\nTotal: $%.2f\nOrder: `%s`",
		mode, n.SignalKind, n.Action, n.Shares, n.Instrument, n.Price, n.Total, n.OrderID,
	))
}

func (t *Telegram) NotifyPositionClosed(n CloseNotice) {
	emoji := "📈"
	if n.PnL < 0 {
		emoji = "📉"
	}
	t.SendMessage(fmt.Sprintf(
		"%s *POSITION CLOSED*\n\nSold %d %s @ $%.2f (entry $%.2f)\nP&L: $%+.2f (%+.2f%%)",
		emoji, n.Shares, n.Instrument, n.ExitPrice, n.EntryPrice, n.PnL, n.PnLPct,
	))
}

func (t *Telegram) NotifyError(errType, message string) {
	t.SendMessage(fmt.Sprintf("🚨 *%s*\n\n%s", errType, message))
}

// Run long-polls Telegram for callbacks and commands until ctx is
// cancelled. This is one of the worker's two concurrency sources (the
// scheduler is the other).
func (t *Telegram) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	t.log.Info().Msg("listening for telegram updates")

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message != nil && update.Message.IsCommand() {
		if !t.authorized(update.Message.Chat.ID) {
			t.log.Warn().Int64("chat_id", update.Message.Chat.ID).Msg("unauthorized command ignored")
			return
		}
		t.handleCommand(update.Message)
	}
}

// authorized restricts the command surface to the configured operator chat.
func (t *Telegram) authorized(chatID int64) bool {
	return t.chatID == 0 || chatID == t.chatID
}

func (t *Telegram) handleCallback(cb *tgbotapi.CallbackQuery) {
	if !t.authorized(cb.Message.Chat.ID) {
		return
	}

	var result Result
	var id, ack string
	switch {
	case strings.HasPrefix(cb.Data, "approve_"):
		id, result, ack = strings.TrimPrefix(cb.Data, "approve_"), Approved, "🚀 Approved"
	case strings.HasPrefix(cb.Data, "reject_"):
		id, result, ack = strings.TrimPrefix(cb.Data, "reject_"), Rejected, "🛑 Rejected"
	default:
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	t.mu.Unlock()

	if !ok {
		_, _ = t.bot.Request(tgbotapi.NewCallback(cb.ID, "⚠️ Expired"))
		return
	}

	// Buffered channel; only the first decision counts.
	select {
	case ch <- result:
	default:
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cb.ID, ack))
}
