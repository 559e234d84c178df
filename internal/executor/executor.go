// Package executor reconciles intended positions with actual broker state.
//
// Every operation that mutates positions runs under a single position
// mutex held for the whole compound operation (close-then-open for
// reversals and switches, tier-triggered hedge additions). Go has no
// reentrant lock, so the compound paths call the *Locked variants of the
// primitives they compose; public methods take the lock at entry.
//
// Concurrency guarantees:
//   - at most one order is in flight from the executor at any instant
//   - approval is completed (or times out) before an order is placed
//   - daily state maps are mutated only under the position mutex
//   - the hedge controller is only called while the mutex is held
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nitinkhare/btcEtfAgent/internal/approval"
	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/config"
	"github.com/nitinkhare/btcEtfAgent/internal/hedge"
	"github.com/nitinkhare/btcEtfAgent/internal/market"
	"github.com/nitinkhare/btcEtfAgent/internal/metrics"
	"github.com/nitinkhare/btcEtfAgent/internal/risk"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

// Action is what the executor did about a signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionNone Action = "NONE"
	ActionHold Action = "HOLD"
)

// Error classifications surfaced to the operator.
const (
	ErrClassDuplicate    = "duplicate"
	ErrClassRejected     = "rejected"
	ErrClassTimeout      = "timeout"
	ErrClassInsufficient = "insufficient capital"
	ErrClassBroker       = "broker error"
	ErrClassAuth         = "auth failure"
	ErrClassShutdown     = "shutting down"
)

// TradeResult reports the outcome of one executor operation.
type TradeResult struct {
	Success    bool
	Signal     strategy.Signal
	Instrument string
	Action     Action
	Shares     int
	Price      float64
	TotalValue float64
	OrderID    string
	Err        string
	IsPaper    bool
}

// Position is the executor's local record of one holding. The broker is
// the source of truth for quantity; the local record carries what the
// broker cannot: entry price at fill, entry time, and the signal that
// opened it.
type Position struct {
	Instrument   string
	Shares       int
	EntryPrice   float64
	EntryTime    time.Time
	SourceSignal string
}

// Executor orchestrates broker, approval channel, signal engine, and
// hedge controller.
type Executor struct {
	cfg     *config.Config
	broker  broker.Broker
	data    *market.Manager
	store   storage.Store
	channel approval.Channel
	engine  *strategy.Engine
	hedge   *hedge.Controller
	sizer   *risk.Sizer
	log     zerolog.Logger
	now     func() time.Time

	// mu is the position mutex. Fields below it are guarded by it.
	mu          sync.Mutex
	positions   map[string]*Position
	tradesToday map[strategy.Signal]time.Time
	dailyDate   string
	reversalTriggeredToday bool

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates the executor.
func New(
	cfg *config.Config,
	brk broker.Broker,
	data *market.Manager,
	store storage.Store,
	channel approval.Channel,
	engine *strategy.Engine,
	hedgeCtl *hedge.Controller,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		cfg:         cfg,
		broker:      brk,
		data:        data,
		store:       store,
		channel:     channel,
		engine:      engine,
		hedge:       hedgeCtl,
		sizer:       risk.NewSizer(cfg.MaxPositionPct, cfg.MaxPositionUSD),
		log:         log.With().Str("component", "executor").Logger(),
		now:         market.Now,
		positions:   make(map[string]*Position),
		tradesToday: make(map[strategy.Signal]time.Time),
	}
}

// SetClock overrides the executor's clock. Test hook.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// IsPaper reports whether the executor simulates fills.
func (e *Executor) IsPaper() bool { return e.cfg.TradingMode == config.ModePaper }

// Shutdown makes the executor refuse new signals. In-flight fill polls may
// complete; any order already at the broker stays live for manual
// reconciliation.
func (e *Executor) Shutdown() {
	e.shutdownMu.Lock()
	e.shutdown = true
	e.shutdownMu.Unlock()
}

func (e *Executor) isShutdown() bool {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()
	return e.shutdown
}

// RenewBrokerToken renews the broker's access token (scheduled daily in
// live mode).
func (e *Executor) RenewBrokerToken(ctx context.Context) error {
	return e.broker.RenewToken(ctx)
}

// TodaySignal asks the engine for the current signal, feeding it the
// executor's view of holdings so the signal is position-aware.
func (e *Executor) TodaySignal() strategy.TodaySignal {
	return e.engine.TodaySignal(e.heldSymbols())
}

// heldSymbols lists universe tickers currently held at the broker.
func (e *Executor) heldSymbols() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rows, err := e.broker.GetAccountPositions(ctx, e.cfg.ETrade.AccountIDKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not fetch positions for signal context")
		// Fall back to the local map so a transient broker failure does
		// not make the engine believe the book is flat.
		e.mu.Lock()
		defer e.mu.Unlock()
		symbols := make([]string, 0, len(e.positions))
		for sym := range e.positions {
			symbols = append(symbols, sym)
		}
		return symbols
	}

	var symbols []string
	for _, row := range rows {
		if row.Quantity > 0 && e.inUniverse(row.Symbol) {
			symbols = append(symbols, row.Symbol)
		}
	}
	return symbols
}

func (e *Executor) inUniverse(symbol string) bool {
	for _, s := range e.cfg.Universe.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// ExecuteSignal executes the given signal, fetching it first when nil.
// skipApproval bypasses the approval wait for time-critical signals
// (crash/pump polls); every other caller leaves it false.
func (e *Executor) ExecuteSignal(ctx context.Context, sig *strategy.TodaySignal, skipApproval bool) TradeResult {
	if e.isShutdown() {
		return TradeResult{Success: false, Action: ActionNone, Err: ErrClassShutdown, IsPaper: e.IsPaper()}
	}

	var signal strategy.TodaySignal
	if sig != nil {
		signal = *sig
	} else {
		signal = e.TodaySignal()
	}

	// CASH and HOLD are no-ops by contract.
	if signal.Signal == strategy.SignalCash {
		e.log.Info().Str("reason", signal.Reason).Msg("no trade today")
		return TradeResult{Success: true, Signal: signal.Signal, Instrument: "CASH", Action: ActionNone, IsPaper: e.IsPaper()}
	}
	if signal.Signal == strategy.SignalHold {
		return TradeResult{Success: true, Signal: signal.Signal, Instrument: signal.ETF, Action: ActionHold, IsPaper: e.IsPaper()}
	}

	etf := signal.ETF

	// Duplicate check and holdings inspection under the lock.
	e.mu.Lock()
	e.resetDailyLocked()
	if prev, dup := e.tradesToday[signal.Signal]; dup {
		e.mu.Unlock()
		e.log.Warn().Str("signal", string(signal.Signal)).Msg("duplicate trade blocked")
		metrics.DuplicatesBlocked.Inc()
		e.logEvent(storage.LevelInfo, "DUPLICATE_BLOCKED", map[string]any{
			"signal":         string(signal.Signal),
			"etf":            etf,
			"previous_trade": prev.Format(time.RFC3339),
		})
		return TradeResult{
			Success: false, Signal: signal.Signal, Instrument: etf, Action: ActionBuy,
			Err:     fmt.Sprintf("%s: already traded %s today", ErrClassDuplicate, signal.Signal),
			IsPaper: e.IsPaper(),
		}
	}

	held := e.positions[etf] != nil
	needsReversal := len(e.positions) > 0 && !held
	var existing []string
	for sym := range e.positions {
		existing = append(existing, sym)
	}
	e.mu.Unlock()

	if held {
		e.log.Info().Str("etf", etf).Msg("already holding target, no action")
		return TradeResult{Success: true, Signal: signal.Signal, Instrument: etf, Action: ActionHold, IsPaper: e.IsPaper()}
	}

	// Price and size the target.
	quote := e.data.GetQuote(etf)
	if quote == nil || quote.CurrentPrice <= 0 {
		return e.failTrade(signal, etf, fmt.Sprintf("%s: no quote for %s", ErrClassBroker, etf))
	}
	price := quote.CurrentPrice

	cash, err := e.availableCash(ctx)
	if err != nil {
		return e.failTrade(signal, etf, fmt.Sprintf("%s: %v", ErrClassAuth, err))
	}

	shares := e.sizer.Shares(cash, price)
	if shares <= 0 {
		return e.failTrade(signal, etf, ErrClassInsufficient)
	}
	positionValue := float64(shares) * price

	// Approval workflow. Completed (or timed out) before any order is placed.
	if blocked := e.handleApproval(ctx, signal, etf, shares, price, positionValue, needsReversal, existing, skipApproval); blocked != nil {
		return *blocked
	}

	// Reversal: close existing positions, then open the target, one
	// compound operation under the lock. Notifications go out after the
	// lock is released.
	e.mu.Lock()

	if needsReversal {
		e.logEvent(storage.LevelInfo, "SIGNAL_REVERSAL", map[string]any{
			"new_signal": string(signal.Signal),
			"new_etf":    etf,
			"existing":   existing,
		})
		for _, res := range e.closeAllLocked(ctx, "new signal "+string(signal.Signal)) {
			if !res.Success {
				e.mu.Unlock()
				e.log.Error().Str("etf", res.Instrument).Str("err", res.Err).Msg("failed to close position for reversal")
				return e.failTrade(signal, etf, fmt.Sprintf("%s: could not close %s: %s", ErrClassBroker, res.Instrument, res.Err))
			}
		}
	}

	result := e.buyLocked(ctx, signal.Signal, string(signal.Signal), etf, shares)

	if result.Success {
		e.tradesToday[signal.Signal] = e.now()
		switch signal.Signal {
		case strategy.SignalCrashDay:
			e.engine.MarkCrashDayTraded()
		case strategy.SignalPumpDay:
			e.engine.MarkPumpDayTraded()
		}
	}
	e.mu.Unlock()

	if result.Success {
		metrics.TradesExecuted.WithLabelValues(string(signal.Signal), string(e.cfg.TradingMode)).Inc()
		e.channel.NotifyTradeExecuted(approval.TradeNotice{
			SignalKind: string(signal.Signal),
			Instrument: etf,
			Action:     string(ActionBuy),
			Shares:     result.Shares,
			Price:      result.Price,
			Total:      result.TotalValue,
			OrderID:    result.OrderID,
			IsPaper:    result.IsPaper,
		})
		e.logEvent(storage.LevelInfo, "TRADE_EXECUTED", map[string]any{
			"signal":   string(signal.Signal),
			"etf":      etf,
			"shares":   result.Shares,
			"price":    result.Price,
			"total":    result.TotalValue,
			"order_id": result.OrderID,
			"is_paper": result.IsPaper,
		})
	} else {
		e.channel.NotifyError("Trade Execution", result.Err)
		e.logEvent(storage.LevelError, "TRADE_FAILED", map[string]any{
			"signal": string(signal.Signal),
			"etf":    etf,
			"error":  result.Err,
		})
	}

	return result
}

// handleApproval runs the configured approval workflow. A non-nil result
// means the trade is blocked.
func (e *Executor) handleApproval(
	ctx context.Context,
	signal strategy.TodaySignal,
	etf string,
	shares int,
	price, positionValue float64,
	needsReversal bool,
	existing []string,
	skipApproval bool,
) *TradeResult {
	reversalWarning := ""
	if needsReversal {
		reversalWarning = fmt.Sprintf("\n⚠️ Will CLOSE existing %v first!", existing)
	}

	switch {
	case e.cfg.ApprovalMode == config.ApprovalRequired && !skipApproval:
		e.logEvent(storage.LevelInfo, "APPROVAL_REQUEST", map[string]any{
			"signal": string(signal.Signal), "etf": etf, "shares": shares,
			"price": price, "position_value": positionValue,
		})

		result := e.channel.RequestApproval(ctx, approval.Request{
			SignalKind:      string(signal.Signal),
			Instrument:      etf,
			Reason:          signal.Reason,
			Shares:          shares,
			Price:           price,
			PositionValue:   positionValue,
			ReversalWarning: reversalWarning,
		})
		metrics.ApprovalResults.WithLabelValues(string(result)).Inc()
		e.logEvent(storage.LevelInfo, "APPROVAL_RESPONSE", map[string]any{
			"signal": string(signal.Signal), "etf": etf, "response": string(result),
		})

		switch result {
		case approval.Rejected:
			r := e.failTrade(signal, etf, ErrClassRejected+": trade rejected by operator")
			return &r
		case approval.Timeout:
			r := e.failTrade(signal, etf, ErrClassTimeout+": no approval response received")
			return &r
		case approval.Error:
			if !e.IsPaper() {
				// Fail-secure: never place a live order when the approval
				// channel is broken.
				e.log.Error().Msg("approval channel error, blocking live trade")
				r := e.failTrade(signal, etf, ErrClassBroker+": approval channel error, live trade blocked")
				return &r
			}
			// Paper money: proceed fail-open.
			e.log.Warn().Msg("approval channel error, proceeding with paper trade")
		}

	case skipApproval:
		// Time-critical signal: notify without waiting.
		e.channel.SendMessage(fmt.Sprintf(
			"🚨 *AUTO-EXECUTING EMERGENCY TRADE*\n\nSignal: %s\nETF: %s\nShares: %d\nPrice: $%.2f\nTotal: $%.2f%s",
			signal.Signal, etf, shares, price, positionValue, reversalWarning,
		))
		e.log.Info().Str("signal", string(signal.Signal)).Str("etf", etf).Msg("emergency auto-execute")

	case e.cfg.ApprovalMode == config.ApprovalNotifyOnly:
		e.channel.SendMessage(fmt.Sprintf(
			"📊 *TRADE EXECUTING*\n\nSignal: %s\nETF: %s\nShares: %d\nPrice: $%.2f\nTotal: $%.2f%s",
			signal.Signal, etf, shares, price, positionValue, reversalWarning,
		))
	}
	// ApprovalAutoExecute: no approval, no notification.

	return nil
}

func (e *Executor) failTrade(signal strategy.TodaySignal, etf, errMsg string) TradeResult {
	return TradeResult{
		Success:    false,
		Signal:     signal.Signal,
		Instrument: etf,
		Action:     ActionBuy,
		Err:        errMsg,
		IsPaper:    e.IsPaper(),
	}
}

// availableCash reads cash from the broker (the paper broker serves the
// simulated account).
func (e *Executor) availableCash(ctx context.Context) (float64, error) {
	if !e.IsPaper() && !e.broker.IsAuthenticated(ctx) {
		return 0, fmt.Errorf("broker not authenticated")
	}
	return e.broker.GetCashAvailable(ctx, e.cfg.ETrade.AccountIDKey)
}

// resetDailyLocked clears per-day state on the first call of a new local
// day. Caller holds the position mutex.
func (e *Executor) resetDailyLocked() {
	today := e.now().Format("2006-01-02")
	if e.dailyDate == today {
		return
	}
	e.dailyDate = today
	e.tradesToday = make(map[strategy.Signal]time.Time)
	e.reversalTriggeredToday = false
}

func (e *Executor) logEvent(level storage.EventLevel, event string, details map[string]any) {
	if err := e.store.LogEvent(level, event, details); err != nil {
		e.log.Warn().Err(err).Str("event", event).Msg("failed to persist event")
	}
}
