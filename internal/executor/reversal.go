// Package executor - reversal.go: trailing-hedge execution and the
// loss-reversal flip.
package executor

import (
	"context"
	"fmt"

	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

// CheckAndExecuteHedge asks the hedge controller whether a tier has been
// crossed and, if so, buys the inverse leg. Returns nil when nothing fired.
func (e *Executor) CheckAndExecuteHedge(ctx context.Context) *TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	tracked := e.hedge.Position()
	if tracked == nil {
		return nil
	}

	quote := e.data.GetQuote(tracked.Instrument)
	if quote == nil || quote.CurrentPrice <= 0 {
		e.log.Warn().Str("instrument", tracked.Instrument).Msg("no quote for hedge check")
		return nil
	}

	order := e.hedge.CheckAndHedge(quote.CurrentPrice)
	if order == nil {
		return nil
	}

	// Re-price against the hedge instrument's own quote; the controller's
	// share count was an estimate from the tracked instrument's price.
	hedgeQuote := e.data.GetQuote(order.Instrument)
	if hedgeQuote == nil || hedgeQuote.CurrentPrice <= 0 {
		e.log.Warn().Str("instrument", order.Instrument).Msg("no quote for hedge instrument")
		return nil
	}
	hedgeShares := int(order.Value / hedgeQuote.CurrentPrice)
	if hedgeShares < 1 {
		hedgeShares = 1
	}

	e.log.Info().Str("instrument", order.Instrument).Int("shares", hedgeShares).
		Str("reason", order.Reason).
		Float64("position_gain_pct", order.PositionGain).Msg("executing trailing hedge")

	result := e.hedgeBuyLocked(ctx, order.Instrument, hedgeShares)
	if !result.Success {
		e.log.Error().Str("err", result.Err).Msg("hedge order failed")
		e.channel.NotifyError("Hedge Execution", result.Err)
		return &result
	}

	e.hedge.UpdateHedgeShares(result.Shares)
	e.channel.SendMessage(fmt.Sprintf(
		"🛡 *TRAILING HEDGE*\n\n%s\nPosition gain: +%.2f%%\nBought %d %s @ $%.2f\nTotal hedge: %.0f%%",
		order.Reason, order.PositionGain, result.Shares, order.Instrument, result.Price, order.TotalHedgePct,
	))
	e.logEvent(storage.LevelInfo, "HEDGE_EXECUTED", map[string]any{
		"instrument": order.Instrument, "shares": result.Shares, "price": result.Price,
		"reason": order.Reason, "total_hedge_pct": order.TotalHedgePct,
	})
	return &result
}

// hedgeBuyLocked buys the hedge leg without re-registering the hedge
// instrument as the tracked position. Caller holds the position mutex.
func (e *Executor) hedgeBuyLocked(ctx context.Context, instrument string, shares int) TradeResult {
	fail := func(class, detail string) TradeResult {
		return TradeResult{
			Success: false, Signal: strategy.SignalCash, Instrument: instrument, Action: ActionBuy,
			Err: class + ": " + detail, IsPaper: e.IsPaper(),
		}
	}

	if !e.broker.EnsureAuthenticated(ctx) {
		return fail(ErrClassAuth, "broker not authenticated")
	}

	account := e.cfg.ETrade.AccountIDKey
	preview, err := e.broker.PreviewOrder(ctx, account, instrument, broker.OrderSideBuy, shares, broker.OrderTypeMarket, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("preview: %v", err))
	}
	placed, err := e.broker.PlaceOrder(ctx, account, instrument, broker.OrderSideBuy, shares, broker.OrderTypeMarket, preview.PreviewID, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("place: %v", err))
	}

	fill, terminal := e.waitForFill(ctx, placed.OrderID)
	if terminal != "" {
		return fail(ErrClassBroker, fmt.Sprintf("order %s %s", placed.OrderID, terminal))
	}

	filledShares := shares
	var fillPrice float64
	if fill != nil {
		filledShares = fill.FilledQty
		fillPrice = fill.AvgPrice
		if filledShares < shares {
			e.logEvent(storage.LevelWarning, "PARTIAL_FILL", map[string]any{
				"order_id": placed.OrderID, "symbol": instrument, "action": "HEDGE",
				"requested": shares, "filled": filledShares, "shortfall": shares - filledShares,
			})
			e.channel.NotifyError("Partial Hedge Fill",
				fmt.Sprintf("Hedge: %d requested, only %d filled", shares, filledShares))
		}
	} else {
		fillPrice = preview.EstimatedTotal / float64(shares)
		e.channel.NotifyError("Hedge Fill Unconfirmed",
			fmt.Sprintf("Order %s: using estimated price $%.2f — check the brokerage.", placed.OrderID, fillPrice))
	}

	// The hedge leg shares the local book with the main position; merge
	// if the instrument is already held.
	if existing := e.positions[instrument]; existing != nil {
		existing.Shares += filledShares
	} else {
		e.positions[instrument] = &Position{
			Instrument:   instrument,
			Shares:       filledShares,
			EntryPrice:   fillPrice,
			EntryTime:    e.now(),
			SourceSignal: "hedge",
		}
	}

	return TradeResult{
		Success:    true,
		Signal:     strategy.SignalCash,
		Instrument: instrument,
		Action:     ActionBuy,
		Shares:     filledShares,
		Price:      fillPrice,
		TotalValue: fillPrice * float64(filledShares),
		OrderID:    placed.OrderID,
		IsPaper:    e.IsPaper(),
	}
}

// CheckAndExecuteReversal flips a losing 2x long into the inverse, at most
// once per local day.
func (e *Executor) CheckAndExecuteReversal(ctx context.Context) *TradeResult {
	if !e.cfg.Strategy.ReversalEnabled {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetDailyLocked()

	if e.reversalTriggeredToday {
		return nil
	}

	long := e.cfg.Universe.Long2x
	pos := e.positions[long]
	if pos == nil || pos.Shares <= 0 || pos.EntryPrice <= 0 {
		return nil
	}

	quote := e.data.GetQuote(long)
	if quote == nil || quote.CurrentPrice <= 0 {
		e.log.Warn().Str("instrument", long).Msg("no quote for reversal check")
		return nil
	}

	pnlPct := (quote.CurrentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	// The threshold is inclusive; the epsilon absorbs float error so that a
	// loss of exactly the threshold (10.00 -> 9.80 at -2%) still fires.
	if pnlPct > e.cfg.Strategy.ReversalThreshold+1e-9 {
		return nil
	}

	e.log.Info().Float64("pnl_pct", pnlPct).
		Float64("threshold", e.cfg.Strategy.ReversalThreshold).
		Int("shares", pos.Shares).Msg("reversal triggered")

	e.reversalTriggeredToday = true
	shares := pos.Shares

	// Step 1: close the losing long.
	closeResult := e.closePositionLocked(ctx, long)
	if !closeResult.Success {
		e.log.Error().Str("err", closeResult.Err).Msg("failed to close long for reversal")
		// Nothing changed; allow a later poll to retry.
		e.reversalTriggeredToday = false
		return &closeResult
	}

	// Step 2: open the inverse with the same share count.
	inverse := e.cfg.Universe.Inverse2x
	result := e.buyLocked(ctx, strategy.SignalCloseLong, "reversal", inverse, shares)
	if !result.Success {
		// The long is closed but the flip leg failed: the account sits in
		// cash when the strategy wants it short. No automatic retry; a
		// human has to look.
		e.alertReversalPartialFailure(result.Err, shares, pnlPct)
		return &closeResult
	}

	e.logEvent(storage.LevelInfo, "REVERSAL_EXECUTED", map[string]any{
		"closed":       long,
		"opened":       inverse,
		"shares":       result.Shares,
		"price":        result.Price,
		"original_pnl": pnlPct,
	})
	e.channel.SendMessage(fmt.Sprintf(
		"🔄 *REVERSAL EXECUTED*\n\nClosed %s at %.2f%% loss\nBought %d %s @ $%.2f",
		long, pnlPct, result.Shares, inverse, result.Price,
	))
	return &result
}

// alertReversalPartialFailure raises the critical close-succeeded-open-
// failed alert. The day flag stays set to prevent retry loops.
func (e *Executor) alertReversalPartialFailure(reason string, shares int, pnlPct float64) {
	msg := fmt.Sprintf(
		"Reversal PARTIALLY executed: %s was closed (%.2f%% loss) but the %s buy failed: %s. "+
			"You may be holding cash instead of the inverse position — check the account now.",
		e.cfg.Universe.Long2x, pnlPct, e.cfg.Universe.Inverse2x, reason,
	)
	e.log.Error().Int("shares", shares).Str("reason", reason).Msg("reversal partial failure")
	e.logEvent(storage.LevelCritical, "REVERSAL_PARTIAL_FAILURE", map[string]any{
		"shares": shares, "pnl_pct": pnlPct, "reason": reason,
	})
	e.channel.NotifyError("REVERSAL PARTIAL FAILURE", msg)
}
