// Package executor - positions.go: closing positions and portfolio state.
package executor

import (
	"context"
	"fmt"

	"github.com/nitinkhare/btcEtfAgent/internal/approval"
	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/metrics"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

// ClosePosition sells the full holding of one instrument at market.
func (e *Executor) ClosePosition(ctx context.Context, etf string) TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closePositionLocked(ctx, etf)
}

// CloseAllPositions closes every universe holding, both legs of a hedged
// position included.
func (e *Executor) CloseAllPositions(ctx context.Context, reason string) []TradeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeAllLocked(ctx, reason)
}

// closeAllLocked closes every open universe position. Caller holds the
// position mutex.
func (e *Executor) closeAllLocked(ctx context.Context, reason string) []TradeResult {
	var results []TradeResult
	for _, etf := range e.openSymbolsLocked(ctx) {
		e.log.Info().Str("etf", etf).Str("reason", reason).Msg("closing position")
		e.logEvent(storage.LevelInfo, "POSITION_CLOSE", map[string]any{
			"etf": etf, "reason": reason,
		})
		results = append(results, e.closePositionLocked(ctx, etf))
	}
	return results
}

// openSymbolsLocked merges the broker's universe holdings with the local
// map, so a position the broker reports but the local map lost (restart)
// still gets swept.
func (e *Executor) openSymbolsLocked(ctx context.Context) []string {
	seen := make(map[string]bool)
	var symbols []string

	rows, err := e.broker.GetAccountPositions(ctx, e.cfg.ETrade.AccountIDKey)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not list broker positions")
	} else {
		for _, row := range rows {
			if row.Quantity > 0 && e.inUniverse(row.Symbol) && !seen[row.Symbol] {
				seen[row.Symbol] = true
				symbols = append(symbols, row.Symbol)
			}
		}
	}
	for sym := range e.positions {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

// closePositionLocked sells the broker-reported quantity of etf. Caller
// holds the position mutex.
func (e *Executor) closePositionLocked(ctx context.Context, etf string) TradeResult {
	fail := func(class, detail string) TradeResult {
		return TradeResult{
			Success: false, Signal: strategy.SignalCash, Instrument: etf, Action: ActionSell,
			Err: class + ": " + detail, IsPaper: e.IsPaper(),
		}
	}

	if !e.broker.EnsureAuthenticated(ctx) {
		return fail(ErrClassAuth, "broker not authenticated")
	}

	// Sell the broker's actual quantity, not the local cache: partial
	// fills and manual operator trades make the two diverge.
	account := e.cfg.ETrade.AccountIDKey
	rows, err := e.broker.GetAccountPositions(ctx, account)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("positions: %v", err))
	}

	shares := 0
	for _, row := range rows {
		if row.Symbol == etf {
			shares = row.Quantity
			break
		}
	}
	if shares <= 0 {
		delete(e.positions, etf)
		return fail(ErrClassBroker, fmt.Sprintf("no position found in %s", etf))
	}

	preview, err := e.broker.PreviewOrder(ctx, account, etf, broker.OrderSideSell, shares, broker.OrderTypeMarket, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("preview: %v", err))
	}
	placed, err := e.broker.PlaceOrder(ctx, account, etf, broker.OrderSideSell, shares, broker.OrderTypeMarket, preview.PreviewID, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("place: %v", err))
	}

	fill, terminal := e.waitForFill(ctx, placed.OrderID)
	if terminal != "" {
		return fail(ErrClassBroker, fmt.Sprintf("order %s %s", placed.OrderID, terminal))
	}

	filledShares := shares
	exitPrice := 0.0
	if fill != nil {
		filledShares = fill.FilledQty
		exitPrice = fill.AvgPrice

		if filledShares < shares {
			// The residual stays on the book; the operator decides what to
			// do with it.
			e.log.Warn().Int("requested", shares).Int("filled", filledShares).
				Str("etf", etf).Msg("partial sell fill")
			e.logEvent(storage.LevelWarning, "PARTIAL_FILL", map[string]any{
				"order_id": placed.OrderID, "symbol": etf, "action": "SELL",
				"requested": shares, "filled": filledShares, "shortfall": shares - filledShares,
			})
			e.channel.NotifyError("Partial Fill Warning",
				fmt.Sprintf("Sell order: %d %s requested, only %d filled", shares, etf, filledShares))
		}
	} else {
		e.log.Warn().Str("order_id", placed.OrderID).Msg("sell fill unconfirmed")
		e.channel.NotifyError("Sell Fill Unconfirmed",
			fmt.Sprintf("Order %s: could not confirm fill for %d %s — check the brokerage.",
				placed.OrderID, shares, etf))
	}

	// Realized P&L needs the local entry price; a lost local record means
	// we can only report the exit.
	var pnl, pnlPct float64
	if local := e.positions[etf]; local != nil && local.EntryPrice > 0 && exitPrice > 0 {
		pnl = (exitPrice - local.EntryPrice) * float64(filledShares)
		pnlPct = (exitPrice - local.EntryPrice) / local.EntryPrice * 100
	}
	entryPrice := 0.0
	if local := e.positions[etf]; local != nil {
		entryPrice = local.EntryPrice
	}

	delete(e.positions, etf)
	e.hedge.ClearPosition()

	e.channel.NotifyPositionClosed(approval.CloseNotice{
		Instrument: etf,
		Shares:     filledShares,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		PnL:        pnl,
		PnLPct:     pnlPct,
	})
	e.logEvent(storage.LevelInfo, "POSITION_CLOSED", map[string]any{
		"etf": etf, "shares": filledShares, "exit_price": exitPrice,
		"pnl": pnl, "pnl_pct": pnlPct, "order_id": placed.OrderID,
	})
	e.log.Info().Str("etf", etf).Int("shares", filledShares).
		Float64("exit_price", exitPrice).Float64("pnl", pnl).Msg("sold")

	return TradeResult{
		Success:    true,
		Signal:     strategy.SignalCash,
		Instrument: etf,
		Action:     ActionSell,
		Shares:     filledShares,
		Price:      exitPrice,
		TotalValue: float64(filledShares) * exitPrice,
		OrderID:    placed.OrderID,
		IsPaper:    e.IsPaper(),
	}
}

// PositionValue is one row of the portfolio snapshot.
type PositionValue struct {
	Symbol        string
	Shares        int
	EntryPrice    float64
	CurrentPrice  float64
	CostBasis     float64
	CurrentValue  float64
	UnrealizedPnL float64
	UnrealizedPct float64
	SourceSignal  string
}

// Portfolio is a point-in-time snapshot of cash and positions.
type Portfolio struct {
	Cash          float64
	Positions     []PositionValue
	TotalValue    float64
	UnrealizedPnL float64
}

// GetPortfolioValue reads cash and positions from the broker and prices
// them with current quotes.
func (e *Executor) GetPortfolioValue(ctx context.Context) (*Portfolio, error) {
	cash, err := e.availableCash(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: cash: %w", err)
	}
	if e.IsPaper() {
		metrics.PaperCapital.Set(cash)
	}

	rows, err := e.broker.GetAccountPositions(ctx, e.cfg.ETrade.AccountIDKey)
	if err != nil {
		return nil, fmt.Errorf("executor: positions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &Portfolio{Cash: cash}
	for _, row := range rows {
		if row.Quantity <= 0 || !e.inUniverse(row.Symbol) {
			continue
		}

		pv := PositionValue{
			Symbol:     row.Symbol,
			Shares:     row.Quantity,
			EntryPrice: row.EntryPrice(),
			CostBasis:  row.CostBasis,
		}
		if local := e.positions[row.Symbol]; local != nil {
			pv.SourceSignal = local.SourceSignal
			if local.EntryPrice > 0 {
				pv.EntryPrice = local.EntryPrice
				pv.CostBasis = local.EntryPrice * float64(row.Quantity)
			}
		}

		if q := e.data.GetQuote(row.Symbol); q != nil && q.CurrentPrice > 0 {
			pv.CurrentPrice = q.CurrentPrice
		} else if row.Quantity > 0 && row.MarketValue > 0 {
			pv.CurrentPrice = row.MarketValue / float64(row.Quantity)
		} else {
			pv.CurrentPrice = pv.EntryPrice
		}

		pv.CurrentValue = pv.CurrentPrice * float64(pv.Shares)
		pv.UnrealizedPnL = pv.CurrentValue - pv.CostBasis
		if pv.CostBasis > 0 {
			pv.UnrealizedPct = pv.UnrealizedPnL / pv.CostBasis * 100
		}

		p.Positions = append(p.Positions, pv)
		p.TotalValue += pv.CurrentValue
		p.UnrealizedPnL += pv.UnrealizedPnL
	}
	p.TotalValue += cash
	return p, nil
}
