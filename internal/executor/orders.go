// Package executor - orders.go: the preview→place→poll order subroutine.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

const (
	fillPollInterval = 500 * time.Millisecond
	fillPollTimeout  = 30 * time.Second
)

// fillInfo is the confirmed outcome of an order.
type fillInfo struct {
	FilledQty int
	AvgPrice  float64
}

// buyLocked runs the full buy sequence for shares of etf. Caller holds the
// position mutex. The paper broker implements the same surface, so paper
// and live take the same path.
func (e *Executor) buyLocked(ctx context.Context, signal strategy.Signal, sourceSignal, etf string, shares int) TradeResult {
	fail := func(class, detail string) TradeResult {
		return TradeResult{
			Success: false, Signal: signal, Instrument: etf, Action: ActionBuy,
			Err: class + ": " + detail, IsPaper: e.IsPaper(),
		}
	}

	// Renew proactively so the token cannot expire between preview and place.
	if !e.broker.EnsureAuthenticated(ctx) {
		return fail(ErrClassAuth, "broker not authenticated")
	}

	account := e.cfg.ETrade.AccountIDKey
	preview, err := e.broker.PreviewOrder(ctx, account, etf, broker.OrderSideBuy, shares, broker.OrderTypeMarket, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("preview: %v", err))
	}

	placed, err := e.broker.PlaceOrder(ctx, account, etf, broker.OrderSideBuy, shares, broker.OrderTypeMarket, preview.PreviewID, 0)
	if err != nil {
		return fail(ErrClassBroker, fmt.Sprintf("place: %v", err))
	}

	fill, terminal := e.waitForFill(ctx, placed.OrderID)
	if terminal != "" {
		return fail(ErrClassBroker, fmt.Sprintf("order %s %s", placed.OrderID, terminal))
	}

	var fillPrice float64
	filledShares := shares
	if fill != nil {
		fillPrice = fill.AvgPrice
		filledShares = fill.FilledQty

		if filledShares < shares {
			e.log.Warn().Int("requested", shares).Int("filled", filledShares).
				Str("etf", etf).Msg("partial fill")
			e.logEvent(storage.LevelWarning, "PARTIAL_FILL", map[string]any{
				"order_id": placed.OrderID, "symbol": etf, "action": "BUY",
				"requested": shares, "filled": filledShares, "shortfall": shares - filledShares,
			})
			e.channel.NotifyError("Partial Fill Warning",
				fmt.Sprintf("Ordered %d %s, only %d filled @ $%.2f", shares, etf, filledShares, fillPrice))
		}
	} else {
		// Fill unconfirmed: fall back to the preview estimate and make
		// sure the operator knows the numbers are not exchange-confirmed.
		fillPrice = preview.EstimatedTotal / float64(shares)
		e.log.Warn().Str("order_id", placed.OrderID).Msg("fill unconfirmed, using estimated price")
		e.channel.NotifyError("Fill Price Unconfirmed",
			fmt.Sprintf("Order %s: using estimated price $%.2f — check the brokerage for the actual fill.",
				placed.OrderID, fillPrice))
	}

	totalValue := fillPrice * float64(filledShares)

	// Track locally and register with the hedge controller at actual
	// filled size.
	e.positions[etf] = &Position{
		Instrument:   etf,
		Shares:       filledShares,
		EntryPrice:   fillPrice,
		EntryTime:    e.now(),
		SourceSignal: sourceSignal,
	}
	e.hedge.RegisterPosition(etf, filledShares, fillPrice)

	e.log.Info().Str("etf", etf).Int("shares", filledShares).
		Float64("price", fillPrice).Str("order_id", placed.OrderID).
		Bool("is_paper", e.IsPaper()).Msg("bought")

	return TradeResult{
		Success:    true,
		Signal:     signal,
		Instrument: etf,
		Action:     ActionBuy,
		Shares:     filledShares,
		Price:      fillPrice,
		TotalValue: totalValue,
		OrderID:    placed.OrderID,
		IsPaper:    e.IsPaper(),
	}
}

// waitForFill polls the order every 500ms for up to 30s.
// Returns (fill, "") when filled, (nil, reason) on a terminal failure, and
// (nil, "") on timeout — the caller falls back to estimates and alerts.
func (e *Executor) waitForFill(ctx context.Context, orderID string) (*fillInfo, string) {
	deadline := time.Now().Add(fillPollTimeout)

	for time.Now().Before(deadline) {
		state, err := e.broker.GetOrderStatus(ctx, e.cfg.ETrade.AccountIDKey, orderID)
		if err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("order status poll failed")
		} else {
			switch {
			case state.Status.IsFilled() && state.FilledQty > 0 && state.AvgPrice > 0:
				e.log.Info().Str("order_id", orderID).Int("filled", state.FilledQty).
					Float64("avg_price", state.AvgPrice).Msg("order filled")
				return &fillInfo{FilledQty: state.FilledQty, AvgPrice: state.AvgPrice}, ""
			case state.Status.IsTerminalFailure():
				e.log.Warn().Str("order_id", orderID).Str("status", string(state.Status)).Msg("order not filled")
				return nil, string(state.Status)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ""
		case <-time.After(fillPollInterval):
		}
	}

	e.log.Warn().Str("order_id", orderID).Dur("timeout", fillPollTimeout).Msg("fill poll timed out")
	return nil, ""
}
