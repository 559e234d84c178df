// Package main - commands.go renders the Telegram command responses.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nitinkhare/btcEtfAgent/internal/executor"
	"github.com/nitinkhare/btcEtfAgent/internal/hedge"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
)

const commandTimeout = 20 * time.Second

func balanceText(exec *executor.Executor) string {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	p, err := exec.GetPortfolioValue(ctx)
	if err != nil {
		return fmt.Sprintf("Could not fetch portfolio: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*Portfolio*\n\nCash: $%.2f\n", p.Cash)
	fmt.Fprintf(&b, "Total value: $%.2f\n", p.TotalValue)
	if len(p.Positions) > 0 {
		fmt.Fprintf(&b, "Unrealized P&L: $%+.2f\n", p.UnrealizedPnL)
	}
	return b.String()
}

func positionsText(exec *executor.Executor) string {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	p, err := exec.GetPortfolioValue(ctx)
	if err != nil {
		return fmt.Sprintf("Could not fetch positions: %v", err)
	}
	if len(p.Positions) == 0 {
		return "No open positions — all cash."
	}

	var b strings.Builder
	b.WriteString("*Open Positions*\n\n")
	for _, pos := range p.Positions {
		fmt.Fprintf(&b, "• %s: %d @ $%.2f → $%.2f (%+.2f%%)",
			pos.Symbol, pos.Shares, pos.EntryPrice, pos.CurrentPrice, pos.UnrealizedPct)
		if pos.SourceSignal != "" {
			fmt.Fprintf(&b, " [%s]", pos.SourceSignal)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func signalText(exec *executor.Executor, hedgeCtl *hedge.Controller) string {
	sig := exec.TodaySignal()

	var b strings.Builder
	fmt.Fprintf(&b, "*Today's Signal*\n\nSignal: %s\nTarget: %s\nReason: %s\n",
		sig.Signal, sig.ETF, sig.Reason)
	if sig.PrevDayReturn != nil {
		fmt.Fprintf(&b, "Prev day return: %+.2f%%\n", *sig.PrevDayReturn)
	}
	if sig.CrashStatus != nil {
		fmt.Fprintf(&b, "Intraday move: %+.2f%%\n", sig.CrashStatus.CurrentDropPct)
	}
	if sig.WeekendGap != nil && sig.WeekendGap.Level != "none" {
		fmt.Fprintf(&b, "Weekend gap: %s\n", sig.WeekendGap.Message)
	}

	status := hedgeCtl.GetStatus()
	if status.Active {
		fmt.Fprintf(&b, "\n*Hedge*: %d/%d tiers, %.0f%% of %s hedged with %s\n",
			status.TiersTriggered, status.TiersTotal, status.TotalHedgePct,
			status.Instrument, status.HedgeInstrument)
	}
	return b.String()
}

func logsText(store storage.Store, limit int) string {
	events, err := store.GetEvents(limit, "")
	if err != nil {
		return fmt.Sprintf("Could not fetch logs: %v", err)
	}
	if len(events) == 0 {
		return "No events logged yet."
	}

	var b strings.Builder
	b.WriteString("*Recent Events*\n\n")
	for _, ev := range events {
		fmt.Fprintf(&b, "`%s` [%s] %s\n",
			ev.Timestamp.In(time.Local).Format("01-02 15:04"), ev.Level, ev.Event)
	}
	return b.String()
}
