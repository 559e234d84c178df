package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitinkhare/btcEtfAgent/internal/approval"
	"github.com/nitinkhare/btcEtfAgent/internal/broker"
	"github.com/nitinkhare/btcEtfAgent/internal/config"
	"github.com/nitinkhare/btcEtfAgent/internal/hedge"
	"github.com/nitinkhare/btcEtfAgent/internal/market"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
	"github.com/nitinkhare/btcEtfAgent/internal/strategy"
)

// ── fakes ───────────────────────────────────────────────────────────

// priceBook is a mutable symbol→price table shared by the fake provider
// and the paper broker.
type priceBook struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (pb *priceBook) set(symbol string, price float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prices[symbol] = price
}

func (pb *priceBook) get(symbol string) float64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.prices[symbol]
}

type fakeProvider struct{ book *priceBook }

func (f *fakeProvider) Source() market.Source { return "fake" }
func (f *fakeProvider) IsAvailable() bool     { return true }
func (f *fakeProvider) GetQuote(symbol string) *market.Quote {
	price := f.book.get(symbol)
	if price <= 0 {
		return nil
	}
	return &market.Quote{Symbol: symbol, CurrentPrice: price, OpenPrice: price, Source: "fake", IsRealtime: true}
}
func (f *fakeProvider) GetHistoricalBars(string, time.Time, time.Time, market.Timeframe) []market.Bar {
	return nil
}

// fakeChannel records notifications and answers approvals from a script.
type fakeChannel struct {
	mu       sync.Mutex
	result   approval.Result
	requests []approval.Request
	messages []string
	errors   []string
	trades   []approval.TradeNotice
	closes   []approval.CloseNotice
}

func (c *fakeChannel) RequestApproval(_ context.Context, req approval.Request) approval.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.result
}
func (c *fakeChannel) SendMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
}
func (c *fakeChannel) NotifyTradeExecuted(n approval.TradeNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, n)
}
func (c *fakeChannel) NotifyPositionClosed(n approval.CloseNotice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, n)
}
func (c *fakeChannel) NotifyError(errType, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, errType+": "+message)
}

func (c *fakeChannel) errorContaining(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.errors {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// fakeStore is an in-memory storage.Store.
type fakeStore struct {
	mu     sync.Mutex
	events []storage.EventRecord
	params map[string]float64
	mode   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{params: make(map[string]float64)}
}

func (s *fakeStore) LogEvent(level storage.EventLevel, event string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, storage.EventRecord{Level: level, Event: event, Details: details})
	return nil
}
func (s *fakeStore) GetEvents(limit int, _ storage.EventLevel) ([]storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.EventRecord(nil), s.events...), nil
}
func (s *fakeStore) SaveStrategyParam(name string, value float64, _ *float64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[name] = value
	return nil
}
func (s *fakeStore) GetStrategyParam(name string) (*float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.params[name]; ok {
		return &v, nil
	}
	return nil, nil
}
func (s *fakeStore) GetAllStrategyParams() (map[string]float64, error) { return s.params, nil }
func (s *fakeStore) GetTradingMode() (string, error)                   { return s.mode, nil }
func (s *fakeStore) SetTradingMode(mode string) error                  { s.mode = mode; return nil }
func (s *fakeStore) SaveToken(string, string) error                    { return nil }
func (s *fakeStore) LoadToken() (string, string, error)                { return "", "", nil }
func (s *fakeStore) Close() error                                      { return nil }

func (s *fakeStore) hasEvent(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Event == name {
			return true
		}
	}
	return false
}

// scriptedBroker wraps the paper broker to inject partial fills and
// failures.
type scriptedBroker struct {
	broker.Broker
	mu            sync.Mutex
	failPreview   map[string]bool
	partialFill   map[string]int // symbol -> filled qty reported by status polls
	orderSymbols  map[string]string
}

func newScriptedBroker(inner broker.Broker) *scriptedBroker {
	return &scriptedBroker{
		Broker:       inner,
		failPreview:  make(map[string]bool),
		partialFill:  make(map[string]int),
		orderSymbols: make(map[string]string),
	}
}

func (b *scriptedBroker) PreviewOrder(ctx context.Context, account, symbol string, side broker.OrderSide, qty int, ot broker.OrderType, limit float64) (*broker.OrderPreview, error) {
	b.mu.Lock()
	fail := b.failPreview[symbol]
	b.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("scripted failure for %s", symbol)
	}
	return b.Broker.PreviewOrder(ctx, account, symbol, side, qty, ot, limit)
}

func (b *scriptedBroker) PlaceOrder(ctx context.Context, account, symbol string, side broker.OrderSide, qty int, ot broker.OrderType, previewID string, limit float64) (*broker.OrderResponse, error) {
	resp, err := b.Broker.PlaceOrder(ctx, account, symbol, side, qty, ot, previewID, limit)
	if err == nil {
		b.mu.Lock()
		b.orderSymbols[resp.OrderID] = symbol
		b.mu.Unlock()
	}
	return resp, err
}

func (b *scriptedBroker) GetOrderStatus(ctx context.Context, account, orderID string) (*broker.OrderState, error) {
	state, err := b.Broker.GetOrderStatus(ctx, account, orderID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty, ok := b.partialFill[b.orderSymbols[orderID]]; ok {
		state.FilledQty = qty
	}
	return state, nil
}

// ── harness ─────────────────────────────────────────────────────────

type harness struct {
	exec    *Executor
	broker  *scriptedBroker
	channel *fakeChannel
	store   *fakeStore
	book    *priceBook
	hedge   *hedge.Controller
	cfg     *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		TradingMode:            config.ModePaper,
		ApprovalMode:           config.ApprovalAutoExecute,
		ApprovalTimeoutMinutes: 1,
		MaxPositionPct:         100,
		MaxPositionUSD:         1000,
		DatabasePath:           "ignored",
		Universe:               config.DefaultUniverse(),
		Strategy:               config.DefaultStrategyConfig(),
		Hedge:                  config.DefaultHedgeConfig(),
	}
	cfg.Strategy.SlippagePct = 0
	if mutate != nil {
		mutate(cfg)
	}

	book := &priceBook{prices: map[string]float64{
		"IBIT": 100, "BITX": 10, "SBIT": 5,
	}}
	data := market.NewManager(zerolog.Nop(), &fakeProvider{book: book})

	paper := broker.NewPaperBroker(10000, cfg.Strategy.SlippagePct, book.get)
	scripted := newScriptedBroker(paper)

	channel := &fakeChannel{result: approval.Approved}
	store := newFakeStore()
	engine := strategy.NewEngine(cfg.Strategy, cfg.Universe, data, zerolog.Nop())
	hedgeCtl := hedge.NewController(cfg.Hedge, cfg.Universe, zerolog.Nop())

	exec := New(cfg, scripted, data, store, channel, engine, hedgeCtl, zerolog.Nop())
	exec.SetClock(func() time.Time {
		return time.Date(2026, 3, 10, 11, 0, 0, 0, market.ET)
	})

	return &harness{exec: exec, broker: scripted, channel: channel, store: store, book: book, hedge: hedgeCtl, cfg: cfg}
}

func meanReversionSignal() *strategy.TodaySignal {
	return &strategy.TodaySignal{
		Signal: strategy.SignalMeanReversion,
		ETF:    "BITX",
		Reason: "test signal",
	}
}

func crashSignal() *strategy.TodaySignal {
	return &strategy.TodaySignal{
		Signal: strategy.SignalCrashDay,
		ETF:    "SBIT",
		Reason: "crash test",
	}
}

// ── tests ───────────────────────────────────────────────────────────

func TestExecuteSignal_CashIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	result := h.exec.ExecuteSignal(ctx, &strategy.TodaySignal{Signal: strategy.SignalCash, ETF: "CASH"}, false)
	require.True(t, result.Success)
	assert.Equal(t, ActionNone, result.Action)

	// No mutations: no trades recorded, no positions, no events.
	h.exec.mu.Lock()
	assert.Empty(t, h.exec.tradesToday)
	assert.Empty(t, h.exec.positions)
	h.exec.mu.Unlock()
	assert.Empty(t, h.store.events)
}

func TestExecuteSignal_BuysTarget(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	result := h.exec.ExecuteSignal(ctx, meanReversionSignal(), false)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, ActionBuy, result.Action)
	assert.Equal(t, "BITX", result.Instrument)
	assert.Equal(t, 100, result.Shares) // $1000 cap / $10
	assert.InDelta(t, 10.0, result.Price, 0.001)
	assert.True(t, result.IsPaper)

	// Position registered with the hedge controller at filled size.
	pos := h.hedge.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 100, pos.Shares)

	assert.True(t, h.store.hasEvent("TRADE_EXECUTED"))
	assert.Len(t, h.channel.trades, 1)
}

func TestExecuteSignal_DuplicateBlocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.exec.ExecuteSignal(ctx, meanReversionSignal(), false)
	require.True(t, first.Success)

	// The target is sold out from under us so the second attempt would be
	// a fresh buy that only the duplicate check can stop.
	_, err := h.broker.PlaceOrder(ctx, "", "BITX", broker.OrderSideSell, 100, broker.OrderTypeMarket, mustPreview(t, h, "BITX", broker.OrderSideSell, 100), 0)
	require.NoError(t, err)
	h.exec.mu.Lock()
	delete(h.exec.positions, "BITX")
	h.exec.mu.Unlock()

	second := h.exec.ExecuteSignal(ctx, meanReversionSignal(), false)
	assert.False(t, second.Success)
	assert.Contains(t, second.Err, "duplicate")
	assert.True(t, h.store.hasEvent("DUPLICATE_BLOCKED"))
}

func mustPreview(t *testing.T, h *harness, symbol string, side broker.OrderSide, qty int) string {
	t.Helper()
	p, err := h.broker.PreviewOrder(context.Background(), "", symbol, side, qty, broker.OrderTypeMarket, 0)
	require.NoError(t, err)
	return p.PreviewID
}

func TestExecuteSignal_HoldWhenTargetHeld(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)

	// A different signal kind targeting the same ETF: holdings say HOLD.
	sig := &strategy.TodaySignal{Signal: strategy.SignalPumpDay, ETF: "BITX", Reason: "pump"}
	result := h.exec.ExecuteSignal(ctx, sig, false)
	assert.True(t, result.Success)
	assert.Equal(t, ActionHold, result.Action)
}

func TestExecuteSignal_SwitchClosesOppositePosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)

	// Crash signal while long: close BITX, buy SBIT, set the once-fire flag.
	result := h.exec.ExecuteSignal(ctx, crashSignal(), true)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, "SBIT", result.Instrument)

	h.exec.mu.Lock()
	assert.Nil(t, h.exec.positions["BITX"])
	assert.NotNil(t, h.exec.positions["SBIT"])
	h.exec.mu.Unlock()

	// Long and inverse never coexist.
	rows, err := h.broker.GetAccountPositions(ctx, "")
	require.NoError(t, err)
	for _, row := range rows {
		assert.NotEqual(t, "BITX", row.Symbol)
	}
	assert.True(t, h.store.hasEvent("SIGNAL_REVERSAL"))
}

func TestExecuteSignal_InsufficientCapital(t *testing.T) {
	h := newHarness(t, nil)
	h.book.set("BITX", 2000) // one share costs more than the cap

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "insufficient capital")
}

func TestExecuteSignal_ApprovalRejected(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ApprovalMode = config.ApprovalRequired })
	h.channel.result = approval.Rejected

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "rejected")
	assert.Len(t, h.channel.requests, 1)

	// Nothing placed.
	rows, _ := h.broker.GetAccountPositions(context.Background(), "")
	assert.Empty(t, rows)
}

func TestExecuteSignal_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ApprovalMode = config.ApprovalRequired })
	h.channel.result = approval.Timeout

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "timeout")
}

func TestExecuteSignal_ApprovalErrorFailSecureInLive(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.TradingMode = config.ModeLive
		c.ApprovalMode = config.ApprovalRequired
	})
	h.channel.result = approval.Error

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.False(t, result.Success)

	// No order reached the broker.
	rows, _ := h.broker.GetAccountPositions(context.Background(), "")
	assert.Empty(t, rows)
}

func TestExecuteSignal_ApprovalErrorFailOpenInPaper(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ApprovalMode = config.ApprovalRequired })
	h.channel.result = approval.Error

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.True(t, result.Success, "paper mode proceeds on channel error: %s", result.Err)
}

func TestExecuteSignal_SkipApprovalBypassesWait(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ApprovalMode = config.ApprovalRequired })
	h.channel.result = approval.Rejected // would block if consulted

	result := h.exec.ExecuteSignal(context.Background(), crashSignal(), true)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Empty(t, h.channel.requests, "no approval request for emergency trades")
	require.NotEmpty(t, h.channel.messages)
	assert.Contains(t, h.channel.messages[0], "AUTO-EXECUTING")
}

func TestExecuteSignal_PartialFill(t *testing.T) {
	h := newHarness(t, nil)
	h.book.set("SBIT", 5.00) // $1000 cap / $5 = 200 shares requested
	h.broker.partialFill["SBIT"] = 120

	result := h.exec.ExecuteSignal(context.Background(), crashSignal(), true)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, 120, result.Shares)
	assert.InDelta(t, 5.00, result.Price, 0.001)
	assert.InDelta(t, 600.0, result.TotalValue, 0.001)

	assert.True(t, h.store.hasEvent("PARTIAL_FILL"))
	assert.True(t, h.channel.errorContaining("Partial Fill"))

	// Hedge controller tracks the filled size, not the requested size.
	pos := h.hedge.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 120, pos.Shares)
}

func TestExecuteSignal_OnceFireFlagOnlyOnSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failPreview["SBIT"] = true

	result := h.exec.ExecuteSignal(context.Background(), crashSignal(), true)
	require.False(t, result.Success)

	// The failed order must not set the once-per-day flag or the trades map.
	h.exec.mu.Lock()
	_, recorded := h.exec.tradesToday[strategy.SignalCrashDay]
	h.exec.mu.Unlock()
	assert.False(t, recorded)
	assert.False(t, h.exec.engine.CrashDayStatus(market.Now()).AlreadyTradedToday)
}

func TestClosePosition_RealizedPnL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)
	h.book.set("BITX", 11.00)

	result := h.exec.ClosePosition(ctx, "BITX")
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, ActionSell, result.Action)
	assert.Equal(t, 100, result.Shares)
	assert.InDelta(t, 11.0, result.Price, 0.001)

	require.Len(t, h.channel.closes, 1)
	assert.InDelta(t, 100.0, h.channel.closes[0].PnL, 0.001) // (11-10)*100
	assert.Nil(t, h.hedge.Position(), "hedge tracking cleared on close")
}

func TestCheckAndExecuteReversal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success) // 100 BITX @ $10

	// Down exactly 2.0%: threshold -2.0 is inclusive.
	h.book.set("BITX", 9.80)

	result := h.exec.CheckAndExecuteReversal(ctx)
	require.NotNil(t, result)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, "SBIT", result.Instrument)
	assert.Equal(t, 100, result.Shares, "inverse opens with the same share count")

	h.exec.mu.Lock()
	assert.True(t, h.exec.reversalTriggeredToday)
	assert.Nil(t, h.exec.positions["BITX"])
	require.NotNil(t, h.exec.positions["SBIT"])
	h.exec.mu.Unlock()

	assert.True(t, h.store.hasEvent("REVERSAL_EXECUTED"))

	// One-shot per day: a second check is a no-op even though SBIT exists.
	assert.Nil(t, h.exec.CheckAndExecuteReversal(ctx))
}

func TestCheckAndExecuteReversal_NotLosingEnough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)
	h.book.set("BITX", 9.85) // -1.5%, above the -2% threshold

	assert.Nil(t, h.exec.CheckAndExecuteReversal(ctx))
	h.exec.mu.Lock()
	assert.False(t, h.exec.reversalTriggeredToday)
	h.exec.mu.Unlock()
}

func TestCheckAndExecuteReversal_PartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)
	h.book.set("BITX", 9.70)
	h.broker.failPreview["SBIT"] = true // close succeeds, open fails

	result := h.exec.CheckAndExecuteReversal(ctx)
	require.NotNil(t, result)
	assert.True(t, result.Success, "the close result is returned")
	assert.Equal(t, ActionSell, result.Action)

	assert.True(t, h.store.hasEvent("REVERSAL_PARTIAL_FAILURE"))
	assert.True(t, h.channel.errorContaining("REVERSAL"))

	// The flag stays set to prevent retry loops.
	h.exec.mu.Lock()
	assert.True(t, h.exec.reversalTriggeredToday)
	h.exec.mu.Unlock()
	assert.Nil(t, h.exec.CheckAndExecuteReversal(ctx))
}

func TestCheckAndExecuteHedge_TierCrossing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success) // 100 BITX @ $10

	// +3% crosses tier 1; hedge value $150 at SBIT $5 = 30 shares.
	h.book.set("BITX", 10.30)
	result := h.exec.CheckAndExecuteHedge(ctx)
	require.NotNil(t, result)
	require.True(t, result.Success, "err: %s", result.Err)
	assert.Equal(t, "SBIT", result.Instrument)
	assert.Equal(t, 30, result.Shares)

	pos := h.hedge.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 30, pos.HedgeShares)
	assert.True(t, h.store.hasEvent("HEDGE_EXECUTED"))

	// No second order until the next tier.
	assert.Nil(t, h.exec.CheckAndExecuteHedge(ctx))
}

func TestCloseAllPositions_SweepsBothLegs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success)
	h.book.set("BITX", 10.30)
	require.NotNil(t, h.exec.CheckAndExecuteHedge(ctx)) // adds the SBIT leg

	results := h.exec.CloseAllPositions(ctx, "end of day")
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, "close %s: %s", r.Instrument, r.Err)
	}

	rows, err := h.broker.GetAccountPositions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows)

	h.exec.mu.Lock()
	assert.Empty(t, h.exec.positions)
	h.exec.mu.Unlock()
	assert.Nil(t, h.hedge.Position())
	assert.Equal(t, 0.0, h.hedge.TotalHedgePct(), "ladder reset after sweep")
}

func TestGetPortfolioValue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.exec.ExecuteSignal(ctx, meanReversionSignal(), false).Success) // $1000 deployed
	h.book.set("BITX", 10.50)

	p, err := h.exec.GetPortfolioValue(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9000.0, p.Cash, 0.001)
	require.Len(t, p.Positions, 1)
	assert.InDelta(t, 1050.0, p.Positions[0].CurrentValue, 0.001)
	assert.InDelta(t, 50.0, p.UnrealizedPnL, 0.001)
	assert.InDelta(t, 10050.0, p.TotalValue, 0.001)
}

func TestShutdownRefusesNewSignals(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.Shutdown()

	result := h.exec.ExecuteSignal(context.Background(), meanReversionSignal(), false)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "shutting down")
}
