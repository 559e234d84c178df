package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nitinkhare/btcEtfAgent/internal/config"
	"github.com/nitinkhare/btcEtfAgent/internal/market"
)

// barCacheTTL is how long the daily-bar history used for the
// previous-day return may be reused. Real-time intraday quotes are never
// cached.
const barCacheTTL = 5 * time.Minute

// Engine computes today's signal.
//
// Rule order (first match wins):
//  1. Crash day   — intraday drop on the 1x reference, before cutoff
//  2. Pump day    — intraday gain, before cutoff
//  3. Mean reversion — previous-day drop below threshold
//  4. Short Thursday — calendar
//  5. Ten-AM dump — daily window 09:35–10:30
//  6. Cash
type Engine struct {
	cfg      config.StrategyConfig
	universe config.Universe
	data     *market.Manager
	log      zerolog.Logger

	// now is injected for tests; defaults to the exchange clock.
	now func() time.Time

	mu           sync.Mutex
	cachedBars   []market.Bar
	barsFetchedAt time.Time

	// Once-per-day trade flags, keyed by local date. Set by the executor
	// after a crash/pump order fills; reset on the first evaluation of a
	// new local day. The two flags are independent: a pump fire does not
	// inhibit a later crash, and vice versa.
	crashTradedDate string
	pumpTradedDate  string
}

// NewEngine creates a signal engine.
func NewEngine(cfg config.StrategyConfig, universe config.Universe, data *market.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		universe: universe,
		data:     data,
		log:      log.With().Str("component", "strategy").Logger(),
		now:      market.Now,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Config returns the engine's active configuration.
func (e *Engine) Config() config.StrategyConfig { return e.cfg }

// TodaySignal determines today's signal. holdings is the set of currently
// held tickers; it makes the signal position-aware (HOLD / CLOSE / SWITCH).
func (e *Engine) TodaySignal(holdings []string) TodaySignal {
	now := e.now()
	weekday := now.Weekday()

	prevReturn := e.PreviousDayReturn()

	var gap *WeekendGapInfo
	if e.cfg.WeekendGapEnabled {
		gap = e.weekendGap(now)
	}

	var crash *CrashDayStatus
	if e.cfg.CrashDayEnabled {
		crash = e.CrashDayStatus(now)
	}
	var pump *PumpDayStatus
	if e.cfg.PumpDayEnabled {
		pump = e.PumpDayStatus(now)
	}

	base := TodaySignal{
		PrevDayReturn: prevReturn,
		CrashStatus:   crash,
		PumpStatus:    pump,
		WeekendGap:    gap,
		At:            now,
	}

	// 1. Crash day: intraday reactive, highest priority.
	if crash != nil && crash.IsTriggered {
		s := base
		s.Signal = SignalCrashDay
		s.ETF = e.universe.Inverse2x
		s.Reason = fmt.Sprintf("Crash day: %s down %.1f%% today", e.universe.Long1x, crash.CurrentDropPct)
		return e.resolvePosition(s, holdings)
	}

	// 2. Pump day: symmetric intraday signal.
	if pump != nil && pump.IsTriggered {
		s := base
		s.Signal = SignalPumpDay
		s.ETF = e.universe.Long2x
		s.Reason = fmt.Sprintf("Pump day: %s up %.1f%% today", e.universe.Long1x, pump.CurrentGainPct)
		return e.resolvePosition(s, holdings)
	}

	// 3. Mean reversion: previous-day drop, strict comparison.
	if e.cfg.MeanReversionEnabled && prevReturn != nil && *prevReturn < e.cfg.MeanReversionThreshold {
		s := base
		s.Signal = SignalMeanReversion
		s.ETF = e.universe.Long2x
		s.Reason = fmt.Sprintf("Mean reversion: %s dropped %.1f%% yesterday", e.universe.Long1x, *prevReturn)
		return e.resolvePosition(s, holdings)
	}

	// 4. Short Thursday: calendar-based.
	if e.cfg.ShortThursdayEnabled && weekday == time.Thursday {
		s := base
		s.Signal = SignalShortThursday
		s.ETF = e.universe.Inverse2x
		s.Reason = "Short Thursday: statistically weakest day for the reference"
		return e.resolvePosition(s, holdings)
	}

	// 5. Ten-AM dump: fixed morning window.
	if e.cfg.TenAMDumpEnabled && inTenAMWindow(now) {
		s := base
		s.Signal = SignalTenAMDump
		s.ETF = e.universe.Inverse2x
		s.Reason = "10 AM dump: morning fade window"
		return e.resolvePosition(s, holdings)
	}

	// 6. Cash.
	s := base
	s.Signal = SignalCash
	s.ETF = "CASH"
	s.PositionAction = ActionNone
	s.Reason = "No signal today"
	if crash != nil && crash.CurrentDropPct < -1.0 {
		s.Reason = fmt.Sprintf("Watching: %s down %.1f%% (threshold %.1f%%)",
			e.universe.Long1x, crash.CurrentDropPct, e.cfg.CrashDayThreshold)
	}
	return s
}

// resolvePosition applies the position-aware rules to a trade signal.
func (e *Engine) resolvePosition(s TodaySignal, holdings []string) TodaySignal {
	if len(holdings) == 0 {
		s.PositionAction = ActionNone
		return s
	}

	held := false
	opposite := false
	for _, h := range holdings {
		if h == s.ETF {
			held = true
			continue
		}
		if e.universe.IsLong(h) != e.universe.IsLong(s.ETF) {
			opposite = true
		}
	}

	switch {
	case held:
		s.Signal = SignalHold
		s.PositionAction = ActionHold
		s.Reason = fmt.Sprintf("Already holding %s: %s", s.ETF, s.Reason)
	case opposite:
		s.PositionAction = ActionSwitch
	default:
		// Same polarity, different leverage: close the held leg, open the target.
		s.PositionAction = ActionClose
	}
	return s
}

// PreviousDayReturn returns the 1x reference's open-to-close move for the
// previous trading day, in percent, or nil when data is unavailable.
func (e *Engine) PreviousDayReturn() *float64 {
	bars := e.referenceBars()
	if len(bars) < 2 {
		return nil
	}
	// The last bar is today (possibly partial); the one before is the
	// previous trading day.
	ret := bars[len(bars)-2].DailyReturn()
	return &ret
}

// referenceBars fetches ~10 days of daily bars for the 1x reference,
// cached for barCacheTTL.
func (e *Engine) referenceBars() []market.Bar {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cachedBars != nil && time.Since(e.barsFetchedAt) < barCacheTTL {
		return e.cachedBars
	}

	now := e.now()
	bars := e.data.GetHistoricalBars(e.universe.Long1x, now.AddDate(0, 0, -10), now, market.Timeframe1Day)
	if bars == nil {
		e.log.Warn().Msg("reference history unavailable")
		return e.cachedBars // possibly-stale data beats none within the day
	}
	e.cachedBars = bars
	e.barsFetchedAt = time.Now()
	return bars
}

// CrashDayStatus evaluates the intraday crash rule with a fresh quote.
func (e *Engine) CrashDayStatus(now time.Time) *CrashDayStatus {
	e.resetFlagsIfNewDay(now)

	status := &CrashDayStatus{AlreadyTradedToday: e.crashTraded(now)}

	quote := e.data.GetQuote(e.universe.Long1x)
	if quote == nil || quote.OpenPrice <= 0 {
		return status
	}

	status.RefOpen = quote.OpenPrice
	status.RefCurrent = quote.CurrentPrice
	status.CurrentDropPct = (quote.CurrentPrice - quote.OpenPrice) / quote.OpenPrice * 100

	triggered := status.CurrentDropPct <= e.cfg.CrashDayThreshold
	if pastCutoff(now, e.cfg.CrashDayCutoffTime) || status.AlreadyTradedToday {
		triggered = false
	}
	// A delayed quote cannot be trusted to call an intraday crash.
	if !quote.IsRealtime {
		triggered = false
	}
	if triggered {
		status.IsTriggered = true
		status.TriggerTime = now.Format("15:04")
	}
	return status
}

// PumpDayStatus evaluates the intraday pump rule with a fresh quote.
func (e *Engine) PumpDayStatus(now time.Time) *PumpDayStatus {
	e.resetFlagsIfNewDay(now)

	status := &PumpDayStatus{AlreadyTradedToday: e.pumpTraded(now)}

	quote := e.data.GetQuote(e.universe.Long1x)
	if quote == nil || quote.OpenPrice <= 0 {
		return status
	}

	status.RefOpen = quote.OpenPrice
	status.RefCurrent = quote.CurrentPrice
	status.CurrentGainPct = (quote.CurrentPrice - quote.OpenPrice) / quote.OpenPrice * 100

	triggered := status.CurrentGainPct >= e.cfg.PumpDayThreshold
	if pastCutoff(now, e.cfg.PumpDayCutoffTime) || status.AlreadyTradedToday {
		triggered = false
	}
	if !quote.IsRealtime {
		triggered = false
	}
	if triggered {
		status.IsTriggered = true
		status.TriggerTime = now.Format("15:04")
	}
	return status
}

// MarkCrashDayTraded records a filled crash-day order. Called by the
// executor only after the fill outcome is known.
func (e *Engine) MarkCrashDayTraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crashTradedDate = e.now().Format("2006-01-02")
}

// MarkPumpDayTraded records a filled pump-day order.
func (e *Engine) MarkPumpDayTraded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pumpTradedDate = e.now().Format("2006-01-02")
}

func (e *Engine) crashTraded(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.crashTradedDate == now.Format("2006-01-02")
}

func (e *Engine) pumpTraded(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pumpTradedDate == now.Format("2006-01-02")
}

// resetFlagsIfNewDay clears stale once-per-day flags. The date keying
// makes this a no-op within the same local day.
func (e *Engine) resetFlagsIfNewDay(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	today := now.Format("2006-01-02")
	if e.crashTradedDate != "" && e.crashTradedDate != today {
		e.crashTradedDate = ""
	}
	if e.pumpTradedDate != "" && e.pumpTradedDate != today {
		e.pumpTradedDate = ""
	}
}

// weekendGap checks the BTC Friday-close-to-now gap. BTC trades through
// the weekend, so the gap is visible before the equity open.
func (e *Engine) weekendGap(now time.Time) *WeekendGapInfo {
	info := &WeekendGapInfo{
		Level:    AlertNone,
		IsMonday: now.Weekday() == time.Monday,
		Message:  "Insufficient data",
	}

	bars := e.data.GetCryptoBars(e.universe.CryptoPair, now.AddDate(0, 0, -7), now, market.Timeframe1Day)
	if len(bars) < 2 {
		return info
	}

	fridayClose := 0.0
	for _, b := range bars {
		if b.Start.In(market.ET).Weekday() == time.Friday {
			fridayClose = b.Close
		}
	}
	if fridayClose == 0 {
		fridayClose = bars[len(bars)-2].Close
	}

	current := bars[len(bars)-1].Close
	if q := e.data.GetCryptoQuote(e.universe.CryptoPair); q != nil {
		current = q.CurrentPrice
	}
	if fridayClose <= 0 {
		return info
	}

	info.FridayClose = fridayClose
	info.Current = current
	info.GapPct = (current - fridayClose) / fridayClose * 100

	switch {
	case info.GapPct <= e.cfg.WeekendGapCriticalThreshold:
		info.Level = AlertCritical
		info.Message = fmt.Sprintf("CRITICAL: BTC down %.1f%% since Friday", info.GapPct)
	case info.GapPct <= e.cfg.WeekendGapHighAlertThreshold:
		info.Level = AlertHighAlert
		info.Message = fmt.Sprintf("HIGH ALERT: BTC down %.1f%% since Friday", info.GapPct)
	case info.GapPct <= e.cfg.WeekendGapWatchThreshold:
		info.Level = AlertWatch
		info.Message = fmt.Sprintf("WATCH: BTC down %.1f%% since Friday", info.GapPct)
	default:
		info.Level = AlertNone
		info.Message = fmt.Sprintf("Normal: BTC %+.1f%% since Friday", info.GapPct)
	}
	return info
}

// pastCutoff reports whether the local time of day is at or past "HH:MM".
func pastCutoff(now time.Time, cutoff string) bool {
	h, m, ok := parseHHMM(cutoff)
	if !ok {
		return false
	}
	return now.Hour() > h || (now.Hour() == h && now.Minute() >= m)
}

// inTenAMWindow reports whether now is within [09:35, 10:30) local.
func inTenAMWindow(now time.Time) bool {
	mins := now.Hour()*60 + now.Minute()
	return mins >= 9*60+35 && mins < 10*60+30
}

func parseHHMM(s string) (h, m int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return h, m, true
}
