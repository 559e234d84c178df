// Package hedge implements the trailing hedge controller.
//
// As an open position accumulates unrealized gain, the controller
// progressively opens the inverse instrument to lock part of the profit
// in. The ladder is a fixed, ordered set of tiers; each tier fires at most
// once per position lifetime, and the sum of fired tiers never exceeds the
// configured maximum hedge fraction.
//
// The controller owns no lock of its own: the executor calls it only while
// holding the position mutex, so all mutations are already serialized.
package hedge

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nitinkhare/btcEtfAgent/internal/config"
)

// Tier is one rung of the ladder.
type Tier struct {
	GainThresholdPct float64
	HedgeSizePct     float64
	Triggered        bool
	TriggeredAt      time.Time
}

// Entry records one hedge addition against the tracked position.
type Entry struct {
	Tier       int
	GainPct    float64
	HedgePct   float64
	HedgeValue float64
	At         time.Time
}

// TrackedPosition is the controller's view of the position it protects.
type TrackedPosition struct {
	Instrument    string
	Shares        int
	EntryPrice    float64
	EntryTime     time.Time
	OriginalValue float64

	HedgeInstrument string
	HedgeShares     int
	HedgeEntries    []Entry
}

// Order is the controller's request to open one hedge leg. At most one
// order is produced per CheckAndHedge call.
type Order struct {
	Instrument string
	Value      float64
	// Shares is an estimate from the tracked instrument's price; the
	// executor re-prices against the hedge instrument's own quote.
	Shares        int
	Reason        string
	PositionGain  float64
	TotalHedgePct float64
}

// Status is a diagnostic snapshot for logging and the command surface.
type Status struct {
	Active          bool
	Enabled         bool
	Instrument      string
	Shares          int
	EntryPrice      float64
	OriginalValue   float64
	HedgeInstrument string
	HedgeShares     int
	TotalHedgePct   float64
	TiersTriggered  int
	TiersTotal      int
	Entries         []Entry
}

// Controller manages the trailing hedge for at most one position.
type Controller struct {
	cfg      config.HedgeConfig
	universe config.Universe
	tiers    []Tier
	position *TrackedPosition
	now      func() time.Time
	log      zerolog.Logger
}

// NewController creates a hedge controller from the ladder configuration.
func NewController(cfg config.HedgeConfig, universe config.Universe, log zerolog.Logger) *Controller {
	tiers := make([]Tier, len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		tiers[i] = Tier{GainThresholdPct: t.GainThresholdPct, HedgeSizePct: t.HedgeSizePct}
	}
	return &Controller{
		cfg:      cfg,
		universe: universe,
		tiers:    tiers,
		now:      time.Now,
		log:      log.With().Str("component", "hedge").Logger(),
	}
}

// SetClock overrides the controller's clock. Test hook.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Position returns the tracked position, or nil.
func (c *Controller) Position() *TrackedPosition { return c.position }

// RegisterPosition starts tracking a new position, replacing any prior one
// and resetting every tier.
func (c *Controller) RegisterPosition(instrument string, shares int, entryPrice float64) {
	c.position = &TrackedPosition{
		Instrument:    instrument,
		Shares:        shares,
		EntryPrice:    entryPrice,
		EntryTime:     c.now(),
		OriginalValue: float64(shares) * entryPrice,
	}
	c.resetTiers()
	c.log.Info().Str("instrument", instrument).Int("shares", shares).
		Float64("entry_price", entryPrice).Msg("position registered for hedge tracking")
}

// ClearPosition stops tracking (after EOD close) and resets the ladder.
func (c *Controller) ClearPosition() {
	c.position = nil
	c.resetTiers()
	c.log.Info().Msg("position cleared from hedge tracking")
}

func (c *Controller) resetTiers() {
	for i := range c.tiers {
		c.tiers[i].Triggered = false
		c.tiers[i].TriggeredAt = time.Time{}
	}
}

// TotalHedgePct sums the hedge sizes of all triggered tiers.
func (c *Controller) TotalHedgePct() float64 {
	total := 0.0
	for _, t := range c.tiers {
		if t.Triggered {
			total += t.HedgeSizePct
		}
	}
	return total
}

// CheckAndHedge decides whether the current price crosses an untriggered
// tier and, if so, marks the tier and returns the hedge order. Tiers that
// would push the total past MaxHedgePct are skipped, not blocked on.
func (c *Controller) CheckAndHedge(currentPrice float64) *Order {
	if !c.cfg.Enabled || c.position == nil || currentPrice <= 0 {
		return nil
	}

	currentValue := float64(c.position.Shares) * currentPrice
	gainDollars := currentValue - c.position.OriginalValue
	gainPct := gainDollars / c.position.OriginalValue * 100

	if gainDollars < c.cfg.MinGainDollars {
		return nil
	}

	currentTotal := c.TotalHedgePct()

	for i := range c.tiers {
		tier := &c.tiers[i]
		if tier.Triggered || gainPct < tier.GainThresholdPct {
			continue
		}

		newTotal := currentTotal + tier.HedgeSizePct
		if newTotal > c.cfg.MaxHedgePct {
			c.log.Info().Int("tier", i+1).Float64("current_hedge_pct", currentTotal).
				Float64("max_hedge_pct", c.cfg.MaxHedgePct).
				Msg("skipping hedge tier, would exceed max")
			continue
		}

		tier.Triggered = true
		tier.TriggeredAt = c.now()

		hedgeValue := c.position.OriginalValue * tier.HedgeSizePct / 100
		hedgeInstrument := c.universe.Inverse(c.position.Instrument)
		estimatedShares := int(hedgeValue / currentPrice)
		if estimatedShares < 1 {
			estimatedShares = 1
		}

		c.position.HedgeEntries = append(c.position.HedgeEntries, Entry{
			Tier:       i + 1,
			GainPct:    gainPct,
			HedgePct:   tier.HedgeSizePct,
			HedgeValue: hedgeValue,
			At:         tier.TriggeredAt,
		})

		c.log.Info().Int("tier", i+1).
			Str("gain_pct", fmt.Sprintf("%.2f%%", gainPct)).
			Float64("threshold", tier.GainThresholdPct).
			Float64("hedge_pct", tier.HedgeSizePct).
			Float64("hedge_value", hedgeValue).
			Float64("total_hedge_pct", newTotal).
			Msg("hedge tier triggered")

		return &Order{
			Instrument:    hedgeInstrument,
			Value:         hedgeValue,
			Shares:        estimatedShares,
			Reason:        fmt.Sprintf("Trailing hedge tier %d (+%.1f%%)", i+1, tier.GainThresholdPct),
			PositionGain:  gainPct,
			TotalHedgePct: newTotal,
		}
	}
	return nil
}

// UpdateHedgeShares records the actual filled hedge shares after the
// executor confirms the order.
func (c *Controller) UpdateHedgeShares(shares int) {
	if c.position == nil {
		return
	}
	c.position.HedgeShares += shares
	if c.position.HedgeInstrument == "" {
		c.position.HedgeInstrument = c.universe.Inverse(c.position.Instrument)
	}
	c.log.Info().Int("new_shares", shares).
		Int("total_hedge_shares", c.position.HedgeShares).Msg("hedge shares updated")
}

// GetStatus returns a diagnostic snapshot.
func (c *Controller) GetStatus() Status {
	status := Status{
		Enabled:    c.cfg.Enabled,
		TiersTotal: len(c.tiers),
	}
	if c.position == nil {
		return status
	}

	triggered := 0
	for _, t := range c.tiers {
		if t.Triggered {
			triggered++
		}
	}

	status.Active = true
	status.Instrument = c.position.Instrument
	status.Shares = c.position.Shares
	status.EntryPrice = c.position.EntryPrice
	status.OriginalValue = c.position.OriginalValue
	status.HedgeInstrument = c.universe.Inverse(c.position.Instrument)
	status.HedgeShares = c.position.HedgeShares
	status.TotalHedgePct = c.TotalHedgePct()
	status.TiersTriggered = triggered
	status.Entries = c.position.HedgeEntries
	return status
}
