// Package market - data.go defines the quote/bar types and the provider
// fallback gateway.
//
// Providers are tried in priority order; the first one that reports itself
// available gets the request, and a failure falls through to the next.
// The gateway never returns an error to its callers — a total failure is a
// nil quote, and each quote is tagged with its source and whether it is
// real-time so the signal engine can degrade accordingly.
package market

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source identifies a market-data provider.
type Source string

const (
	SourceAlpaca  Source = "alpaca"
	SourceFinnhub Source = "finnhub"
	SourceStream  Source = "stream"
)

// Quote is a standardized snapshot for one symbol.
type Quote struct {
	Symbol       string
	CurrentPrice float64
	OpenPrice    float64
	HighPrice    float64
	LowPrice     float64
	Bid          float64
	Ask          float64
	Volume       int64
	Source       Source
	IsRealtime   bool
}

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol string
	Start  time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// DailyReturn is the bar's open-to-close move in percent.
func (b Bar) DailyReturn() float64 {
	if b.Open == 0 {
		return 0
	}
	return (b.Close - b.Open) / b.Open * 100
}

// Timeframe is a bar aggregation window.
type Timeframe string

const (
	Timeframe1Min  Timeframe = "1Min"
	Timeframe5Min  Timeframe = "5Min"
	Timeframe15Min Timeframe = "15Min"
	Timeframe1Hour Timeframe = "1Hour"
	Timeframe1Day  Timeframe = "1Day"
)

// Provider is the interface all market-data sources implement.
type Provider interface {
	Source() Source
	// IsAvailable reports whether the provider is configured and usable.
	IsAvailable() bool
	// GetQuote returns a snapshot, or nil if the provider cannot serve it.
	GetQuote(symbol string) *Quote
	// GetHistoricalBars returns bars in [from, to], oldest first, or nil.
	GetHistoricalBars(symbol string, from, to time.Time, tf Timeframe) []Bar
}

// CryptoProvider is implemented by providers that also serve spot crypto
// pairs (used for weekend-gap context).
type CryptoProvider interface {
	GetCryptoQuote(pair string) *Quote
	GetCryptoBars(pair string, from, to time.Time, tf Timeframe) []Bar
}

// Manager is the market-data gateway: an ordered provider list with
// fallback, plus an optional real-time stream that short-cuts the HTTP
// quote path when it has a fresh print.
type Manager struct {
	providers []Provider
	stream    *Stream // may be nil
	log       zerolog.Logger

	mu         sync.Mutex
	lastSource Source // last provider that answered successfully
}

// NewManager creates a gateway over the given providers, highest priority first.
func NewManager(log zerolog.Logger, providers ...Provider) *Manager {
	return &Manager{
		providers: providers,
		log:       log.With().Str("component", "market").Logger(),
	}
}

// AttachStream wires a live trade stream into the quote path.
func (m *Manager) AttachStream(s *Stream) {
	m.stream = s
}

// ActiveSource returns the provider that served the last successful request.
func (m *Manager) ActiveSource() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSource
}

// GetQuote returns the current quote for a symbol, or nil on total failure.
// A fresh streamed trade price overrides the HTTP provider's last price but
// the rest of the snapshot (open, high, low) still comes from the provider.
func (m *Manager) GetQuote(symbol string) *Quote {
	var quote *Quote
	for _, p := range m.providers {
		if !p.IsAvailable() {
			continue
		}
		if q := p.GetQuote(symbol); q != nil && q.CurrentPrice > 0 {
			quote = q
			m.mu.Lock()
			m.lastSource = p.Source()
			m.mu.Unlock()
			break
		}
		m.log.Warn().Str("symbol", symbol).Str("source", string(p.Source())).
			Msg("quote failed, falling through")
	}

	if quote == nil {
		m.log.Warn().Str("symbol", symbol).Msg("all providers failed")
		return nil
	}

	if m.stream != nil {
		if price, at, ok := m.stream.LastTrade(symbol); ok && time.Since(at) <= streamFreshness {
			quote.CurrentPrice = price
			quote.Source = SourceStream
			quote.IsRealtime = true
		}
	}
	return quote
}

// GetHistoricalBars returns bars for the symbol, or nil on total failure.
func (m *Manager) GetHistoricalBars(symbol string, from, to time.Time, tf Timeframe) []Bar {
	for _, p := range m.providers {
		if !p.IsAvailable() {
			continue
		}
		if bars := p.GetHistoricalBars(symbol, from, to, tf); len(bars) > 0 {
			m.mu.Lock()
			m.lastSource = p.Source()
			m.mu.Unlock()
			return bars
		}
	}
	m.log.Warn().Str("symbol", symbol).Msg("no provider returned bars")
	return nil
}

// GetCryptoQuote returns a spot crypto quote from the first capable
// provider, or nil.
func (m *Manager) GetCryptoQuote(pair string) *Quote {
	for _, p := range m.providers {
		cp, ok := p.(CryptoProvider)
		if !ok || !p.IsAvailable() {
			continue
		}
		if q := cp.GetCryptoQuote(pair); q != nil && q.CurrentPrice > 0 {
			return q
		}
	}
	return nil
}

// GetCryptoBars returns daily spot crypto bars, or nil.
func (m *Manager) GetCryptoBars(pair string, from, to time.Time, tf Timeframe) []Bar {
	for _, p := range m.providers {
		cp, ok := p.(CryptoProvider)
		if !ok || !p.IsAvailable() {
			continue
		}
		if bars := cp.GetCryptoBars(pair, from, to, tf); len(bars) > 0 {
			return bars
		}
	}
	return nil
}

// streamFreshness is how recent a streamed print must be to override the
// HTTP quote's last price.
const streamFreshness = 10 * time.Second
