package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubProvider serves canned data and records calls.
type stubProvider struct {
	source    Source
	available bool
	quote     *Quote
	bars      []Bar
	calls     int
}

func (s *stubProvider) Source() Source    { return s.source }
func (s *stubProvider) IsAvailable() bool { return s.available }
func (s *stubProvider) GetQuote(string) *Quote {
	s.calls++
	return s.quote
}
func (s *stubProvider) GetHistoricalBars(string, time.Time, time.Time, Timeframe) []Bar {
	s.calls++
	return s.bars
}

func TestManager_PrimaryProviderWins(t *testing.T) {
	primary := &stubProvider{source: "primary", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 100, Source: "primary"}}
	fallback := &stubProvider{source: "fallback", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 99, Source: "fallback"}}

	m := NewManager(zerolog.Nop(), primary, fallback)
	q := m.GetQuote("IBIT")
	if q == nil || q.Source != "primary" {
		t.Fatalf("expected primary quote, got %+v", q)
	}
	if fallback.calls != 0 {
		t.Error("fallback should not be consulted when primary answers")
	}
	if m.ActiveSource() != "primary" {
		t.Errorf("active source = %s", m.ActiveSource())
	}
}

func TestManager_FallsThroughOnFailure(t *testing.T) {
	primary := &stubProvider{source: "primary", available: true, quote: nil}
	fallback := &stubProvider{source: "fallback", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 99, Source: "fallback"}}

	m := NewManager(zerolog.Nop(), primary, fallback)
	q := m.GetQuote("IBIT")
	if q == nil || q.Source != "fallback" {
		t.Fatalf("expected fallback quote, got %+v", q)
	}
}

func TestManager_SkipsUnavailableProviders(t *testing.T) {
	down := &stubProvider{source: "down", available: false,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 1}}
	up := &stubProvider{source: "up", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 99, Source: "up"}}

	m := NewManager(zerolog.Nop(), down, up)
	q := m.GetQuote("IBIT")
	if q == nil || q.Source != "up" {
		t.Fatalf("expected up quote, got %+v", q)
	}
	if down.calls != 0 {
		t.Error("unavailable provider should not be called")
	}
}

func TestManager_NilOnTotalFailure(t *testing.T) {
	m := NewManager(zerolog.Nop(),
		&stubProvider{source: "a", available: false},
		&stubProvider{source: "b", available: true, quote: nil},
	)
	if q := m.GetQuote("IBIT"); q != nil {
		t.Errorf("expected nil on total failure, got %+v", q)
	}
	if bars := m.GetHistoricalBars("IBIT", time.Now().AddDate(0, 0, -5), time.Now(), Timeframe1Day); bars != nil {
		t.Errorf("expected nil bars, got %d", len(bars))
	}
}

func TestManager_StreamOverridesFreshPrint(t *testing.T) {
	provider := &stubProvider{source: "http", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 100, OpenPrice: 98, Source: "http"}}

	m := NewManager(zerolog.Nop(), provider)
	stream := &Stream{trades: map[string]streamTrade{
		"IBIT": {price: 100.5, at: time.Now()},
	}}
	m.AttachStream(stream)

	q := m.GetQuote("IBIT")
	if q == nil {
		t.Fatal("expected quote")
	}
	if q.CurrentPrice != 100.5 {
		t.Errorf("expected streamed price 100.5, got %.2f", q.CurrentPrice)
	}
	if q.Source != SourceStream || !q.IsRealtime {
		t.Errorf("expected stream-tagged realtime quote, got %+v", q)
	}
	// The HTTP snapshot still provides the session open.
	if q.OpenPrice != 98 {
		t.Errorf("open should come from the provider, got %.2f", q.OpenPrice)
	}
}

func TestManager_StaleStreamPrintIgnored(t *testing.T) {
	provider := &stubProvider{source: "http", available: true,
		quote: &Quote{Symbol: "IBIT", CurrentPrice: 100, Source: "http"}}

	m := NewManager(zerolog.Nop(), provider)
	stream := &Stream{trades: map[string]streamTrade{
		"IBIT": {price: 95, at: time.Now().Add(-time.Minute)},
	}}
	m.AttachStream(stream)

	q := m.GetQuote("IBIT")
	if q.CurrentPrice != 100 {
		t.Errorf("stale print must not override, got %.2f", q.CurrentPrice)
	}
}

func TestBar_DailyReturn(t *testing.T) {
	b := Bar{Open: 100, Close: 98}
	if got := b.DailyReturn(); got != -2.0 {
		t.Errorf("expected -2.0, got %.4f", got)
	}
	zero := Bar{Open: 0, Close: 98}
	if got := zero.DailyReturn(); got != 0 {
		t.Errorf("zero open should yield 0, got %.4f", got)
	}
}
