package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogEvent_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	err := s.LogEvent(LevelInfo, "TRADE_EXECUTED", map[string]any{
		"etf": "BITX", "shares": float64(100),
	})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := s.LogEvent(LevelError, "TRADE_FAILED", nil); err != nil {
		t.Fatalf("log event: %v", err)
	}

	events, err := s.GetEvents(10, "")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Event != "TRADE_FAILED" {
		t.Errorf("expected newest first, got %s", events[0].Event)
	}
	if events[1].Details["etf"] != "BITX" {
		t.Errorf("details lost: %+v", events[1].Details)
	}
}

func TestGetEvents_LevelFilter(t *testing.T) {
	s := newTestStore(t)
	_ = s.LogEvent(LevelInfo, "A", nil)
	_ = s.LogEvent(LevelError, "B", nil)
	_ = s.LogEvent(LevelInfo, "C", nil)

	events, err := s.GetEvents(10, LevelError)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 1 || events[0].Event != "B" {
		t.Errorf("level filter broken: %+v", events)
	}
}

func TestStrategyParams(t *testing.T) {
	s := newTestStore(t)

	if v, err := s.GetStrategyParam("crash_threshold"); err != nil || v != nil {
		t.Fatalf("expected no value, got %v, %v", v, err)
	}

	prev := -2.0
	if err := s.SaveStrategyParam("crash_threshold", -1.5, &prev, "tuner update"); err != nil {
		t.Fatalf("save: %v", err)
	}

	v, err := s.GetStrategyParam("crash_threshold")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v == nil || *v != -1.5 {
		t.Fatalf("expected -1.5, got %v", v)
	}

	// Upsert replaces.
	if err := s.SaveStrategyParam("crash_threshold", -1.8, v, "again"); err != nil {
		t.Fatalf("save: %v", err)
	}
	all, err := s.GetAllStrategyParams()
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if all["crash_threshold"] != -1.8 {
		t.Errorf("expected -1.8, got %v", all["crash_threshold"])
	}
}

func TestTradingMode(t *testing.T) {
	s := newTestStore(t)

	mode, err := s.GetTradingMode()
	if err != nil || mode != "" {
		t.Fatalf("expected empty mode, got %q, %v", mode, err)
	}

	if err := s.SetTradingMode("live"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mode, _ = s.GetTradingMode()
	if mode != "live" {
		t.Errorf("expected live, got %q", mode)
	}

	if err := s.SetTradingMode("paper"); err != nil {
		t.Fatalf("set: %v", err)
	}
	mode, _ = s.GetTradingMode()
	if mode != "paper" {
		t.Errorf("expected paper, got %q", mode)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestStore(t)

	token, secret, err := s.LoadToken()
	if err != nil || token != "" || secret != "" {
		t.Fatalf("expected empty tokens, got %q/%q, %v", token, secret, err)
	}

	if err := s.SaveToken("tok123", "sec456"); err != nil {
		t.Fatalf("save: %v", err)
	}
	token, secret, err = s.LoadToken()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if token != "tok123" || secret != "sec456" {
		t.Errorf("round trip failed: %q/%q", token, secret)
	}
}
