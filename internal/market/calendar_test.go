package market

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d, hour, min int) time.Time {
	return time.Date(y, m, d, hour, min, 0, 0, ET)
}

func TestIsTradingDay_Weekdays(t *testing.T) {
	c := NewCalendar(map[string]string{})

	// 2026-03-10 is a Tuesday.
	if !c.IsTradingDay(date(2026, 3, 10, 12, 0)) {
		t.Error("Tuesday should be a trading day")
	}
	// 2026-03-14 is a Saturday, 2026-03-15 a Sunday.
	if c.IsTradingDay(date(2026, 3, 14, 12, 0)) {
		t.Error("Saturday should not be a trading day")
	}
	if c.IsTradingDay(date(2026, 3, 15, 12, 0)) {
		t.Error("Sunday should not be a trading day")
	}
}

func TestIsTradingDay_Holidays(t *testing.T) {
	c := NewCalendar(nil) // built-in holiday table

	// Christmas 2026 falls on a Friday.
	christmas := date(2026, 12, 25, 12, 0)
	if c.IsTradingDay(christmas) {
		t.Error("Christmas should not be a trading day")
	}
	if reason := c.HolidayReason(christmas); reason != "Christmas Day" {
		t.Errorf("expected holiday reason, got %q", reason)
	}
}

func TestIsMarketOpen(t *testing.T) {
	c := NewCalendar(map[string]string{})

	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"before open", date(2026, 3, 10, 9, 29), false},
		{"at open", date(2026, 3, 10, 9, 30), true},
		{"midday", date(2026, 3, 10, 12, 0), true},
		{"last minute", date(2026, 3, 10, 15, 59), true},
		{"at close", date(2026, 3, 10, 16, 0), false},
		{"weekend", date(2026, 3, 14, 12, 0), false},
	}
	for _, tc := range cases {
		if got := c.IsMarketOpen(tc.at); got != tc.open {
			t.Errorf("%s: expected open=%v, got %v", tc.name, tc.open, got)
		}
	}
}

func TestPreviousTradingDay_SkipsWeekend(t *testing.T) {
	c := NewCalendar(map[string]string{})

	// Monday 2026-03-09: previous trading day is Friday 2026-03-06.
	prev := c.PreviousTradingDay(date(2026, 3, 9, 12, 0))
	if prev.Day() != 6 || prev.Weekday() != time.Friday {
		t.Errorf("expected Friday the 6th, got %v", prev)
	}
}

func TestNextTradingDay_SkipsHoliday(t *testing.T) {
	c := NewCalendar(map[string]string{"2026-03-11": "Test Holiday"})

	// Tuesday the 10th: Wednesday is a holiday, so Thursday the 12th.
	next := c.NextTradingDay(date(2026, 3, 10, 12, 0))
	if next.Day() != 12 {
		t.Errorf("expected the 12th, got %v", next)
	}
}
