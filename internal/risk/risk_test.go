package risk

import "testing"

func TestShares_PctCap(t *testing.T) {
	s := NewSizer(75, 0)

	// 75% of $10,000 = $7,500 at $50 = 150 shares.
	if got := s.Shares(10000, 50); got != 150 {
		t.Errorf("expected 150, got %d", got)
	}
}

func TestShares_USDCapWins(t *testing.T) {
	s := NewSizer(100, 1000)

	if got := s.Shares(10000, 10); got != 100 {
		t.Errorf("expected USD cap to bind at 100, got %d", got)
	}
}

func TestShares_PctCapWins(t *testing.T) {
	s := NewSizer(10, 50000)

	// 10% of $10,000 = $1,000 at $10 = 100 shares.
	if got := s.Shares(10000, 10); got != 100 {
		t.Errorf("expected pct cap to bind at 100, got %d", got)
	}
}

func TestShares_FloorsFractions(t *testing.T) {
	s := NewSizer(100, 0)

	// $100 at $30 = 3.33 shares, floored to 3.
	if got := s.Shares(100, 30); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestShares_ZeroWhenUnaffordable(t *testing.T) {
	s := NewSizer(100, 0)

	if got := s.Shares(50, 100); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := s.Shares(0, 100); got != 0 {
		t.Errorf("zero cash should yield 0, got %d", got)
	}
	if got := s.Shares(1000, 0); got != 0 {
		t.Errorf("zero price should yield 0, got %d", got)
	}
	if got := s.Shares(1000, -5); got != 0 {
		t.Errorf("negative price should yield 0, got %d", got)
	}
}
