// Package broker - paper.go implements the paper trading broker.
//
// The paper broker simulates order execution against real quotes so all
// executor logic remains identical between paper and live modes. Market
// orders fill immediately at the current quote plus (buy) or minus (sell)
// the configured slippage.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QuoteFunc returns the current price for a symbol, or 0 when unavailable.
// The paper broker prices fills through the market-data gateway.
type QuoteFunc func(symbol string) float64

// PaperBroker simulates broker operations for paper trading.
type PaperBroker struct {
	mu          sync.Mutex
	cash        float64
	positions   map[string]*PositionRow
	orders      map[string]*OrderState
	previews    map[string]float64 // previewID -> estimated total
	quote       QuoteFunc
	slippagePct float64
}

// NewPaperBroker creates a paper broker with the given initial capital.
func NewPaperBroker(initialCapital, slippagePct float64, quote QuoteFunc) *PaperBroker {
	return &PaperBroker{
		cash:        initialCapital,
		positions:   make(map[string]*PositionRow),
		orders:      make(map[string]*OrderState),
		previews:    make(map[string]float64),
		quote:       quote,
		slippagePct: slippagePct,
	}
}

// The paper broker is always authenticated.
func (pb *PaperBroker) IsAuthenticated(_ context.Context) bool     { return true }
func (pb *PaperBroker) EnsureAuthenticated(_ context.Context) bool { return true }
func (pb *PaperBroker) RenewToken(_ context.Context) error         { return nil }

func (pb *PaperBroker) ListAccounts(_ context.Context) ([]Account, error) {
	return []Account{{
		AccountIDKey: "paper",
		AccountID:    "PAPER-0001",
		Description:  "Paper trading account",
		Mode:         "CASH",
	}}, nil
}

func (pb *PaperBroker) GetCashAvailable(_ context.Context, _ string) (float64, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.cash, nil
}

func (pb *PaperBroker) GetAccountPositions(_ context.Context, _ string) ([]PositionRow, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	rows := make([]PositionRow, 0, len(pb.positions))
	for _, p := range pb.positions {
		row := *p
		if price := pb.quote(p.Symbol); price > 0 {
			row.MarketValue = price * float64(p.Quantity)
			row.TotalGain = row.MarketValue - row.CostBasis
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (pb *PaperBroker) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	price := pb.quote(symbol)
	if price <= 0 {
		return nil, fmt.Errorf("paper broker: no quote for %s", symbol)
	}
	return &Quote{Symbol: symbol, LastTrade: price}, nil
}

func (pb *PaperBroker) PreviewOrder(_ context.Context, _, symbol string, side OrderSide, qty int, orderType OrderType, limitPrice float64) (*OrderPreview, error) {
	price := pb.quote(symbol)
	if price <= 0 && orderType == OrderTypeMarket {
		return nil, fmt.Errorf("paper broker: no quote for %s", symbol)
	}
	if orderType == OrderTypeLimit {
		price = limitPrice
	}

	preview := &OrderPreview{
		PreviewID:      "PREVIEW-" + uuid.NewString(),
		EstimatedTotal: price * float64(qty),
	}

	pb.mu.Lock()
	pb.previews[preview.PreviewID] = preview.EstimatedTotal
	pb.mu.Unlock()
	return preview, nil
}

// PlaceOrder fills synthetically: buys at quote plus slippage, sells at
// quote minus slippage. Insufficient cash or shares rejects the order
// rather than erroring, matching how a real broker responds.
func (pb *PaperBroker) PlaceOrder(_ context.Context, _, symbol string, side OrderSide, qty int, orderType OrderType, previewID string, limitPrice float64) (*OrderResponse, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if _, ok := pb.previews[previewID]; !ok {
		return nil, fmt.Errorf("paper broker: unknown preview id %q", previewID)
	}
	delete(pb.previews, previewID)

	price := pb.quote(symbol)
	if price <= 0 {
		if orderType != OrderTypeLimit {
			return nil, fmt.Errorf("paper broker: no quote for %s", symbol)
		}
		price = limitPrice
	}

	orderID := "PAPER-" + uuid.NewString()
	state := &OrderState{OrderID: orderID, Status: OrderStatusExecuted}

	switch side {
	case OrderSideBuy:
		fillPrice := price * (1 + pb.slippagePct/100)
		cost := fillPrice * float64(qty)
		if cost > pb.cash {
			state.Status = OrderStatusRejected
			pb.orders[orderID] = state
			return &OrderResponse{OrderID: orderID, Timestamp: time.Now()}, nil
		}
		pb.cash -= cost
		if p, ok := pb.positions[symbol]; ok {
			p.CostBasis += cost
			p.Quantity += qty
		} else {
			pb.positions[symbol] = &PositionRow{
				Symbol:    symbol,
				Quantity:  qty,
				CostBasis: cost,
			}
		}
		state.FilledQty = qty
		state.AvgPrice = fillPrice

	case OrderSideSell:
		p, ok := pb.positions[symbol]
		if !ok || p.Quantity < qty {
			state.Status = OrderStatusRejected
			pb.orders[orderID] = state
			return &OrderResponse{OrderID: orderID, Timestamp: time.Now()}, nil
		}
		fillPrice := price * (1 - pb.slippagePct/100)
		proceeds := fillPrice * float64(qty)
		pb.cash += proceeds
		p.CostBasis -= p.EntryPrice() * float64(qty)
		p.Quantity -= qty
		if p.Quantity == 0 {
			delete(pb.positions, symbol)
		}
		state.FilledQty = qty
		state.AvgPrice = fillPrice
	}

	pb.orders[orderID] = state
	return &OrderResponse{OrderID: orderID, Timestamp: time.Now()}, nil
}

func (pb *PaperBroker) GetOrderStatus(_ context.Context, _, orderID string) (*OrderState, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	state, ok := pb.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper broker: order %s not found", orderID)
	}
	s := *state
	return &s, nil
}

func (pb *PaperBroker) CancelOrder(_ context.Context, _, orderID string) (bool, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	state, ok := pb.orders[orderID]
	if !ok {
		return false, fmt.Errorf("paper broker: order %s not found", orderID)
	}
	if state.Status.IsFilled() {
		return false, fmt.Errorf("paper broker: order %s already filled", orderID)
	}
	state.Status = OrderStatusCancelled
	return true, nil
}
