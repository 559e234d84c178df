// Package broker defines the broker abstraction layer.
//
// Design rules:
//   - Only one broker is active at a time.
//   - No strategy logic inside the broker.
//   - Broker APIs are used only for execution and account state.
//   - Authentication state is the broker's own concern; callers only see
//     IsAuthenticated / EnsureAuthenticated.
package broker

import (
	"context"
	"time"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// IsTerminalFailure reports whether the status means the order will never fill.
func (s OrderStatus) IsTerminalFailure() bool {
	return s == OrderStatusCancelled || s == OrderStatusRejected || s == OrderStatusExpired
}

// IsFilled reports whether the order reached a filled state.
func (s OrderStatus) IsFilled() bool {
	return s == OrderStatusExecuted || s == OrderStatusFilled
}

// Account identifies a brokerage account.
type Account struct {
	AccountIDKey string
	AccountID    string
	Description  string
	Mode         string // "CASH" or "MARGIN"
}

// PositionRow is one holding as reported by the broker.
type PositionRow struct {
	Symbol      string
	Quantity    int
	CostBasis   float64
	MarketValue float64
	TotalGain   float64
	DaysGain    float64
}

// EntryPrice derives the per-share cost from the broker's cost basis.
func (p PositionRow) EntryPrice() float64 {
	if p.Quantity == 0 {
		return 0
	}
	return p.CostBasis / float64(p.Quantity)
}

// Quote is the broker's own view of a symbol (used when the broker is the
// active data source; the market gateway normally serves quotes).
type Quote struct {
	Symbol    string
	LastTrade float64
	Open      float64
	High      float64
	Low       float64
	Bid       float64
	Ask       float64
	Volume    int64
}

// OrderPreview is the broker's cost estimate. PreviewID must be echoed on
// the subsequent PlaceOrder call.
type OrderPreview struct {
	PreviewID      string
	EstimatedTotal float64
}

// OrderResponse is returned after placing an order.
type OrderResponse struct {
	OrderID   string
	Timestamp time.Time
}

// OrderState is the polled status of an existing order.
type OrderState struct {
	OrderID   string
	Status    OrderStatus
	FilledQty int
	AvgPrice  float64
}

// Broker is the gateway the executor trades through. A paper
// implementation of the same surface is wired in when the worker runs in
// paper mode, so the execution path is identical in both modes.
type Broker interface {
	// IsAuthenticated actively tests credentials by attempting a read.
	IsAuthenticated(ctx context.Context) bool

	// EnsureAuthenticated proactively renews the token. Safe (and
	// intended) to call immediately before each preview+place sequence so
	// the token cannot expire mid-sequence.
	EnsureAuthenticated(ctx context.Context) bool

	// RenewToken renews the access token with the broker.
	RenewToken(ctx context.Context) error

	ListAccounts(ctx context.Context) ([]Account, error)
	GetCashAvailable(ctx context.Context, accountIDKey string) (float64, error)
	GetAccountPositions(ctx context.Context, accountIDKey string) ([]PositionRow, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)

	PreviewOrder(ctx context.Context, accountIDKey, symbol string, side OrderSide, qty int, orderType OrderType, limitPrice float64) (*OrderPreview, error)
	PlaceOrder(ctx context.Context, accountIDKey, symbol string, side OrderSide, qty int, orderType OrderType, previewID string, limitPrice float64) (*OrderResponse, error)
	GetOrderStatus(ctx context.Context, accountIDKey, orderID string) (*OrderState, error)
	CancelOrder(ctx context.Context, accountIDKey, orderID string) (bool, error)
}
