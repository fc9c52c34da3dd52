// Package broker defines the execution venue boundary. Implementations wrap a
// real MT5 bridge (BridgeClient) or an in-memory paper venue (PaperBroker).
package broker

import (
	"context"
	"errors"
	"time"

	"signalbridge/internal/types"
)

// ErrNotConnected is returned by every call made while the venue is down.
var ErrNotConnected = errors.New("broker not connected")

// Broker is the narrow contract the pipeline needs from a venue.
type Broker interface {
	Name() string

	IsConnected() bool

	IsSymbolAvailable(ctx context.Context, symbol string) bool

	AvailableSymbols(ctx context.Context) ([]string, error)

	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// PlaceMarketOrder returns a transport error for connectivity problems and a
	// rejected PlaceOrderResult when the venue refuses the order.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (PlaceOrderResult, error)

	ModifyOrder(ctx context.Context, orderID string, stopLoss, takeProfit *float64) (bool, error)

	// GetOpenPosition returns (nil, nil) when the order has no open position.
	GetOpenPosition(ctx context.Context, orderID string) (*Position, error)

	OpenPositions(ctx context.Context, symbol string) ([]Position, error)

	ClosePosition(ctx context.Context, orderID string) (CloseResult, error)

	// ClosedDeal looks up the realised result of a position closed by the venue.
	ClosedDeal(ctx context.Context, orderID string) (*CloseResult, error)

	AccountBalance(ctx context.Context) (float64, error)
}

// Connector is implemented by venues that hold a session the supervisor manages.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// SymbolInfo mirrors the venue's contract parameters.
type SymbolInfo struct {
	Symbol     string  `json:"symbol"`
	MinVolume  float64 `json:"volume_min"`
	MaxVolume  float64 `json:"volume_max"`
	VolumeStep float64 `json:"volume_step"`
	Point      float64 `json:"point"`
	TickValue  float64 `json:"trade_tick_value"`
	TickSize   float64 `json:"trade_tick_size"`
	Digits     int     `json:"digits"`
}

// OrderRequest 市价单请求，每条腿一单。
type OrderRequest struct {
	Symbol    string
	Direction types.Direction
	Volume    float64
	// Price is the signal's intended entry; venues fill at their own quote.
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Comment    string
	Magic      int
}

// OrderFill is the success arm of PlaceOrderResult.
type OrderFill struct {
	OrderID string
	Price   float64
	Volume  float64
}

// OrderRejection is the failure arm of PlaceOrderResult.
type OrderRejection struct {
	Code   int
	Reason string
}

// PlaceOrderResult is a tagged result: exactly one of Ok / Err is set.
type PlaceOrderResult struct {
	Ok  *OrderFill
	Err *OrderRejection
}

func Filled(orderID string, price, volume float64) PlaceOrderResult {
	return PlaceOrderResult{Ok: &OrderFill{OrderID: orderID, Price: price, Volume: volume}}
}

func Rejected(code int, reason string) PlaceOrderResult {
	return PlaceOrderResult{Err: &OrderRejection{Code: code, Reason: reason}}
}

func (r PlaceOrderResult) Filled() bool {
	return r.Ok != nil && r.Err == nil
}

// Reason 返回拒单原因（成交时为空）。
func (r PlaceOrderResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Reason
}

// Position is an open venue position keyed by the order that opened it.
type Position struct {
	OrderID      string          `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Direction    types.Direction `json:"direction"`
	Volume       float64         `json:"volume"`
	OpenPrice    float64         `json:"price_open"`
	StopLoss     float64         `json:"sl"`
	TakeProfit   float64         `json:"tp"`
	CurrentPrice float64         `json:"price_current"`
	Profit       float64         `json:"profit"`
	OpenedAt     time.Time       `json:"time"`
}

// CloseResult 平仓结果。
type CloseResult struct {
	OrderID  string
	Price    float64
	Profit   float64
	ClosedAt time.Time
}
