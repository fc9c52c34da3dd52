package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/pkg/trading"
	"signalbridge/internal/types"

	"github.com/google/uuid"
)

// 与 MT5 retcode 对齐的拒单码
const (
	RetcodeInvalidVolume = 10014
	RetcodeInvalidStops  = 10016
	RetcodeNoQuote       = 10021
	RetcodeRejected      = 10006
	RetcodeUnknownSymbol = 10013
)

// DefaultSymbolInfo returns plausible contract parameters for a symbol by class.
func DefaultSymbolInfo(symbol string) SymbolInfo {
	symbol = strings.ToUpper(symbol)
	info := SymbolInfo{Symbol: symbol, MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01, TickValue: 1}
	switch {
	case types.IsMetal(symbol):
		info.Point, info.Digits = 0.01, 2
	case strings.Contains(symbol, "JPY"):
		info.Point, info.Digits = 0.001, 3
	default:
		info.Point, info.Digits = 0.00001, 5
	}
	info.TickSize = info.Point
	return info
}

type PaperConfig struct {
	Balance float64
	Symbols []SymbolInfo
}

// PaperBroker is an in-memory venue. Orders fill at the last quote set with
// SetPrice (or the request price when no quote exists); SetPrice also closes
// positions whose stop or target is crossed.
type PaperBroker struct {
	mu        sync.Mutex
	connected bool
	balance   float64
	symbols   map[string]SymbolInfo
	quotes    map[string]float64
	positions map[string]*Position
	closed    map[string]CloseResult
	rejects   []string
	nowFn     func() time.Time
}

func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	p := &PaperBroker{
		balance:   cfg.Balance,
		symbols:   make(map[string]SymbolInfo, len(cfg.Symbols)),
		quotes:    make(map[string]float64),
		positions: make(map[string]*Position),
		closed:    make(map[string]CloseResult),
		nowFn:     time.Now,
	}
	for _, info := range cfg.Symbols {
		info.Symbol = strings.ToUpper(info.Symbol)
		p.symbols[info.Symbol] = info
	}
	return p
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	logger.Infof("[paper] connected, balance=%.2f symbols=%d", p.balance, len(p.symbols))
	return nil
}

func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *PaperBroker) Ping(ctx context.Context) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (p *PaperBroker) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *PaperBroker) IsSymbolAvailable(ctx context.Context, symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.symbols[strings.ToUpper(symbol)]
	return ok
}

func (p *PaperBroker) AvailableSymbols(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (p *PaperBroker) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return SymbolInfo{}, ErrNotConnected
	}
	info, ok := p.symbols[strings.ToUpper(symbol)]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
	}
	return info, nil
}

// RejectNext makes the next len(reasons) orders fail with the given reasons.
func (p *PaperBroker) RejectNext(reasons ...string) {
	p.mu.Lock()
	p.rejects = append(p.rejects, reasons...)
	p.mu.Unlock()
}

func (p *PaperBroker) PlaceMarketOrder(ctx context.Context, req OrderRequest) (PlaceOrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return PlaceOrderResult{}, ErrNotConnected
	}
	if len(p.rejects) > 0 {
		reason := p.rejects[0]
		p.rejects = p.rejects[1:]
		return Rejected(RetcodeRejected, reason), nil
	}
	symbol := strings.ToUpper(req.Symbol)
	info, ok := p.symbols[symbol]
	if !ok {
		return Rejected(RetcodeUnknownSymbol, "unknown symbol "+req.Symbol), nil
	}
	if req.Volume < info.MinVolume || (info.MaxVolume > 0 && req.Volume > info.MaxVolume) ||
		!trading.IsMultipleOfStep(req.Volume, info.VolumeStep) {
		return Rejected(RetcodeInvalidVolume, fmt.Sprintf("invalid volume %v", req.Volume)), nil
	}
	price := p.quotes[symbol]
	if price <= 0 {
		price = req.Price
	}
	if price <= 0 {
		return Rejected(RetcodeNoQuote, "no quote for "+symbol), nil
	}
	if !stopsValid(req.Direction, price, req.StopLoss, req.TakeProfit) {
		return Rejected(RetcodeInvalidStops, "invalid stops"), nil
	}

	id := uuid.NewString()
	p.positions[id] = &Position{
		OrderID:      id,
		Symbol:       symbol,
		Direction:    req.Direction,
		Volume:       req.Volume,
		OpenPrice:    price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		CurrentPrice: price,
		OpenedAt:     p.nowFn(),
	}
	logger.Debugf("[paper] filled %s %s %v @ %v sl=%v tp=%v id=%s", symbol, req.Direction, req.Volume, price, req.StopLoss, req.TakeProfit, id)
	return Filled(id, price, req.Volume), nil
}

func stopsValid(dir types.Direction, price, sl, tp float64) bool {
	switch dir {
	case types.DirectionBuy:
		return (sl == 0 || sl < price) && (tp == 0 || tp > price)
	case types.DirectionSell:
		return (sl == 0 || sl > price) && (tp == 0 || tp < price)
	default:
		return false
	}
}

func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID string, stopLoss, takeProfit *float64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false, ErrNotConnected
	}
	pos, ok := p.positions[orderID]
	if !ok {
		return false, nil
	}
	sl, tp := pos.StopLoss, pos.TakeProfit
	if stopLoss != nil {
		sl = *stopLoss
	}
	if takeProfit != nil {
		tp = *takeProfit
	}
	if !stopsValid(pos.Direction, pos.CurrentPrice, sl, tp) {
		return false, nil
	}
	pos.StopLoss, pos.TakeProfit = sl, tp
	return true, nil
}

func (p *PaperBroker) GetOpenPosition(ctx context.Context, orderID string) (*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	pos, ok := p.positions[orderID]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

// OpenPositions lists open positions, all of them when symbol is empty.
func (p *PaperBroker) OpenPositions(ctx context.Context, symbol string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	symbol = strings.ToUpper(symbol)
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (p *PaperBroker) ClosePosition(ctx context.Context, orderID string) (CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return CloseResult{}, ErrNotConnected
	}
	pos, ok := p.positions[orderID]
	if !ok {
		return CloseResult{}, fmt.Errorf("position %s not found", orderID)
	}
	price := p.quotes[pos.Symbol]
	if price <= 0 {
		price = pos.CurrentPrice
	}
	return p.closeLocked(pos, price), nil
}

func (p *PaperBroker) ClosedDeal(ctx context.Context, orderID string) (*CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.closed[orderID]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (p *PaperBroker) AccountBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0, ErrNotConnected
	}
	return p.balance, nil
}

// SetPrice updates the quote for symbol and closes every position whose stop
// loss or take profit the new price crosses. Returns the closed order ids.
func (p *PaperBroker) SetPrice(symbol string, price float64) []string {
	symbol = strings.ToUpper(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
	var closed []string
	for id, pos := range p.positions {
		if pos.Symbol != symbol {
			continue
		}
		pos.CurrentPrice = price
		pos.Profit = p.profitLocked(pos, price)
		if fill, hit := triggered(pos, price); hit {
			p.closeLocked(pos, fill)
			closed = append(closed, id)
		}
	}
	sort.Strings(closed)
	return closed
}

// triggered returns the fill price when price crosses the position's stop or target.
func triggered(pos *Position, price float64) (float64, bool) {
	switch pos.Direction {
	case types.DirectionBuy:
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return pos.TakeProfit, true
		}
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return pos.StopLoss, true
		}
	case types.DirectionSell:
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return pos.TakeProfit, true
		}
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return pos.StopLoss, true
		}
	}
	return 0, false
}

func (p *PaperBroker) closeLocked(pos *Position, price float64) CloseResult {
	profit := p.profitLocked(pos, price)
	res := CloseResult{OrderID: pos.OrderID, Price: price, Profit: profit, ClosedAt: p.nowFn()}
	p.balance += profit
	p.closed[pos.OrderID] = res
	delete(p.positions, pos.OrderID)
	logger.Debugf("[paper] closed %s %s @ %v profit=%.2f", pos.Symbol, pos.OrderID, price, profit)
	return res
}

// profitLocked uses the MT5 convention: price delta / tick size × tick value × lots.
func (p *PaperBroker) profitLocked(pos *Position, price float64) float64 {
	info := p.symbols[pos.Symbol]
	tickSize := info.TickSize
	if tickSize <= 0 {
		tickSize = info.Point
	}
	if tickSize <= 0 {
		return 0
	}
	diff := price - pos.OpenPrice
	if pos.Direction == types.DirectionSell {
		diff = -diff
	}
	profit := diff / tickSize * info.TickValue * pos.Volume
	return math.Round(profit*100) / 100
}
