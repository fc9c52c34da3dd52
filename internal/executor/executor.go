// Package executor turns a validated signal into a multi-leg trade (one
// market order per take-profit), tracks the legs and ratchets their stop loss
// as earlier targets are hit.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/gateway/notifier"
	"signalbridge/internal/logger"
	"signalbridge/internal/pkg/trading"
	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	defaultMonitorInterval = 20 * time.Second
	defaultOffsetPoints    = 1
	defaultComment         = "signalbridge"
)

type Config struct {
	MonitorInterval       time.Duration
	BreakevenOffsetPoints float64
	Magic                 int
	Comment               string
	EnforceSessions       bool
}

// PositionSizer computes the total lot size of a signal.
type PositionSizer interface {
	CalculatePositionSize(ctx context.Context, symbol string, entry, stopLoss float64, riskAmount *float64) (float64, error)
}

// TradeGate is the account-level risk check run before sizing.
type TradeGate interface {
	CanTrade(ctx context.Context, symbol string) error
}

type MarketHours interface {
	IsOpen(symbol string, at time.Time) (bool, string)
}

// Journal receives an append-only trail of execution events.
type Journal interface {
	Append(ctx context.Context, tradeID, kind, detail string) error
}

// TradeListener is told about leg closures and trade retirement. Calls are
// made outside the executor lock with snapshots.
type TradeListener interface {
	LegClosed(ctx context.Context, trade Trade, leg Leg)
	TradeClosed(ctx context.Context, trade Trade)
}

type Params struct {
	Config    Config
	Broker    broker.Broker
	Sizer     PositionSizer
	Gate      TradeGate
	Hours     MarketHours
	Store     store.TradeStore
	Journal   Journal
	Notifier  notifier.TextNotifier
	Listeners []TradeListener
}

// Executor owns the active-trades map. One mutex guards the map and the
// whole submission sequence, so two signals for the same symbol never race.
type Executor struct {
	cfg       Config
	broker    broker.Broker
	sizer     PositionSizer
	gate      TradeGate
	hours     MarketHours
	store     store.TradeStore
	journal   Journal
	notifier  notifier.TextNotifier
	listeners []TradeListener
	nowFn     func() time.Time

	mu     sync.Mutex
	active map[string]*Trade // symbol -> trade
}

func New(p Params) (*Executor, error) {
	if p.Broker == nil {
		return nil, fmt.Errorf("executor: broker is required")
	}
	if p.Sizer == nil {
		return nil, fmt.Errorf("executor: sizer is required")
	}
	cfg := p.Config
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	if cfg.BreakevenOffsetPoints == 0 {
		cfg.BreakevenOffsetPoints = defaultOffsetPoints
	}
	if cfg.Comment == "" {
		cfg.Comment = defaultComment
	}
	return &Executor{
		cfg:       cfg,
		broker:    p.Broker,
		sizer:     p.Sizer,
		gate:      p.Gate,
		hours:     p.Hours,
		store:     p.Store,
		journal:   p.Journal,
		notifier:  p.Notifier,
		listeners: p.Listeners,
		nowFn:     time.Now,
		active:    make(map[string]*Trade),
	}, nil
}

// AddListener registers a listener; call before the monitor starts.
func (e *Executor) AddListener(l TradeListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// Execute places one leg per take-profit for the signal. At least one filled
// leg counts as success. Failures after legs were opened close them again.
func (e *Executor) Execute(ctx context.Context, signalID string, sig *types.CandidateSignal) (*Trade, error) {
	if sig == nil {
		return nil, types.ValidationFailure("signal is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkTradableLocked(ctx, sig); err != nil {
		return nil, err
	}
	if e.gate != nil {
		if err := e.gate.CanTrade(ctx, sig.Symbol); err != nil {
			return nil, err
		}
	}

	total, err := e.sizer.CalculatePositionSize(ctx, sig.Symbol, sig.EntryPrice, sig.StopLoss, nil)
	if err != nil {
		return nil, err
	}
	info, err := e.broker.SymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return nil, venueError("symbol info unavailable", err)
	}
	volumes := trading.SplitVolume(total, len(sig.TakeProfits), info.VolumeStep)
	for i, v := range volumes {
		if v <= 0 || v < info.MinVolume {
			return nil, types.SizingFailure(fmt.Sprintf("per-leg size %.4f for leg %d below minimum %.2f (total %.2f over %d legs)",
				v, i+1, info.MinVolume, total, len(volumes)))
		}
	}

	t := e.planTrade(signalID, sig, total, volumes)
	if err := t.transition(StateLegsSubmitting); err != nil {
		return nil, err
	}
	logger.Infof("[executor] submitting %d legs for %s %s total=%v signal=%s", len(t.Legs), t.Symbol, t.Direction, total, signalID)

	lastErr := e.submitLegs(ctx, t, info)
	if len(t.filledLegs()) == 0 {
		_ = t.transition(StateFailed)
		e.persist(ctx, t)
		e.record(ctx, t.ID, "failed", errDetail(lastErr))
		if errors.Is(lastErr, broker.ErrNotConnected) {
			return nil, types.ConnectionFailure("all legs failed", lastErr)
		}
		return nil, types.ExecutionFailure("all legs failed", lastErr)
	}

	// 注册阶梯止损：先落库，失败则回滚已开仓的腿
	if err := e.registerRatchet(ctx, t); err != nil {
		rbErr := e.rollbackLocked(ctx, t)
		_ = t.transition(StateFailed)
		e.record(ctx, t.ID, "failed", "ratchet setup: "+err.Error())
		return nil, types.ExecutionFailure("stop-loss ratchet setup failed", multierr.Append(err, rbErr))
	}

	if err := t.transition(StateActive); err != nil {
		return nil, err
	}
	e.active[t.Symbol] = t
	e.persist(ctx, t)
	e.record(ctx, t.ID, "opened", fmt.Sprintf("%d/%d legs filled, volume=%v", len(t.filledLegs()), len(t.Legs), t.FilledVolume()))
	e.notify(tradeOpenedMessage(t))

	snap := t.Snapshot()
	return &snap, nil
}

func (e *Executor) checkTradableLocked(ctx context.Context, sig *types.CandidateSignal) error {
	if !e.broker.IsConnected() {
		return types.ConnectionFailure("broker not connected", broker.ErrNotConnected)
	}
	if !e.broker.IsSymbolAvailable(ctx, sig.Symbol) {
		return types.ValidationFailure("Symbol not available: " + sig.Symbol)
	}
	if existing, ok := e.active[sig.Symbol]; ok {
		return types.ValidationFailure(fmt.Sprintf("Trade already active for %s (trade %s)", sig.Symbol, existing.ID))
	}
	if len(sig.TakeProfits) == 0 {
		return types.ValidationFailure("No take profit levels")
	}
	if !types.PriceOrderingValid(sig.Direction, sig.EntryPrice, sig.StopLoss, sig.TakeProfitPrices()) {
		return types.ValidationFailure("Invalid price levels for " + string(sig.Direction) + " signal")
	}
	if !types.TakeProfitsOrdered(sig.Direction, sig.TakeProfits) {
		return types.ValidationFailure("Take profits out of order for " + string(sig.Direction) + " signal")
	}
	if e.cfg.EnforceSessions && e.hours != nil {
		if open, reason := e.hours.IsOpen(sig.Symbol, e.nowFn()); !open {
			return types.ValidationFailure(reason)
		}
	}
	return nil
}

func (e *Executor) planTrade(signalID string, sig *types.CandidateSignal, total float64, volumes []float64) *Trade {
	t := &Trade{
		ID:          uuid.NewString(),
		SignalID:    signalID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Entry:       sig.EntryPrice,
		StopLoss:    sig.StopLoss,
		TotalVolume: total,
		State:       StatePlanned,
		OpenedAt:    e.nowFn(),
	}
	tps := append([]types.TakeProfit(nil), sig.TakeProfits...)
	sort.SliceStable(tps, func(i, j int) bool { return tps[i].Level < tps[j].Level })
	for i, tp := range tps {
		t.Legs = append(t.Legs, &Leg{
			Index:      i + 1,
			Entry:      sig.EntryPrice,
			TakeProfit: tp.Price,
			StopLoss:   sig.StopLoss,
			Volume:     volumes[i],
		})
	}
	return t
}

// submitLegs places every leg; a failing leg never stops the others.
// Returns the last error seen.
func (e *Executor) submitLegs(ctx context.Context, t *Trade, info broker.SymbolInfo) error {
	var lastErr error
	for _, leg := range t.Legs {
		req := broker.OrderRequest{
			Symbol:     t.Symbol,
			Direction:  t.Direction,
			Volume:     leg.Volume,
			Price:      leg.Entry,
			StopLoss:   trading.RoundPrice(leg.StopLoss, info.Digits),
			TakeProfit: trading.RoundPrice(leg.TakeProfit, info.Digits),
			Comment:    fmt.Sprintf("%s TP%d", e.cfg.Comment, leg.Index),
			Magic:      e.cfg.Magic,
		}
		res, err := e.broker.PlaceMarketOrder(ctx, req)
		switch {
		case err != nil:
			leg.Error = err.Error()
			lastErr = fmt.Errorf("leg %d: %w", leg.Index, err)
		case !res.Filled():
			leg.Error = res.Reason()
			lastErr = fmt.Errorf("leg %d rejected: %s", leg.Index, res.Reason())
		default:
			leg.Filled = true
			leg.OrderID = res.Ok.OrderID
			leg.FillPrice = res.Ok.Price
			if res.Ok.Volume > 0 {
				leg.Volume = res.Ok.Volume
			}
			logger.Infof("[executor] leg %d filled %s %s %v @ %v tp=%v order=%s", leg.Index, t.Symbol, t.Direction, leg.Volume, leg.FillPrice, leg.TakeProfit, leg.OrderID)
			continue
		}
		logger.Warnf("[executor] %s %v", t.Symbol, lastErr)
	}
	return lastErr
}

// registerRatchet persists the leg plan; the monitor drives the ratchet from
// the stored legs. Target ordering was checked before any order went out.
func (e *Executor) registerRatchet(ctx context.Context, t *Trade) error {
	if e.store == nil {
		return nil
	}
	return e.store.SaveTrade(ctx, toRecord(t))
}

// rollbackLocked closes every filled leg. Close errors are aggregated.
func (e *Executor) rollbackLocked(ctx context.Context, t *Trade) error {
	var errs error
	for _, leg := range t.openLegs() {
		res, err := e.broker.ClosePosition(ctx, leg.OrderID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close leg %d (%s): %w", leg.Index, leg.OrderID, err))
			continue
		}
		e.markLegClosed(leg, res.Price, res.Profit, res.ClosedAt)
	}
	if errs != nil {
		logger.Errorf("[executor] rollback of trade %s incomplete: %v", t.ID, errs)
	} else {
		logger.Warnf("[executor] rolled back trade %s (%s)", t.ID, t.Symbol)
	}
	return errs
}

func (e *Executor) markLegClosed(leg *Leg, price, profit float64, at time.Time) {
	if at.IsZero() {
		at = e.nowFn()
	}
	leg.Closed = true
	leg.ClosePrice = price
	leg.Profit = profit
	leg.ClosedAt = &at
}

// ActiveTrades returns snapshots of every tracked trade ordered by open time.
func (e *Executor) ActiveTrades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Restore reloads open trades from the store after a restart.
func (e *Executor) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	var recs []store.TradeRecord
	for _, st := range []TradeState{StateActive, StatePartiallyClosed} {
		page, err := e.store.ListTrades(ctx, store.TradeFilter{State: string(st)})
		if err != nil {
			return 0, fmt.Errorf("restore trades: %w", err)
		}
		recs = append(recs, page...)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range recs {
		t := fromRecord(&recs[i])
		e.active[t.Symbol] = t
	}
	if len(recs) > 0 {
		logger.Infof("[executor] restored %d open trades", len(recs))
	}
	return len(recs), nil
}

// CloseAll closes every open leg of every tracked trade (operator emergency
// stop) and retires what it could close.
func (e *Executor) CloseAll(ctx context.Context) error {
	e.mu.Lock()
	var errs error
	for _, t := range e.active {
		errs = multierr.Append(errs, e.rollbackLocked(ctx, t))
	}
	e.mu.Unlock()
	e.CheckTrades(ctx)
	return errs
}

// CloseTrade closes every open leg of one active trade, e.g. when its signal
// was cancelled while the orders were going out.
func (e *Executor) CloseTrade(ctx context.Context, tradeID string) error {
	e.mu.Lock()
	var target *Trade
	for _, t := range e.active {
		if t.ID == tradeID {
			target = t
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTradeNotActive, tradeID)
	}
	err := e.rollbackLocked(ctx, target)
	e.mu.Unlock()
	e.CheckTrades(ctx)
	return err
}

func (e *Executor) persist(ctx context.Context, t *Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(ctx, toRecord(t)); err != nil {
		logger.Errorf("[executor] persist trade %s failed: %v", t.ID, err)
	}
}

func (e *Executor) record(ctx context.Context, tradeID, kind, detail string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(ctx, tradeID, kind, detail); err != nil {
		logger.Warnf("[executor] journal append failed: %v", err)
	}
}

func (e *Executor) notify(text string) {
	if e.notifier == nil || text == "" {
		return
	}
	go func() {
		if err := e.notifier.SendText(text); err != nil {
			logger.Warnf("[executor] notify failed: %v", err)
		}
	}()
}

func venueError(reason string, err error) error {
	if errors.Is(err, broker.ErrNotConnected) {
		return types.ConnectionFailure(reason, err)
	}
	return types.ExecutionFailure(reason, err)
}

// errDetail renders an error for the journal, empty when nil.
func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func toRecord(t *Trade) *store.TradeRecord {
	rec := &store.TradeRecord{
		ID:          t.ID,
		SignalID:    t.SignalID,
		Symbol:      t.Symbol,
		Direction:   string(t.Direction),
		State:       string(t.State),
		EntryPrice:  t.Entry,
		StopLoss:    t.StopLoss,
		TotalVolume: t.TotalVolume,
		Profit:      t.RealisedProfit(),
		OpenedAt:    t.OpenedAt,
		ClosedAt:    t.ClosedAt,
	}
	for _, l := range t.Legs {
		rec.Legs = append(rec.Legs, store.LegRecord{
			TradeID:    t.ID,
			Index:      l.Index,
			OrderID:    l.OrderID,
			EntryPrice: l.Entry,
			FillPrice:  l.FillPrice,
			TakeProfit: l.TakeProfit,
			StopLoss:   l.StopLoss,
			Volume:     l.Volume,
			Filled:     l.Filled,
			Closed:     l.Closed,
			ClosePrice: l.ClosePrice,
			Profit:     l.Profit,
			ClosedAt:   l.ClosedAt,
			Error:      l.Error,
		})
	}
	return rec
}

func fromRecord(rec *store.TradeRecord) *Trade {
	t := &Trade{
		ID:          rec.ID,
		SignalID:    rec.SignalID,
		Symbol:      rec.Symbol,
		Direction:   types.Direction(rec.Direction),
		Entry:       rec.EntryPrice,
		StopLoss:    rec.StopLoss,
		TotalVolume: rec.TotalVolume,
		State:       TradeState(rec.State),
		OpenedAt:    rec.OpenedAt,
		ClosedAt:    rec.ClosedAt,
	}
	for _, l := range rec.Legs {
		t.Legs = append(t.Legs, &Leg{
			Index:      l.Index,
			OrderID:    l.OrderID,
			Entry:      l.EntryPrice,
			FillPrice:  l.FillPrice,
			TakeProfit: l.TakeProfit,
			StopLoss:   l.StopLoss,
			Volume:     l.Volume,
			Filled:     l.Filled,
			Closed:     l.Closed,
			ClosePrice: l.ClosePrice,
			Profit:     l.Profit,
			ClosedAt:   l.ClosedAt,
			Error:      l.Error,
		})
	}
	sort.Slice(t.Legs, func(i, j int) bool { return t.Legs[i].Index < t.Legs[j].Index })
	return t
}
