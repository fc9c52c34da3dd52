package executor

import (
	"context"
	"fmt"

	"signalbridge/internal/logger"
	"signalbridge/internal/scheduler"
)

// RunMonitor polls tracked legs every MonitorInterval until ctx is done.
func (e *Executor) RunMonitor(ctx context.Context) error {
	sched := scheduler.New("trade-monitor", e.cfg.MonitorInterval)
	return sched.Run(ctx, func(ctx context.Context) {
		e.CheckTrades(ctx)
	})
}

type legEvent struct {
	trade Trade
	leg   Leg
}

// CheckTrades runs one monitor pass: a leg whose order has no open position
// is marked closed, the stop ratchet is applied and fully closed trades are
// retired. Lookup errors are logged and retried on the next pass. Returns the
// number of trades retired.
func (e *Executor) CheckTrades(ctx context.Context) int {
	var (
		legEvents []legEvent
		retired   []Trade
		messages  []string
	)

	e.mu.Lock()
	listeners := append([]TradeListener(nil), e.listeners...)
	for symbol, t := range e.active {
		closedNow, hadErrors := e.pollLegs(ctx, t)

		if len(t.openLegs()) > 0 && highestClosedIndex(t) > 0 {
			point := 0.0
			if info, err := e.broker.SymbolInfo(ctx, t.Symbol); err == nil {
				point = info.Point
			} else {
				logger.Warnf("[executor] symbol info for %s unavailable, breakeven offset skipped: %v", t.Symbol, err)
			}
			for _, leg := range e.applyRatchet(ctx, t, point) {
				e.record(ctx, t.ID, "stop_moved", fmt.Sprintf("leg %d -> %v", leg.Index, leg.StopLoss))
				messages = append(messages, stopMovedMessage(t, leg))
			}
		}

		if len(closedNow) > 0 {
			next := StatePartiallyClosed
			if len(t.openLegs()) == 0 {
				next = StateClosed
			}
			if err := t.transition(next); err != nil {
				logger.Errorf("[executor] %v", err)
			}
			for _, leg := range closedNow {
				e.record(ctx, t.ID, "leg_closed", fmt.Sprintf("leg %d @ %v profit=%.2f", leg.Index, leg.ClosePrice, leg.Profit))
				legEvents = append(legEvents, legEvent{trade: t.Snapshot(), leg: *leg})
				messages = append(messages, legClosedMessage(t, leg))
			}
			e.persist(ctx, t)
		}

		if len(t.openLegs()) == 0 && !hadErrors {
			if t.State != StateClosed {
				if err := t.transition(StateClosed); err != nil {
					logger.Errorf("[executor] %v", err)
					t.State = StateClosed
				}
			}
			now := e.nowFn()
			t.ClosedAt = &now
			e.persist(ctx, t)
			e.record(ctx, t.ID, "closed", fmt.Sprintf("profit=%.2f", t.RealisedProfit()))
			delete(e.active, symbol)
			retired = append(retired, t.Snapshot())
			messages = append(messages, tradeClosedMessage(t))
			logger.Infof("[executor] trade %s (%s) retired, profit=%.2f", t.ID, t.Symbol, t.RealisedProfit())
		}
	}
	e.mu.Unlock()

	for _, ev := range legEvents {
		for _, l := range listeners {
			l.LegClosed(ctx, ev.trade, ev.leg)
		}
	}
	for _, t := range retired {
		for _, l := range listeners {
			l.TradeClosed(ctx, t)
		}
	}
	for _, m := range messages {
		e.notify(m)
	}
	return len(retired)
}

// pollLegs asks the venue about every open leg of t.
func (e *Executor) pollLegs(ctx context.Context, t *Trade) (closedNow []*Leg, hadErrors bool) {
	for _, leg := range t.openLegs() {
		pos, err := e.broker.GetOpenPosition(ctx, leg.OrderID)
		if err != nil {
			logger.Warnf("[executor] lookup leg %d order=%s of %s failed: %v", leg.Index, leg.OrderID, t.ID, err)
			hadErrors = true
			continue
		}
		if pos != nil {
			continue
		}
		price, profit, at := leg.TakeProfit, 0.0, e.nowFn()
		if deal, err := e.broker.ClosedDeal(ctx, leg.OrderID); err != nil {
			logger.Warnf("[executor] closed deal for order=%s unavailable: %v", leg.OrderID, err)
		} else if deal != nil {
			price, profit = deal.Price, deal.Profit
			if !deal.ClosedAt.IsZero() {
				at = deal.ClosedAt
			}
		}
		e.markLegClosed(leg, price, profit, at)
		closedNow = append(closedNow, leg)
		logger.Infof("[executor] %s leg %d closed order=%s price=%v profit=%.2f", t.Symbol, leg.Index, leg.OrderID, price, profit)
	}
	return closedNow, hadErrors
}
