package executor

import (
	"context"

	"signalbridge/internal/logger"
	"signalbridge/internal/types"
)

const stopEps = 1e-9

// ratchetStop returns the stop an open leg should carry once the legs up to
// and including index closed: breakeven plus offset after the first target,
// otherwise the take profit of the leg before the last closed one.
func ratchetStop(t *Trade, leg *Leg, closedIndex int, offset float64) float64 {
	if closedIndex <= 0 {
		return leg.StopLoss
	}
	if closedIndex == 1 {
		base := leg.FillPrice
		if base <= 0 {
			base = leg.Entry
		}
		if t.Direction == types.DirectionSell {
			return base - offset
		}
		return base + offset
	}
	return t.Legs[closedIndex-2].TakeProfit
}

// tightens reports whether candidate moves the stop in the trade's favour.
func tightens(dir types.Direction, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	if dir == types.DirectionSell {
		return candidate < current-stopEps
	}
	return candidate > current+stopEps
}

// highestClosedIndex is the largest leg index that has closed, 0 if none.
func highestClosedIndex(t *Trade) int {
	idx := 0
	for _, l := range t.Legs {
		if l.Filled && l.Closed && l.Index > idx {
			idx = l.Index
		}
	}
	return idx
}

// applyRatchet moves the stop of every open leg forward. It only ever
// tightens, so running it again is a no-op. Returns the legs it moved.
func (e *Executor) applyRatchet(ctx context.Context, t *Trade, point float64) []*Leg {
	closedIndex := highestClosedIndex(t)
	if closedIndex == 0 {
		return nil
	}
	offset := e.cfg.BreakevenOffsetPoints * point
	var moved []*Leg
	for _, leg := range t.openLegs() {
		target := ratchetStop(t, leg, closedIndex, offset)
		if !tightens(t.Direction, target, leg.StopLoss) {
			continue
		}
		ok, err := e.broker.ModifyOrder(ctx, leg.OrderID, &target, nil)
		if err != nil || !ok {
			logger.Warnf("[executor] ratchet leg %d of %s to %v failed (ok=%v err=%v), retry next tick", leg.Index, t.ID, target, ok, err)
			continue
		}
		logger.Infof("[executor] %s leg %d stop %v -> %v (after leg %d closed)", t.Symbol, leg.Index, leg.StopLoss, target, closedIndex)
		leg.StopLoss = target
		moved = append(moved, leg)
	}
	return moved
}
