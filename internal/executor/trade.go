package executor

import (
	"errors"
	"fmt"
	"time"

	"signalbridge/internal/types"
)

// TradeState 多腿交易的生命周期状态。
type TradeState string

const (
	StatePlanned         TradeState = "PLANNED"
	StateLegsSubmitting  TradeState = "LEGS_SUBMITTING"
	StateActive          TradeState = "ACTIVE"
	StatePartiallyClosed TradeState = "PARTIALLY_CLOSED"
	StateClosed          TradeState = "CLOSED"
	StateFailed          TradeState = "FAILED"
)

var ErrIllegalTradeTransition = errors.New("illegal trade state transition")

// ErrTradeNotActive 交易不在活跃表里（已关闭或从未开出）。
var ErrTradeNotActive = errors.New("trade not active")

var tradeTransitions = map[TradeState][]TradeState{
	StatePlanned:         {StateLegsSubmitting, StateFailed},
	StateLegsSubmitting:  {StateActive, StateFailed},
	StateActive:          {StatePartiallyClosed, StateClosed},
	StatePartiallyClosed: {StatePartiallyClosed, StateClosed},
}

func (s TradeState) CanTransition(to TradeState) bool {
	for _, next := range tradeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TradeState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Leg is one sub-position, one per take-profit level.
type Leg struct {
	Index      int        `json:"index"`
	OrderID    string     `json:"order_id,omitempty"`
	Entry      float64    `json:"entry"`
	FillPrice  float64    `json:"fill_price,omitempty"`
	TakeProfit float64    `json:"take_profit"`
	StopLoss   float64    `json:"stop_loss"`
	Volume     float64    `json:"volume"`
	Filled     bool       `json:"filled"`
	Closed     bool       `json:"closed"`
	ClosePrice float64    `json:"close_price,omitempty"`
	Profit     float64    `json:"profit,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Open reports whether the leg currently holds a venue position.
func (l *Leg) Open() bool { return l.Filled && !l.Closed }

// Trade groups the legs opened for one signal.
type Trade struct {
	ID          string          `json:"id"`
	SignalID    string          `json:"signal_id"`
	Symbol      string          `json:"symbol"`
	Direction   types.Direction `json:"direction"`
	Entry       float64         `json:"entry"`
	StopLoss    float64         `json:"stop_loss"`
	TotalVolume float64         `json:"total_volume"`
	State       TradeState      `json:"state"`
	Legs        []*Leg          `json:"legs"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

func (t *Trade) transition(to TradeState) error {
	if !t.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (trade %s)", ErrIllegalTradeTransition, t.State, to, t.ID)
	}
	t.State = to
	return nil
}

func (t *Trade) filledLegs() []*Leg {
	var out []*Leg
	for _, l := range t.Legs {
		if l.Filled {
			out = append(out, l)
		}
	}
	return out
}

func (t *Trade) openLegs() []*Leg {
	var out []*Leg
	for _, l := range t.Legs {
		if l.Open() {
			out = append(out, l)
		}
	}
	return out
}

// FilledVolume sums the volume of legs the venue accepted.
func (t *Trade) FilledVolume() float64 {
	sum := 0.0
	for _, l := range t.filledLegs() {
		sum += l.Volume
	}
	return sum
}

// RealisedProfit sums the profit of closed legs.
func (t *Trade) RealisedProfit() float64 {
	sum := 0.0
	for _, l := range t.Legs {
		if l.Closed {
			sum += l.Profit
		}
	}
	return sum
}

// Snapshot returns a deep copy safe to hand outside the executor lock.
func (t *Trade) Snapshot() Trade {
	cp := *t
	cp.Legs = make([]*Leg, len(t.Legs))
	for i, l := range t.Legs {
		leg := *l
		if l.ClosedAt != nil {
			at := *l.ClosedAt
			leg.ClosedAt = &at
		}
		cp.Legs[i] = &leg
	}
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		cp.ClosedAt = &at
	}
	return cp
}
