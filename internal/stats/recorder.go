// Package stats keeps per-day trading performance and feeds realised results
// back into the risk manager.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/logger"
	"signalbridge/internal/store"

	"github.com/shopspring/decimal"
)

// ResultSink receives every realised trade result (risk.Manager).
type ResultSink interface {
	RecordTradeResult(symbol string, pnl float64)
}

// TradeOutcome is the realised result of one retired trade.
type TradeOutcome struct {
	TradeID  string
	Symbol   string
	Profit   float64
	ClosedAt time.Time
}

// Recorder aggregates outcomes into store.DailyStats rows.
type Recorder struct {
	mu    sync.Mutex
	store store.StatsStore
	sinks []ResultSink
	nowFn func() time.Time
}

var _ executor.TradeListener = (*Recorder)(nil)

func NewRecorder(st store.StatsStore, sinks ...ResultSink) *Recorder {
	return &Recorder{store: st, sinks: sinks, nowFn: time.Now}
}

// RecordTrade folds one outcome into its UTC day.
func (r *Recorder) RecordTrade(ctx context.Context, out TradeOutcome) (*store.DailyStats, error) {
	if out.ClosedAt.IsZero() {
		out.ClosedAt = r.nowFn()
	}
	for _, s := range r.sinks {
		s.RecordTradeResult(out.Symbol, out.Profit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	day := truncateDay(out.ClosedAt)
	cur, err := r.store.GetDailyStats(ctx, day)
	if errors.Is(err, store.ErrNotFound) {
		cur = &store.DailyStats{Date: day}
	} else if err != nil {
		return nil, fmt.Errorf("load daily stats %s: %w", day.Format("2006-01-02"), err)
	}
	next := apply(*cur, out.Profit)
	next.UpdatedAt = r.nowFn().UTC()
	if err := r.store.SaveDailyStats(ctx, &next); err != nil {
		return nil, fmt.Errorf("save daily stats: %w", err)
	}
	logger.Infof("[stats] %s %s profit=%.2f day net=%.2f trades=%d win_rate=%.1f%%",
		out.TradeID, out.Symbol, out.Profit, next.NetProfit, next.TotalTrades, next.WinRate)
	return &next, nil
}

// apply adds one trade result; money sums go through decimal.
func apply(st store.DailyStats, profit float64) store.DailyStats {
	p := decimal.NewFromFloat(profit)
	gp := decimal.NewFromFloat(st.GrossProfit)
	gl := decimal.NewFromFloat(st.GrossLoss)
	st.TotalTrades++
	switch {
	case p.IsPositive():
		st.Wins++
		gp = gp.Add(p)
	case p.IsNegative():
		st.Losses++
		gl = gl.Add(p.Abs())
	}
	net := gp.Sub(gl)
	peak := decimal.Max(decimal.NewFromFloat(st.PeakProfit), net)
	dd := decimal.Max(decimal.NewFromFloat(st.MaxDrawdown), peak.Sub(net))

	st.GrossProfit = round2(gp)
	st.GrossLoss = round2(gl)
	st.NetProfit = round2(net)
	st.PeakProfit = round2(peak)
	st.MaxDrawdown = round2(dd)
	st.WinRate = round2(decimal.NewFromInt(int64(st.Wins)).Div(decimal.NewFromInt(int64(st.TotalTrades))).Mul(decimal.NewFromInt(100)))
	st.ProfitFactor = 0
	if gl.IsPositive() {
		st.ProfitFactor = round2(gp.Div(gl))
	}
	return st
}

// LegClosed is a no-op: stats count whole trades.
func (r *Recorder) LegClosed(ctx context.Context, t executor.Trade, l executor.Leg) {}

func (r *Recorder) TradeClosed(ctx context.Context, t executor.Trade) {
	at := r.nowFn()
	if t.ClosedAt != nil {
		at = *t.ClosedAt
	}
	if _, err := r.RecordTrade(ctx, TradeOutcome{TradeID: t.ID, Symbol: t.Symbol, Profit: t.RealisedProfit(), ClosedAt: at}); err != nil {
		logger.Errorf("[stats] record trade %s failed: %v", t.ID, err)
	}
}

// Range returns stored days in [from, to].
func (r *Recorder) Range(ctx context.Context, from, to time.Time) ([]store.DailyStats, error) {
	if to.Before(from) {
		from, to = to, from
	}
	return r.store.ListDailyStats(ctx, truncateDay(from), truncateDay(to))
}

// Summary 多日汇总，回撤按日净值累计计算。
type Summary struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Days         int       `json:"days"`
	TotalTrades  int       `json:"total_trades"`
	Wins         int       `json:"winning_trades"`
	Losses       int       `json:"losing_trades"`
	NetProfit    float64   `json:"net_profit"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown"`
}

func Summarize(from, to time.Time, days []store.DailyStats) Summary {
	sum := Summary{From: truncateDay(from), To: truncateDay(to), Days: len(days)}
	gp, gl := decimal.Zero, decimal.Zero
	balance, peak, maxDD := decimal.Zero, decimal.Zero, decimal.Zero
	for _, d := range days {
		sum.TotalTrades += d.TotalTrades
		sum.Wins += d.Wins
		sum.Losses += d.Losses
		gp = gp.Add(decimal.NewFromFloat(d.GrossProfit))
		gl = gl.Add(decimal.NewFromFloat(d.GrossLoss))
		balance = balance.Add(decimal.NewFromFloat(d.NetProfit))
		peak = decimal.Max(peak, balance)
		maxDD = decimal.Max(maxDD, peak.Sub(balance))
	}
	sum.NetProfit = round2(gp.Sub(gl))
	sum.MaxDrawdown = round2(maxDD)
	if sum.TotalTrades > 0 {
		sum.WinRate = round2(decimal.NewFromInt(int64(sum.Wins)).Div(decimal.NewFromInt(int64(sum.TotalTrades))).Mul(decimal.NewFromInt(100)))
	}
	if gl.IsPositive() {
		sum.ProfitFactor = round2(gp.Div(gl))
	}
	return sum
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
