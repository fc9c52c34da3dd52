// Package risk computes risk-bounded position sizes and enforces the
// account-level trading gates.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"

	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/logger"
	"signalbridge/internal/pkg/trading"
	"signalbridge/internal/types"
)

// SizingMode 仓位计算模式。
type SizingMode string

const (
	SizingRisk  SizingMode = "risk"
	SizingFixed SizingMode = "fixed"
)

// metal 品种：1 pip = 0.01，每标准手每 pip 价值 1。
const metalPipsPerPrice = 100

type SizerConfig struct {
	Mode             SizingMode
	FixedLotSize     float64
	RiskPerTradePct  float64
	MaxOpenTrades    int
	MaxSymbolRiskPct float64
}

// Account is what the sizer reads from the venue.
type Account interface {
	SymbolInfo(ctx context.Context, symbol string) (broker.SymbolInfo, error)
	OpenPositions(ctx context.Context, symbol string) ([]broker.Position, error)
	AccountBalance(ctx context.Context) (float64, error)
}

type Sizer struct {
	cfg     SizerConfig
	account Account
}

func NewSizer(cfg SizerConfig, account Account) *Sizer {
	if cfg.Mode == "" {
		cfg.Mode = SizingRisk
	}
	return &Sizer{cfg: cfg, account: account}
}

func (s *Sizer) Mode() SizingMode { return s.cfg.Mode }

// CalculatePositionSize returns the total lot size for a signal. riskAmount
// overrides balance × risk_per_trade_pct when non-nil. Every refusal is a
// *types.PipelineError of kind sizing (or connection when the venue is down).
func (s *Sizer) CalculatePositionSize(ctx context.Context, symbol string, entry, stopLoss float64, riskAmount *float64) (float64, error) {
	if s.cfg.Mode == SizingFixed {
		return s.cfg.FixedLotSize, nil
	}

	info, err := s.account.SymbolInfo(ctx, symbol)
	if err != nil {
		return 0, s.venueFailure("symbol info unavailable for "+symbol, err)
	}
	balance, err := s.account.AccountBalance(ctx)
	if err != nil {
		return 0, s.venueFailure("account balance unavailable", err)
	}

	risk := balance * s.cfg.RiskPerTradePct / 100
	if riskAmount != nil {
		risk = *riskAmount
	}
	fail := func(format string, args ...any) error {
		reason := fmt.Sprintf(format, args...)
		logger.Warnf("[risk] sizing rejected symbol=%s entry=%v sl=%v risk=%.2f: %s", symbol, entry, stopLoss, risk, reason)
		return types.SizingFailure(reason)
	}

	dist := math.Abs(entry - stopLoss)
	if dist <= 0 || entry <= 0 || stopLoss <= 0 {
		return 0, fail("invalid stop distance")
	}
	if risk <= 0 {
		return 0, fail("risk amount must be positive")
	}

	var lots float64
	if types.IsMetal(symbol) {
		lots = risk / (dist * metalPipsPerPrice)
	} else {
		if info.TickValue <= 0 || info.Point <= 0 {
			return 0, fail("symbol %s has no tick value/point", symbol)
		}
		lots = (risk / dist) / (info.TickValue * info.Point)
	}

	// 先校验边界再取整：只有取整后才落入范围的值同样拒绝
	if lots < info.MinVolume {
		return 0, fail("position size %.4f below minimum %.2f", lots, info.MinVolume)
	}
	if info.MaxVolume > 0 && lots > info.MaxVolume {
		return 0, fail("position size %.4f above maximum %.2f", lots, info.MaxVolume)
	}
	size := trading.RoundToStep(lots, info.VolumeStep)
	if size <= 0 {
		return 0, fail("position size %.4f rounds to zero (step %v)", lots, info.VolumeStep)
	}

	positions, err := s.account.OpenPositions(ctx, "")
	if err != nil {
		return 0, s.venueFailure("open positions unavailable", err)
	}
	if s.cfg.MaxOpenTrades > 0 && len(positions) >= s.cfg.MaxOpenTrades {
		return 0, fail("max open trades reached: %d/%d", len(positions), s.cfg.MaxOpenTrades)
	}
	if s.cfg.MaxSymbolRiskPct > 0 {
		exposure := SymbolExposurePct(positions, symbol, balance)
		if exposure >= s.cfg.MaxSymbolRiskPct {
			return 0, fail("max symbol risk reached for %s: %.2f%% >= %.2f%%", symbol, exposure, s.cfg.MaxSymbolRiskPct)
		}
	}

	logger.Infof("[risk] sized %s: balance=%.2f risk=%.2f dist=%v raw=%.4f lots=%v", symbol, balance, risk, dist, lots, size)
	return size, nil
}

// SymbolExposurePct sums |open − stop| × volume over the symbol's open
// positions as a percentage of balance. Positions without a stop count as zero.
func SymbolExposurePct(positions []broker.Position, symbol string, balance float64) float64 {
	if balance <= 0 {
		return 0
	}
	total := 0.0
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		stop := p.StopLoss
		if stop == 0 {
			stop = p.OpenPrice
		}
		total += math.Abs(p.OpenPrice-stop) * p.Volume
	}
	return total / balance * 100
}

func (s *Sizer) venueFailure(reason string, err error) error {
	logger.Errorf("[risk] %s: %v", reason, err)
	if errors.Is(err, broker.ErrNotConnected) {
		return types.ConnectionFailure(reason, err)
	}
	return types.NewFailure(types.KindSizing, reason, err)
}
