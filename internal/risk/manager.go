package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/types"
)

// ManagerConfig 账户级风控参数，0 表示不启用对应闸门。
type ManagerConfig struct {
	MinAccountBalance  float64
	MaxDailyLossPct    float64
	MaxDailyLossAmount float64
	Cooldown           time.Duration
}

type BalanceSource interface {
	AccountBalance(ctx context.Context) (float64, error)
}

// DailySnapshot is the manager's view of the current UTC trading day.
type DailySnapshot struct {
	Day          string    `json:"day"`
	StartBalance float64   `json:"start_balance"`
	PnL          float64   `json:"pnl"`
	Trades       int       `json:"trades"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	ResetAt      time.Time `json:"reset_at"`
}

// Manager enforces account-level gates before a trade is sized: minimum
// balance, daily loss limits and a per-symbol cooldown after a losing trade.
// The daily counters reset at UTC midnight.
type Manager struct {
	cfg      ManagerConfig
	balances BalanceSource
	nowFn    func() time.Time

	mu       sync.Mutex
	day      DailySnapshot
	lastLoss map[string]time.Time
}

func NewManager(cfg ManagerConfig, balances BalanceSource) *Manager {
	return &Manager{
		cfg:      cfg,
		balances: balances,
		nowFn:    time.Now,
		lastLoss: make(map[string]time.Time),
	}
}

// CanTrade returns nil when a new trade on symbol is allowed.
func (m *Manager) CanTrade(ctx context.Context, symbol string) error {
	balance, err := m.balances.AccountBalance(ctx)
	if err != nil {
		return types.ConnectionFailure("account balance unavailable", err)
	}
	now := m.nowFn().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(now, balance)

	if m.cfg.MinAccountBalance > 0 && balance < m.cfg.MinAccountBalance {
		return m.deny(symbol, "account balance %.2f below minimum %.2f", balance, m.cfg.MinAccountBalance)
	}
	loss := -m.day.PnL
	if loss > 0 && m.cfg.MaxDailyLossPct > 0 {
		limit := m.day.StartBalance * m.cfg.MaxDailyLossPct / 100
		if loss >= limit {
			return m.deny(symbol, "daily loss limit reached: %.2f >= %.2f (%.2f%%)", loss, limit, m.cfg.MaxDailyLossPct)
		}
	}
	if loss > 0 && m.cfg.MaxDailyLossAmount > 0 && loss >= m.cfg.MaxDailyLossAmount {
		return m.deny(symbol, "daily loss limit reached: %.2f >= %.2f", loss, m.cfg.MaxDailyLossAmount)
	}
	if m.cfg.Cooldown > 0 {
		if at, ok := m.lastLoss[symbol]; ok {
			if remaining := m.cfg.Cooldown - now.Sub(at); remaining > 0 {
				return m.deny(symbol, "cooldown after loss on %s: %s remaining", symbol, remaining.Round(time.Second))
			}
		}
	}
	return nil
}

// RecordTradeResult adds a closed trade's realised P&L to the day.
func (m *Manager) RecordTradeResult(symbol string, pnl float64) {
	now := m.nowFn().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(now, 0)
	m.day.PnL += pnl
	m.day.Trades++
	if m.day.PnL < m.day.MaxDrawdown {
		m.day.MaxDrawdown = m.day.PnL
	}
	if pnl < 0 {
		m.lastLoss[symbol] = now
	}
	logger.Debugf("[risk] trade result %s pnl=%.2f day_pnl=%.2f trades=%d", symbol, pnl, m.day.PnL, m.day.Trades)
}

func (m *Manager) Snapshot() DailySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.day
}

func (m *Manager) rollDayLocked(now time.Time, balance float64) {
	day := now.Format(time.DateOnly)
	if m.day.Day == day {
		if m.day.StartBalance == 0 {
			m.day.StartBalance = balance
		}
		return
	}
	if m.day.Day != "" {
		logger.Infof("[risk] daily reset %s -> %s (pnl=%.2f trades=%d)", m.day.Day, day, m.day.PnL, m.day.Trades)
	}
	m.day = DailySnapshot{Day: day, StartBalance: balance, ResetAt: now}
}

func (m *Manager) deny(symbol, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	logger.Warnf("[risk] trade on %s blocked: %s", symbol, reason)
	return types.SizingFailure(reason)
}
