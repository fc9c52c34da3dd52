package config

import (
	"fmt"
	"net/url"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Telegram.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Queue.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogFormat)) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
}

func (d *DatabaseConfig) validate() error {
	if strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	return nil
}

func (t *TelegramConfig) validate() error {
	if t.Enabled {
		if t.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram.enabled")
		}
		if len(t.Channels) == 0 {
			return fmt.Errorf("telegram.channels requires at least one channel when telegram.enabled")
		}
	}
	if t.NotifyEnabled && (t.BotToken == "" || t.NotifyChatID == "") {
		return fmt.Errorf("telegram.notify_enabled requires bot_token and notify_chat_id")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch b.Mode {
	case BrokerModePaper:
		if b.PaperBalance <= 0 {
			return fmt.Errorf("broker.paper_balance must be > 0")
		}
		for i, sym := range b.PaperSymbols {
			if sym.Symbol == "" {
				return fmt.Errorf("broker.paper_symbols[%d] missing symbol", i)
			}
			if sym.MinVolume > sym.MaxVolume {
				return fmt.Errorf("broker.paper_symbols.%s volume_min > volume_max", sym.Symbol)
			}
		}
	case BrokerModeBridge:
		raw := strings.TrimSpace(b.APIURL)
		if raw == "" {
			return fmt.Errorf("broker.api_url is required in bridge mode")
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("broker.api_url is not a valid URL: %q", raw)
		}
	default:
		return fmt.Errorf("broker.mode must be paper or bridge, got %q", b.Mode)
	}
	if b.MaxReconnectAttempts < 0 {
		return fmt.Errorf("broker.max_reconnect_attempts must be >= 0")
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if s.PriceTolerance >= 1 {
		return fmt.Errorf("signal.price_tolerance must be < 1 (fraction of price)")
	}
	if s.CacheSize <= 0 {
		return fmt.Errorf("signal.cache_size must be > 0")
	}
	return nil
}

func (q *QueueConfig) validate() error {
	if q.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be > 0")
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	switch r.PositionSizing {
	case SizingRisk, SizingFixed:
	default:
		return fmt.Errorf("risk.position_sizing must be risk or fixed, got %q", r.PositionSizing)
	}
	if r.PositionSizing == SizingFixed && r.FixedLotSize <= 0 {
		return fmt.Errorf("risk.fixed_lot_size must be > 0 in fixed mode")
	}
	pcts := []struct {
		name  string
		value float64
	}{
		{"risk.risk_per_trade_pct", r.RiskPerTradePct},
		{"risk.max_daily_loss_pct", r.MaxDailyLossPct},
		{"risk.max_symbol_risk_pct", r.MaxSymbolRiskPct},
	}
	for _, p := range pcts {
		if err := checkPercent(p.name, p.value); err != nil {
			return err
		}
	}
	if r.MaxOpenTrades <= 0 {
		return fmt.Errorf("risk.max_open_trades must be > 0")
	}
	if r.MaxDailyLossAmount < 0 || r.MinAccountBalance < 0 {
		return fmt.Errorf("risk.max_daily_loss_amount and risk.min_account_balance must be >= 0")
	}
	return nil
}

func (e *ExecutorConfig) validate() error {
	if e.BreakevenOffsetPoints < 0 {
		return fmt.Errorf("executor.breakeven_offset_points must be >= 0")
	}
	return nil
}

func checkPercent(name string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("%s must be in (0,100], got %v", name, v)
	}
	return nil
}
