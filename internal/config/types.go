package config

import (
	"strings"
	"time"
)

// Config 是 signalbridge 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Database DatabaseConfig `toml:"database"`
	Telegram TelegramConfig `toml:"telegram"`
	Broker   BrokerConfig   `toml:"broker"`
	Signal   SignalConfig   `toml:"signal"`
	Queue    QueueConfig    `toml:"queue"`
	Risk     RiskConfig     `toml:"risk"`
	Executor ExecutorConfig `toml:"executor"`
	Ingest   IngestConfig   `toml:"ingest"`
}

type AppConfig struct {
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`
	HTTPAddr   string `toml:"http_addr"`
	LogPath    string `toml:"log_path"`
	LogMaxSize int    `toml:"log_max_size_mb"`
	LogBackups int    `toml:"log_max_backups"`
	LogMaxAge  int    `toml:"log_max_age_days"`
}

type DatabaseConfig struct {
	Path        string `toml:"path"`
	JournalPath string `toml:"journal_path"`
}

// TelegramConfig 同时描述频道监听（入站）与通知（出站）。
type TelegramConfig struct {
	Enabled       bool     `toml:"enabled"`
	BotToken      string   `toml:"bot_token"`
	Channels      []string `toml:"channels"`
	NotifyEnabled bool     `toml:"notify_enabled"`
	NotifyChatID  string   `toml:"notify_chat_id"`
}

const (
	BrokerModePaper  = "paper"
	BrokerModeBridge = "bridge"
)

type BrokerConfig struct {
	Mode                       string        `toml:"mode"`
	APIURL                     string        `toml:"api_url"`
	Token                      string        `toml:"token"`
	TimeoutSeconds             int           `toml:"timeout_seconds"`
	HealthCheckIntervalSeconds int           `toml:"health_check_interval_seconds"`
	ReconnectDelaySeconds      int           `toml:"reconnect_delay_seconds"`
	MaxReconnectAttempts       int           `toml:"max_reconnect_attempts"`
	BreakerThreshold           int           `toml:"breaker_threshold"`
	BreakerTimeoutSeconds      int           `toml:"breaker_timeout_seconds"`
	PaperBalance               float64       `toml:"paper_balance"`
	PaperSymbols               []PaperSymbol `toml:"paper_symbols"`
}

// PaperSymbol 模拟盘的合约规格。
type PaperSymbol struct {
	Symbol     string  `toml:"symbol"`
	MinVolume  float64 `toml:"volume_min"`
	MaxVolume  float64 `toml:"volume_max"`
	VolumeStep float64 `toml:"volume_step"`
	Point      float64 `toml:"point"`
	TickValue  float64 `toml:"tick_value"`
	TickSize   float64 `toml:"tick_size"`
	Digits     int     `toml:"digits"`
}

func (b BrokerConfig) Timeout() time.Duration { return seconds(b.TimeoutSeconds) }

func (b BrokerConfig) HealthCheckInterval() time.Duration {
	return seconds(b.HealthCheckIntervalSeconds)
}

func (b BrokerConfig) ReconnectDelay() time.Duration { return seconds(b.ReconnectDelaySeconds) }

func (b BrokerConfig) BreakerTimeout() time.Duration { return seconds(b.BreakerTimeoutSeconds) }

type SignalConfig struct {
	MaxAgeSeconds          int      `toml:"max_age_seconds"`
	DuplicateWindowSeconds int      `toml:"duplicate_window_seconds"`
	CacheSize              int      `toml:"cache_size"`
	PriceTolerance         float64  `toml:"price_tolerance"`
	Symbols                []string `toml:"symbols"`
	SessionsPath           string   `toml:"sessions_path"`
}

func (s SignalConfig) MaxAge() time.Duration { return seconds(s.MaxAgeSeconds) }

func (s SignalConfig) DuplicateWindow() time.Duration { return seconds(s.DuplicateWindowSeconds) }

// SymbolsUpper 返回去重、大写后的品种列表。
func (s SignalConfig) SymbolsUpper() []string {
	seen := make(map[string]struct{}, len(s.Symbols))
	out := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		norm := strings.ToUpper(strings.TrimSpace(sym))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

type QueueConfig struct {
	MaxSize              int `toml:"max_size"`
	MaxRetries           int `toml:"max_retries"`
	ExpirySeconds        int `toml:"expiry_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

func (q QueueConfig) Expiry() time.Duration { return seconds(q.ExpirySeconds) }

func (q QueueConfig) SweepInterval() time.Duration { return seconds(q.SweepIntervalSeconds) }

const (
	SizingRisk  = "risk"
	SizingFixed = "fixed"
)

// RiskConfig 百分比字段一律为 (0,100] 的百分数。
type RiskConfig struct {
	PositionSizing     string  `toml:"position_sizing"`
	FixedLotSize       float64 `toml:"fixed_lot_size"`
	RiskPerTradePct    float64 `toml:"risk_per_trade_pct"`
	MaxOpenTrades      int     `toml:"max_open_trades"`
	MaxDailyLossPct    float64 `toml:"max_daily_loss_pct"`
	MaxDailyLossAmount float64 `toml:"max_daily_loss_amount"`
	MaxSymbolRiskPct   float64 `toml:"max_symbol_risk_pct"`
	MinAccountBalance  float64 `toml:"min_account_balance"`
	CooldownSeconds    int     `toml:"cooldown_seconds"`
	EnforceSessions    bool    `toml:"enforce_sessions"`
}

func (r RiskConfig) Cooldown() time.Duration { return seconds(r.CooldownSeconds) }

type ExecutorConfig struct {
	MonitorIntervalSeconds int     `toml:"monitor_interval_seconds"`
	BreakevenOffsetPoints  float64 `toml:"breakeven_offset_points"`
	Magic                  int     `toml:"magic"`
	Comment                string  `toml:"comment"`
}

func (e ExecutorConfig) MonitorInterval() time.Duration {
	return seconds(e.MonitorIntervalSeconds)
}

type IngestConfig struct {
	Buffer         int  `toml:"buffer"`
	WebhookEnabled bool `toml:"webhook_enabled"`
}

func seconds(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
