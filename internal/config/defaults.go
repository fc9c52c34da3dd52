package config

import (
	"strings"
)

// 默认值常量
const (
	defaultAppEnv         = "dev"
	defaultAppLogLevel    = "info"
	defaultAppLogFormat   = "text"
	defaultAppHTTPAddr    = ":9991"
	defaultAppLogPath     = "data/logs/signalbridge.log"
	defaultLogMaxSizeMB   = 50
	defaultLogMaxBackups  = 5
	defaultLogMaxAgeDays  = 14
	defaultDatabasePath   = "data/db/signals.db"
	defaultJournalPath    = "data/db/journal.db"
	defaultBrokerMode     = BrokerModePaper
	defaultBrokerTimeout  = 10
	defaultHealthInterval = 30
	defaultReconnectDelay = 5
	defaultMaxReconnects  = 10
	defaultBreakerTrip    = 5
	defaultBreakerTimeout = 30
	defaultPaperBalance   = 10000
	defaultMaxAgeSeconds  = 300
	defaultDupWindow      = 300
	defaultCacheSize      = 100
	defaultPriceTolerance = 0.001
	defaultSessionsPath   = "configs/trading_sessions.yaml"
	defaultQueueMaxSize   = 1000
	defaultQueueRetries   = 3
	defaultQueueExpiry    = 1800
	defaultQueueSweep     = 60
	defaultSizingMode     = SizingRisk
	defaultFixedLot       = 0.01
	defaultRiskPerTrade   = 1.0
	defaultMaxOpenTrades  = 5
	defaultMaxDailyLoss   = 5.0
	defaultMaxSymbolRisk  = 2.0
	defaultCooldown       = 300
	defaultMonitorSeconds = 20
	defaultBreakevenPts   = 1.0
	defaultMagic          = 234000
	defaultOrderComment   = "signalbridge"
	defaultIngestBuffer   = 256
)

var defaultSymbols = []string{
	"XAUUSD", "XAGUSD", "EURUSD", "GBPUSD", "USDJPY", "USDCHF",
	"AUDUSD", "USDCAD", "NZDUSD", "EURJPY", "GBPJPY", "EURGBP",
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Queue.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
	c.Ingest.applyDefaults(keys)
	c.Telegram.normalize()
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSize, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogBackups, defaultLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAge, defaultLogMaxAgeDays),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.path", &d.Path, defaultDatabasePath),
		stringFieldDefault("database.journal_path", &d.JournalPath, defaultJournalPath),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	b.Mode = strings.ToLower(strings.TrimSpace(b.Mode))
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
		intFieldDefault("broker.timeout_seconds", &b.TimeoutSeconds, defaultBrokerTimeout),
		intFieldDefault("broker.health_check_interval_seconds", &b.HealthCheckIntervalSeconds, defaultHealthInterval),
		intFieldDefault("broker.reconnect_delay_seconds", &b.ReconnectDelaySeconds, defaultReconnectDelay),
		intFieldDefault("broker.max_reconnect_attempts", &b.MaxReconnectAttempts, defaultMaxReconnects),
		intFieldDefault("broker.breaker_threshold", &b.BreakerThreshold, defaultBreakerTrip),
		intFieldDefault("broker.breaker_timeout_seconds", &b.BreakerTimeoutSeconds, defaultBreakerTimeout),
		floatFieldDefault("broker.paper_balance", &b.PaperBalance, defaultPaperBalance),
	)
	for i := range b.PaperSymbols {
		b.PaperSymbols[i].normalize()
	}
}

func (p *PaperSymbol) normalize() {
	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.MinVolume <= 0 {
		p.MinVolume = 0.01
	}
	if p.MaxVolume <= 0 {
		p.MaxVolume = 100
	}
	if p.VolumeStep <= 0 {
		p.VolumeStep = 0.01
	}
	if p.Point <= 0 {
		p.Point = 0.00001
	}
	if p.TickSize <= 0 {
		p.TickSize = p.Point
	}
	if p.TickValue <= 0 {
		p.TickValue = 1
	}
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("signal.max_age_seconds", &s.MaxAgeSeconds, defaultMaxAgeSeconds),
		intFieldDefault("signal.duplicate_window_seconds", &s.DuplicateWindowSeconds, defaultDupWindow),
		intFieldDefault("signal.cache_size", &s.CacheSize, defaultCacheSize),
		floatFieldDefault("signal.price_tolerance", &s.PriceTolerance, defaultPriceTolerance),
		stringFieldDefault("signal.sessions_path", &s.SessionsPath, defaultSessionsPath),
		fieldDefault{
			key:   "signal.symbols",
			need:  func() bool { return len(s.Symbols) == 0 },
			apply: func() { s.Symbols = append([]string(nil), defaultSymbols...) },
		},
	)
}

func (q *QueueConfig) applyDefaults(keys keySet) {
	if q == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("queue.max_size", &q.MaxSize, defaultQueueMaxSize),
		intFieldDefault("queue.expiry_seconds", &q.ExpirySeconds, defaultQueueExpiry),
		intFieldDefault("queue.sweep_interval_seconds", &q.SweepIntervalSeconds, defaultQueueSweep),
		// max_retries 显式写 0 表示不重试。
		fieldDefault{
			key:   "queue.max_retries",
			need:  func() bool { return q.MaxRetries == 0 },
			apply: func() { q.MaxRetries = defaultQueueRetries },
		},
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	r.PositionSizing = strings.ToLower(strings.TrimSpace(r.PositionSizing))
	applyFieldDefaults(keys,
		stringFieldDefault("risk.position_sizing", &r.PositionSizing, defaultSizingMode),
		floatFieldDefault("risk.fixed_lot_size", &r.FixedLotSize, defaultFixedLot),
		floatFieldDefault("risk.risk_per_trade_pct", &r.RiskPerTradePct, defaultRiskPerTrade),
		intFieldDefault("risk.max_open_trades", &r.MaxOpenTrades, defaultMaxOpenTrades),
		floatFieldDefault("risk.max_daily_loss_pct", &r.MaxDailyLossPct, defaultMaxDailyLoss),
		floatFieldDefault("risk.max_symbol_risk_pct", &r.MaxSymbolRiskPct, defaultMaxSymbolRisk),
		intFieldDefault("risk.cooldown_seconds", &r.CooldownSeconds, defaultCooldown),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("executor.monitor_interval_seconds", &e.MonitorIntervalSeconds, defaultMonitorSeconds),
		floatFieldDefault("executor.breakeven_offset_points", &e.BreakevenOffsetPoints, defaultBreakevenPts),
		intFieldDefault("executor.magic", &e.Magic, defaultMagic),
		stringFieldDefault("executor.comment", &e.Comment, defaultOrderComment),
	)
}

func (i *IngestConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("ingest.buffer", &i.Buffer, defaultIngestBuffer),
		boolFieldDefault("ingest.webhook_enabled", &i.WebhookEnabled, true),
	)
}

func (t *TelegramConfig) normalize() {
	t.BotToken = strings.TrimSpace(t.BotToken)
	t.NotifyChatID = strings.TrimSpace(t.NotifyChatID)
	channels := make([]string, 0, len(t.Channels))
	for _, ch := range t.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	t.Channels = channels
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
