package model

import (
	"gorm.io/datatypes"
)

// SignalModel maps to 'signals'. Prices the pipeline filters on are columns;
// everything else lives in Metadata.
type SignalModel struct {
	ID               string         `gorm:"column:id;primaryKey"`
	MessageID        int64          `gorm:"column:message_id;uniqueIndex:idx_signal_natural_key,priority:1,where:message_id <> 0"`
	ChatID           int64          `gorm:"column:chat_id;uniqueIndex:idx_signal_natural_key,priority:2"`
	Channel          string         `gorm:"column:channel_name;index:idx_signal_recent,priority:4"`
	SignalType       string         `gorm:"column:signal_type"`
	Symbol           string         `gorm:"column:symbol;index:idx_signal_recent,priority:1"`
	Direction        string         `gorm:"column:direction;index:idx_signal_recent,priority:2"`
	EntryPrice       float64        `gorm:"column:entry_price"`
	StopLoss         float64        `gorm:"column:stop_loss"`
	RiskReward       *float64       `gorm:"column:risk_reward"`
	Confidence       float64        `gorm:"column:confidence_score"`
	Status           string         `gorm:"column:status;index"`
	OriginalSignalID string         `gorm:"column:original_signal_id"`
	ErrorMessage     string         `gorm:"column:error_message"`
	RetryCount       int            `gorm:"column:retry_count"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:TEXT"`
	SignalTimeUnix   int64          `gorm:"column:signal_time"`
	CreatedAtUnix    int64          `gorm:"column:created_at;index:idx_signal_recent,priority:3"`
	UpdatedAtUnix    int64          `gorm:"column:updated_at"`
	ProcessedAtUnix  int64          `gorm:"column:processed_at"`
}

func (SignalModel) TableName() string { return "signals" }

// TradeModel maps to 'trades'; legs live in 'trade_legs'.
type TradeModel struct {
	ID            string  `gorm:"column:id;primaryKey"`
	SignalID      string  `gorm:"column:signal_id;index"`
	Symbol        string  `gorm:"column:symbol;index"`
	Direction     string  `gorm:"column:direction"`
	State         string  `gorm:"column:state;index"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	StopLoss      float64 `gorm:"column:stop_loss"`
	TotalVolume   float64 `gorm:"column:total_volume"`
	Profit        float64 `gorm:"column:profit"`
	OpenedAtUnix  int64   `gorm:"column:opened_at;index"`
	ClosedAtUnix  int64   `gorm:"column:closed_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (TradeModel) TableName() string { return "trades" }

type LegModel struct {
	ID           int64   `gorm:"column:id;primaryKey"`
	TradeID      string  `gorm:"column:trade_id;uniqueIndex:idx_trade_leg,priority:1"`
	LegIndex     int     `gorm:"column:leg_index;uniqueIndex:idx_trade_leg,priority:2"`
	OrderID      string  `gorm:"column:order_id;index"`
	EntryPrice   float64 `gorm:"column:entry_price"`
	FillPrice    float64 `gorm:"column:fill_price"`
	TakeProfit   float64 `gorm:"column:take_profit"`
	StopLoss     float64 `gorm:"column:stop_loss"`
	Volume       float64 `gorm:"column:volume"`
	Filled       bool    `gorm:"column:filled"`
	Closed       bool    `gorm:"column:closed"`
	ClosePrice   float64 `gorm:"column:close_price"`
	Profit       float64 `gorm:"column:profit"`
	ClosedAtUnix int64   `gorm:"column:closed_at"`
	Error        string  `gorm:"column:error"`
}

func (LegModel) TableName() string { return "trade_legs" }

// DailyStatsModel maps to 'daily_stats', one row per UTC day.
type DailyStatsModel struct {
	Day           string  `gorm:"column:day;primaryKey"`
	TotalTrades   int     `gorm:"column:total_trades"`
	Wins          int     `gorm:"column:winning_trades"`
	Losses        int     `gorm:"column:losing_trades"`
	GrossProfit   float64 `gorm:"column:gross_profit"`
	GrossLoss     float64 `gorm:"column:gross_loss"`
	NetProfit     float64 `gorm:"column:net_profit"`
	WinRate       float64 `gorm:"column:win_rate"`
	ProfitFactor  float64 `gorm:"column:profit_factor"`
	MaxDrawdown   float64 `gorm:"column:max_drawdown"`
	PeakProfit    float64 `gorm:"column:peak_profit"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (DailyStatsModel) TableName() string { return "daily_stats" }
