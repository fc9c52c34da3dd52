package store

import (
	"time"

	"signalbridge/internal/types"
)

// SignalRecord is the durable form of a parsed signal.
type SignalRecord struct {
	ID               string             `json:"id"`
	MessageID        int64              `json:"message_id"`
	ChatID           int64              `json:"chat_id"`
	Channel          string             `json:"channel_name"`
	Type             types.SignalType   `json:"signal_type"`
	Symbol           string             `json:"symbol"`
	Direction        types.Direction    `json:"direction"`
	EntryPrice       float64            `json:"entry_price"`
	StopLoss         float64            `json:"stop_loss"`
	StopLossPips     *int               `json:"stop_loss_pips,omitempty"`
	TakeProfits      []types.TakeProfit `json:"take_profits"`
	RiskReward       *float64           `json:"risk_reward,omitempty"`
	Confidence       float64            `json:"confidence_score"`
	Notes            string             `json:"additional_notes,omitempty"`
	RawMessage       string             `json:"raw_message"`
	Status           types.SignalStatus `json:"status"`
	OriginalSignalID string             `json:"original_signal_id,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	RetryCount       int                `json:"retry_count"`
	SignalTime       time.Time          `json:"signal_time"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ProcessedAt      *time.Time         `json:"processed_at,omitempty"`
}

// NewSignalRecord 由候选信号构造待持久化记录。
func NewSignalRecord(sig *types.CandidateSignal, status types.SignalStatus) *SignalRecord {
	if sig == nil {
		return nil
	}
	tps := make([]types.TakeProfit, len(sig.TakeProfits))
	copy(tps, sig.TakeProfits)
	return &SignalRecord{
		MessageID:    sig.MessageID,
		ChatID:       sig.ChatID,
		Channel:      sig.Channel,
		Type:         sig.Type,
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		EntryPrice:   sig.EntryPrice,
		StopLoss:     sig.StopLoss,
		StopLossPips: sig.StopLossPips,
		TakeProfits:  tps,
		RiskReward:   types.RiskReward(sig.Direction, sig.EntryPrice, sig.StopLoss, tps),
		Confidence:   sig.Confidence,
		Notes:        sig.Notes,
		RawMessage:   sig.RawMessage,
		Status:       status,
		SignalTime:   sig.Timestamp,
	}
}

// Candidate rebuilds the in-memory signal for validation and execution.
func (r *SignalRecord) Candidate() *types.CandidateSignal {
	if r == nil {
		return nil
	}
	tps := make([]types.TakeProfit, len(r.TakeProfits))
	copy(tps, r.TakeProfits)
	ts := r.SignalTime
	if ts.IsZero() {
		ts = r.CreatedAt
	}
	return &types.CandidateSignal{
		MessageID:    r.MessageID,
		ChatID:       r.ChatID,
		Channel:      r.Channel,
		Type:         r.Type,
		Symbol:       r.Symbol,
		Direction:    r.Direction,
		EntryPrice:   r.EntryPrice,
		StopLoss:     r.StopLoss,
		StopLossPips: r.StopLossPips,
		TakeProfits:  tps,
		Notes:        r.Notes,
		Confidence:   r.Confidence,
		RawMessage:   r.RawMessage,
		Timestamp:    ts,
	}
}

// TradeRecord 已执行的多腿交易。
type TradeRecord struct {
	ID          string      `json:"id"`
	SignalID    string      `json:"signal_id"`
	Symbol      string      `json:"symbol"`
	Direction   string      `json:"direction"`
	State       string      `json:"state"`
	EntryPrice  float64     `json:"entry_price"`
	StopLoss    float64     `json:"stop_loss"`
	TotalVolume float64     `json:"total_volume"`
	Profit      float64     `json:"profit"`
	OpenedAt    time.Time   `json:"opened_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	Legs        []LegRecord `json:"legs"`
}

type LegRecord struct {
	TradeID    string     `json:"trade_id"`
	Index      int        `json:"index"`
	OrderID    string     `json:"order_id"`
	EntryPrice float64    `json:"entry_price"`
	FillPrice  float64    `json:"fill_price"`
	TakeProfit float64    `json:"take_profit"`
	StopLoss   float64    `json:"stop_loss"`
	Volume     float64    `json:"volume"`
	Filled     bool       `json:"filled"`
	Closed     bool       `json:"closed"`
	ClosePrice float64    `json:"close_price"`
	Profit     float64    `json:"profit"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// DailyStats 单日绩效统计（UTC 日期）。
type DailyStats struct {
	Date         time.Time `json:"date"`
	TotalTrades  int       `json:"total_trades"`
	Wins         int       `json:"winning_trades"`
	Losses       int       `json:"losing_trades"`
	GrossProfit  float64   `json:"gross_profit"`
	GrossLoss    float64   `json:"gross_loss"`
	NetProfit    float64   `json:"net_profit"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	PeakProfit   float64   `json:"peak_profit"`
	UpdatedAt    time.Time `json:"updated_at"`
}
