package types

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Direction 表示交易方向。
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// ParseDirection 将 buy/long/b、sell/short/s 归一化为 Direction。
func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "b":
		return DirectionBuy, true
	case "sell", "short", "s":
		return DirectionSell, true
	default:
		return "", false
	}
}

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

type SignalType string

const (
	SignalTypeMarket SignalType = "market"
	SignalTypeLimit  SignalType = "limit"
	SignalTypeStop   SignalType = "stop"
)

// Priority 队列优先级，数值越小越先出队。
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority accepts high/normal/low in any case; anything else maps to NORMAL.
func ParsePriority(raw string) Priority {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TakeProfit 单个止盈目标。
type TakeProfit struct {
	Level int     `json:"level"`
	Price float64 `json:"price"`
	Pips  *int    `json:"pips,omitempty"`
}

// CandidateSignal 解析器产出的候选信号，尚未持久化。
type CandidateSignal struct {
	MessageID    int64        `json:"message_id"`
	ChatID       int64        `json:"chat_id"`
	Channel      string       `json:"channel_name"`
	Type         SignalType   `json:"signal_type"`
	Symbol       string       `json:"symbol"`
	Direction    Direction    `json:"direction"`
	EntryPrice   float64      `json:"entry_price"`
	StopLoss     float64      `json:"stop_loss"`
	StopLossPips *int         `json:"stop_loss_pips,omitempty"`
	TakeProfits  []TakeProfit `json:"take_profits"`
	Notes        string       `json:"additional_notes,omitempty"`
	Confidence   float64      `json:"confidence_score"`
	RawMessage   string       `json:"raw_message"`
	Timestamp    time.Time    `json:"timestamp"`
}

// TakeProfitPrices returns the TP prices in level order.
func (s *CandidateSignal) TakeProfitPrices() []float64 {
	if s == nil {
		return nil
	}
	out := make([]float64, 0, len(s.TakeProfits))
	for _, tp := range s.TakeProfits {
		out = append(out, tp.Price)
	}
	return out
}

// PriceOrderingValid 检查价格关系：
// BUY: SL < entry < max(TP)；SELL: SL > entry > min(TP)。
func PriceOrderingValid(dir Direction, entry, stopLoss float64, tps []float64) bool {
	if len(tps) == 0 {
		return false
	}
	switch dir {
	case DirectionBuy:
		best := math.Inf(-1)
		for _, p := range tps {
			best = math.Max(best, p)
		}
		return stopLoss < entry && entry < best
	case DirectionSell:
		best := math.Inf(1)
		for _, p := range tps {
			best = math.Min(best, p)
		}
		return stopLoss > entry && entry > best
	default:
		return false
	}
}

// TakeProfitsOrdered 按 level 排序后检查目标价单调：BUY 递增，SELL 递减。
// 阶梯止损依赖这个顺序。
func TakeProfitsOrdered(dir Direction, tps []TakeProfit) bool {
	sorted := append([]TakeProfit(nil), tps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Price, sorted[i].Price
		if (dir == DirectionBuy && cur < prev) || (dir == DirectionSell && cur > prev) {
			return false
		}
	}
	return true
}

// RiskReward 以 TP1 计算盈亏比，保留两位小数；无法计算时返回 nil。
func RiskReward(dir Direction, entry, stopLoss float64, tps []TakeProfit) *float64 {
	if len(tps) == 0 || entry <= 0 || stopLoss <= 0 {
		return nil
	}
	risk := math.Abs(entry - stopLoss)
	if risk == 0 {
		return nil
	}
	var reward float64
	if dir == DirectionBuy {
		reward = tps[0].Price - entry
	} else {
		reward = entry - tps[0].Price
	}
	rr := math.Round(reward/risk*100) / 100
	return &rr
}

// ValidationResult 校验结果。Reason 在失败时可直接展示给运营人员。
type ValidationResult struct {
	Valid   bool           `json:"is_valid"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	// Err 非空表示校验本身没能完成（ConnectionFailure）。
	Err error `json:"-"`
}

func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

func Invalid(reason string, details map[string]any) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason, Details: details}
}

// Unavailable is the result of a check that could not run (store unreachable).
// It is not a verdict on the signal: callers defer instead of rejecting.
func Unavailable(reason string, err error) ValidationResult {
	return ValidationResult{Valid: false, Reason: reason, Err: ConnectionFailure(reason, err)}
}

// Origin 标识信号来源消息，(MessageID, ChatID) 是精确去重的自然键。
type Origin struct {
	MessageID int64
	ChatID    int64
	Channel   string
	Timestamp time.Time
}
