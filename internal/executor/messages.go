package executor

import (
	"fmt"
	"strings"
	"time"

	"signalbridge/internal/gateway/notifier"
)

func tradeOpenedMessage(t *Trade) string {
	lines := make([]string, 0, len(t.Legs))
	for _, l := range t.Legs {
		if l.Filled {
			lines = append(lines, fmt.Sprintf("TP%d %v | %v lots @ %v", l.Index, l.TakeProfit, l.Volume, l.FillPrice))
		} else {
			lines = append(lines, fmt.Sprintf("TP%d %v | 未成交: %s", l.Index, l.TakeProfit, l.Error))
		}
	}
	return notifier.StructuredMessage{
		Icon:  "🟢",
		Title: fmt.Sprintf("开仓 %s %s", t.Symbol, strings.ToUpper(string(t.Direction))),
		Sections: []notifier.MessageSection{
			{Title: "概要", Lines: []string{
				fmt.Sprintf("入场 %v  止损 %v", t.Entry, t.StopLoss),
				fmt.Sprintf("总手数 %v  成交 %d/%d 腿", t.TotalVolume, len(t.filledLegs()), len(t.Legs)),
			}},
			{Title: "分腿", Lines: lines},
		},
		Footer:    "trade " + t.ID,
		Timestamp: t.OpenedAt,
	}.RenderMarkdown()
}

func legClosedMessage(t *Trade, l *Leg) string {
	return notifier.StructuredMessage{
		Icon:  "📌",
		Title: fmt.Sprintf("%s TP%d 平仓", t.Symbol, l.Index),
		Sections: []notifier.MessageSection{{Lines: []string{
			fmt.Sprintf("平仓价 %v  盈亏 %.2f", l.ClosePrice, l.Profit),
			fmt.Sprintf("剩余 %d 腿", len(t.openLegs())),
		}}},
		Timestamp: closedAt(l),
	}.RenderMarkdown()
}

func stopMovedMessage(t *Trade, l *Leg) string {
	return notifier.StructuredMessage{
		Icon:     "🛡",
		Title:    fmt.Sprintf("%s TP%d 止损上移", t.Symbol, l.Index),
		Sections: []notifier.MessageSection{{Lines: []string{fmt.Sprintf("新止损 %v", l.StopLoss)}}},
	}.RenderMarkdown()
}

func tradeClosedMessage(t *Trade) string {
	icon := "✅"
	if t.RealisedProfit() < 0 {
		icon = "🔴"
	}
	var at time.Time
	if t.ClosedAt != nil {
		at = *t.ClosedAt
	}
	return notifier.StructuredMessage{
		Icon:      icon,
		Title:     fmt.Sprintf("交易结束 %s %s", t.Symbol, strings.ToUpper(string(t.Direction))),
		Sections:  []notifier.MessageSection{{Lines: []string{fmt.Sprintf("已实现盈亏 %.2f", t.RealisedProfit())}}},
		Footer:    "trade " + t.ID,
		Timestamp: at,
	}.RenderMarkdown()
}

func closedAt(l *Leg) time.Time {
	if l.ClosedAt == nil {
		return time.Time{}
	}
	return *l.ClosedAt
}
