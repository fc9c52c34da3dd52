package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalbridge/internal/gateway/notifier"
	"signalbridge/internal/logger"
	"signalbridge/internal/scheduler"
	"signalbridge/internal/store"
)

const reportInterval = 24 * time.Hour

// DailyReport 每个 UTC 零点汇总前一日的统计，写日志并推送通知。
type DailyReport struct {
	rec    *Recorder
	notify notifier.TextNotifier
	nowFn  func() time.Time
}

// NewDailyReport; notify may be nil (log only).
func NewDailyReport(rec *Recorder, notify notifier.TextNotifier) *DailyReport {
	return &DailyReport{rec: rec, notify: notify, nowFn: time.Now}
}

func (d *DailyReport) Run(ctx context.Context) error {
	if d == nil || d.rec == nil {
		return nil
	}
	sched := scheduler.New("daily-report", reportInterval)
	sched.Align = reportInterval
	return sched.Run(ctx, func(ctx context.Context) {
		d.Send(ctx)
	})
}

// Send reports the UTC day before now. A day without trades still reports zeros.
func (d *DailyReport) Send(ctx context.Context) {
	day := truncateDay(d.nowFn()).Add(-reportInterval)
	st, err := d.rec.store.GetDailyStats(ctx, day)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &store.DailyStats{Date: day}
	case err != nil:
		logger.Errorf("[stats] load daily stats %s failed: %v", day.Format("2006-01-02"), err)
		return
	}
	logger.Infof("[stats] %s trades=%d wins=%d losses=%d net=%.2f win_rate=%.2f%%",
		day.Format("2006-01-02"), st.TotalTrades, st.Wins, st.Losses, st.NetProfit, st.WinRate)
	if d.notify == nil {
		return
	}
	if err := d.notify.SendText(dailyReportMessage(st)); err != nil {
		logger.Warnf("[stats] daily report notify failed: %v", err)
	}
}

func dailyReportMessage(st *store.DailyStats) string {
	icon := "📊"
	if st.NetProfit < 0 {
		icon = "📉"
	}
	return notifier.StructuredMessage{
		Icon:  icon,
		Title: "日报 " + st.Date.Format("2006-01-02"),
		Sections: []notifier.MessageSection{{Lines: []string{
			fmt.Sprintf("交易 %d  盈 %d  亏 %d  胜率 %.2f%%", st.TotalTrades, st.Wins, st.Losses, st.WinRate),
			fmt.Sprintf("净盈亏 %.2f  盈亏比 %.2f  最大回撤 %.2f", st.NetProfit, st.ProfitFactor, st.MaxDrawdown),
		}}},
	}.RenderMarkdown()
}
