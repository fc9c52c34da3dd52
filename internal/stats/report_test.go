package stats

import (
	"context"
	"testing"
	"time"

	"signalbridge/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct{ texts []string }

func (c *captureNotifier) SendText(text string) error {
	c.texts = append(c.texts, text)
	return nil
}

func TestDailyReportSendsPreviousDay(t *testing.T) {
	ctx := context.Background()
	mem := newMemStats()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, mem.SaveDailyStats(ctx, &store.DailyStats{
		Date: day, TotalTrades: 2, Wins: 1, Losses: 1, NetProfit: -3.5, WinRate: 50,
	}))

	sink := &captureNotifier{}
	rep := NewDailyReport(NewRecorder(mem), sink)
	rep.nowFn = func() time.Time { return day.Add(24*time.Hour + 5*time.Second) }
	rep.Send(ctx)

	require.Len(t, sink.texts, 1)
	assert.Contains(t, sink.texts[0], "📉 日报 2025-06-01")
	assert.Contains(t, sink.texts[0], "交易 2  盈 1  亏 1  胜率 50.00%")
	assert.Contains(t, sink.texts[0], "净盈亏 -3.50")
}

func TestDailyReportEmptyDay(t *testing.T) {
	sink := &captureNotifier{}
	rep := NewDailyReport(NewRecorder(newMemStats()), sink)
	rep.nowFn = func() time.Time { return time.Date(2025, 6, 10, 0, 0, 1, 0, time.UTC) }
	rep.Send(context.Background())

	require.Len(t, sink.texts, 1)
	assert.Contains(t, sink.texts[0], "📊 日报 2025-06-09")
	assert.Contains(t, sink.texts[0], "交易 0")
}

func TestDailyReportRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := NewDailyReport(NewRecorder(newMemStats()), nil)
	assert.NoError(t, rep.Run(ctx))

	var nilReport *DailyReport
	assert.NoError(t, nilReport.Run(ctx))
}
