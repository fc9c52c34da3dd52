package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "data", "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func goldSignal(messageID int64) *store.SignalRecord {
	pips := 130
	return &store.SignalRecord{
		MessageID:    messageID,
		ChatID:       -1001,
		Channel:      "gold-vip",
		Type:         types.SignalTypeMarket,
		Symbol:       "XAUUSD",
		Direction:    types.DirectionBuy,
		EntryPrice:   3373,
		StopLoss:     3360,
		StopLossPips: &pips,
		TakeProfits:  []types.TakeProfit{{Level: 1, Price: 3376}, {Level: 2, Price: 3380}},
		Confidence:   0.9,
		Notes:        "scalp",
		RawMessage:   "XAUUSD buy now",
		Status:       types.StatusPending,
	}
}

func TestCreateAndGetSignal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec, err := s.CreateSignal(ctx, goldSignal(1))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := s.GetSignal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", got.Symbol)
	assert.Equal(t, []types.TakeProfit{{Level: 1, Price: 3376}, {Level: 2, Price: 3380}}, got.TakeProfits)
	require.NotNil(t, got.StopLossPips)
	assert.Equal(t, 130, *got.StopLossPips)
	assert.Equal(t, "scalp", got.Notes)
	assert.Equal(t, "XAUUSD buy now", got.RawMessage)
	assert.Nil(t, got.ProcessedAt)

	_, err = s.GetSignal(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSignalExactDuplicateReturnsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first, err := s.CreateSignal(ctx, goldSignal(7))
	require.NoError(t, err)

	again := goldSignal(7)
	again.EntryPrice = 9999
	second, err := s.CreateSignal(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3373.0, second.EntryPrice)

	_, total, err := s.ListSignals(ctx, store.SignalFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestNaturalKeyIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first, err := s.CreateSignal(ctx, goldSignal(77))
	require.NoError(t, err)

	cp := *goldSignal(77)
	cp.ID = "raw-dup"
	m, err := newSignalModel(cp)
	require.NoError(t, err)
	err = s.db.WithContext(ctx).Create(&m).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	again, err := s.CreateSignal(ctx, goldSignal(77))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// 手工/webhook 提交没有 message_id，不受唯一约束
	a, err := s.CreateSignal(ctx, goldSignal(0))
	require.NoError(t, err)
	b, err := s.CreateSignal(ctx, goldSignal(0))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUpdateSignalEnforcesLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.CreateSignal(ctx, goldSignal(3))
	require.NoError(t, err)

	updated, err := s.UpdateSignal(ctx, rec.ID, store.StatusUpdate(types.StatusProcessing, ""))
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, updated.Status)

	now := time.Now().UTC().Truncate(time.Millisecond)
	st := types.StatusExecuted
	retries := 1
	updated, err = s.UpdateSignal(ctx, rec.ID, store.SignalUpdate{Status: &st, ProcessedAt: &now, RetryCount: &retries})
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, updated.Status)
	require.NotNil(t, updated.ProcessedAt)
	assert.True(t, now.Equal(*updated.ProcessedAt))
	assert.Equal(t, 1, updated.RetryCount)

	_, err = s.UpdateSignal(ctx, rec.ID, store.StatusUpdate(types.StatusPending, ""))
	assert.ErrorIs(t, err, types.ErrIllegalTransition)
	got, err := s.GetSignal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status, "illegal transition writes nothing")

	_, err = s.UpdateSignal(ctx, "missing", store.StatusUpdate(types.StatusFailed, "x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindByNaturalKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec, err := s.CreateSignal(ctx, goldSignal(11))
	require.NoError(t, err)

	got, err := s.FindByNaturalKey(ctx, 11, -1001)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)

	got, err = s.FindByNaturalKey(ctx, 11, -2002)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindRecentMatching(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	older := goldSignal(20)
	older.CreatedAt = base.Add(-10 * time.Minute)
	_, err := s.CreateSignal(ctx, older)
	require.NoError(t, err)

	recent := goldSignal(21)
	recent.CreatedAt = base.Add(-2 * time.Minute)
	recentRec, err := s.CreateSignal(ctx, recent)
	require.NoError(t, err)

	self := goldSignal(22)
	self.CreatedAt = base
	selfRec, err := s.CreateSignal(ctx, self)
	require.NoError(t, err)

	q := store.RecentQuery{
		Symbol:           "XAUUSD",
		Direction:        types.DirectionBuy,
		Type:             types.SignalTypeMarket,
		Channel:          "gold-vip",
		Around:           base,
		Window:           5 * time.Minute,
		ExcludeID:        selfRec.ID,
		ExcludeMessageID: 22,
		Before:           base,
	}
	got, err := s.FindRecentMatching(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, recentRec.ID, got.ID)

	q.Direction = types.DirectionSell
	got, err = s.FindRecentMatching(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, got)

	q.Direction = types.DirectionBuy
	q.Channel = "other"
	got, err = s.FindRecentMatching(ctx, q)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListSignalsFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		rec := goldSignal(100 + i)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			rec.Status = types.StatusFailed
			rec.ErrorMessage = "Validation failed: Signal too old"
		}
		_, err := s.CreateSignal(ctx, rec)
		require.NoError(t, err)
	}

	page, total, err := s.ListSignals(ctx, store.SignalFilter{Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	assert.EqualValues(t, 105, page[0].MessageID, "newest first")

	page, _, err = s.ListSignals(ctx, store.SignalFilter{Skip: 4, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.EqualValues(t, 101, page[0].MessageID)

	failed, total, err := s.ListSignals(ctx, store.SignalFilter{Status: types.StatusFailed, Symbol: "xauusd"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, r := range failed {
		assert.Equal(t, "Validation failed: Signal too old", r.ErrorMessage)
	}
}

func TestSaveTradeUpsertsLegs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	opened := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	rec := &store.TradeRecord{
		ID: "t1", SignalID: "s1", Symbol: "xauusd", Direction: "buy", State: "ACTIVE",
		EntryPrice: 3373, StopLoss: 3360, TotalVolume: 0.04, OpenedAt: opened,
		Legs: []store.LegRecord{
			{Index: 1, OrderID: "o1", EntryPrice: 3373, FillPrice: 3373.1, TakeProfit: 3376, StopLoss: 3360, Volume: 0.02, Filled: true},
			{Index: 2, OrderID: "o2", EntryPrice: 3373, FillPrice: 3373.1, TakeProfit: 3380, StopLoss: 3360, Volume: 0.02, Filled: true},
		},
	}
	require.NoError(t, s.SaveTrade(ctx, rec))

	closedAt := opened.Add(time.Hour)
	rec.State = "PARTIALLY_CLOSED"
	rec.Legs[0].Closed, rec.Legs[0].ClosePrice, rec.Legs[0].Profit, rec.Legs[0].ClosedAt = true, 3376, 5.8, &closedAt
	rec.Legs[1].StopLoss = 3373.11
	require.NoError(t, s.SaveTrade(ctx, rec))

	got, err := s.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "PARTIALLY_CLOSED", got.State)
	assert.Equal(t, "XAUUSD", got.Symbol)
	require.Len(t, got.Legs, 2)
	assert.True(t, got.Legs[0].Closed)
	require.NotNil(t, got.Legs[0].ClosedAt)
	assert.True(t, closedAt.Equal(*got.Legs[0].ClosedAt))
	assert.Equal(t, 3373.11, got.Legs[1].StopLoss)

	list, err := s.ListTrades(ctx, store.TradeFilter{State: "PARTIALLY_CLOSED"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Legs, 2)

	list, err = s.ListTrades(ctx, store.TradeFilter{State: "ACTIVE"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.GetTrade(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Error(t, s.SaveTrade(ctx, &store.TradeRecord{}))
}

func TestDailyStatsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	d1 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

	_, err := s.GetDailyStats(ctx, d1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveDailyStats(ctx, &store.DailyStats{Date: d1, TotalTrades: 2, Wins: 1, Losses: 1, NetProfit: 10}))
	require.NoError(t, s.SaveDailyStats(ctx, &store.DailyStats{Date: d2, TotalTrades: 1, Wins: 1, NetProfit: 30}))
	require.NoError(t, s.SaveDailyStats(ctx, &store.DailyStats{Date: d1, TotalTrades: 3, Wins: 2, Losses: 1, NetProfit: 25}))

	got, err := s.GetDailyStats(ctx, d1.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalTrades)
	assert.Equal(t, 25.0, got.NetProfit)

	list, err := s.ListDailyStats(ctx, d1, d2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, d1, list[0].Date)
	assert.Equal(t, 30.0, list[1].NetProfit)

	assert.Error(t, s.SaveDailyStats(ctx, &store.DailyStats{}))
}
