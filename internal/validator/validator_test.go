package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) FindByNaturalKey(ctx context.Context, messageID, chatID int64) (*store.SignalRecord, error) {
	args := m.Called(ctx, messageID, chatID)
	if rec := args.Get(0); rec != nil {
		return rec.(*store.SignalRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLookup) FindRecentMatching(ctx context.Context, q store.RecentQuery) (*store.SignalRecord, error) {
	args := m.Called(ctx, q)
	if rec := args.Get(0); rec != nil {
		return rec.(*store.SignalRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubSymbols struct {
	connected bool
	symbols   map[string]bool
}

func (s stubSymbols) IsConnected() bool { return s.connected }

func (s stubSymbols) IsSymbolAvailable(_ context.Context, symbol string) bool {
	return s.symbols[symbol]
}

var testNow = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func goldSignal(messageID int64) *types.CandidateSignal {
	return &types.CandidateSignal{
		MessageID:  messageID,
		ChatID:     -1001,
		Channel:    "gold-vip",
		Type:       types.SignalTypeMarket,
		Symbol:     "XAUUSD",
		Direction:  types.DirectionBuy,
		EntryPrice: 3373,
		StopLoss:   3360,
		TakeProfits: []types.TakeProfit{
			{Level: 1, Price: 3376}, {Level: 2, Price: 3380}, {Level: 3, Price: 3385}, {Level: 4, Price: 3402},
		},
		Timestamp: testNow.Add(-30 * time.Second),
	}
}

func newTestValidator(lookup SignalLookup, symbols SymbolSource) *Validator {
	v := New(Config{}, symbols, lookup)
	v.nowFn = func() time.Time { return testNow }
	return v
}

func TestValidateAcceptsAndCaches(t *testing.T) {
	v := newTestValidator(nil, nil)
	res := v.Validate(context.Background(), goldSignal(1))
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, 1, v.CacheSize())
}

func TestValidateRequiredFields(t *testing.T) {
	v := newTestValidator(nil, nil)
	cases := []struct {
		name   string
		mutate func(*types.CandidateSignal)
		reason string
	}{
		{"missing symbol", func(s *types.CandidateSignal) { s.Symbol = "" }, "Missing symbol"},
		{"bad direction", func(s *types.CandidateSignal) { s.Direction = "hold" }, "Invalid direction"},
		{"zero entry", func(s *types.CandidateSignal) { s.EntryPrice = 0 }, "Invalid entry price"},
		{"zero stop", func(s *types.CandidateSignal) { s.StopLoss = 0 }, "Invalid stop loss"},
		{"no take profits", func(s *types.CandidateSignal) { s.TakeProfits = nil }, "No take profit"},
		{"stop above entry", func(s *types.CandidateSignal) { s.StopLoss = 3380 }, "Invalid price levels"},
		{"sell ordering", func(s *types.CandidateSignal) { s.Direction = types.DirectionSell }, "Invalid price levels"},
		{"take profits out of order", func(s *types.CandidateSignal) {
			s.TakeProfits = []types.TakeProfit{{Level: 1, Price: 3402}, {Level: 2, Price: 3380}}
		}, "Take profits out of order"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig := goldSignal(2)
			tc.mutate(sig)
			res := v.Validate(context.Background(), sig)
			assert.False(t, res.Valid)
			assert.Contains(t, res.Reason, tc.reason)
		})
	}
	assert.Equal(t, 0, v.CacheSize())
}

func TestValidateAge(t *testing.T) {
	v := newTestValidator(nil, nil)
	sig := goldSignal(3)
	sig.Timestamp = testNow.Add(-7 * time.Minute)
	res := v.Validate(context.Background(), sig)
	assert.False(t, res.Valid)
	assert.Equal(t, "Signal too old: 7.0 minutes", res.Reason)
	assert.Equal(t, 7.0, res.Details["age_minutes"])
}

func TestValidateSymbolGate(t *testing.T) {
	t.Run("syntactic check when disconnected", func(t *testing.T) {
		v := newTestValidator(nil, stubSymbols{connected: false})
		sig := goldSignal(4)
		sig.Symbol = "XAU1SD"
		res := v.Validate(context.Background(), sig)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Reason, "Invalid symbol format")
	})
	t.Run("broker membership when connected", func(t *testing.T) {
		v := newTestValidator(nil, stubSymbols{connected: true, symbols: map[string]bool{"EURUSD": true}})
		res := v.Validate(context.Background(), goldSignal(5))
		assert.False(t, res.Valid)
		assert.Equal(t, "Symbol not available: XAUUSD", res.Reason)
	})
	t.Run("operator supplied list wins", func(t *testing.T) {
		v := newTestValidator(nil, stubSymbols{connected: true})
		v.UpdateAvailableSymbols([]string{"xauusd"})
		assert.Equal(t, []string{"XAUUSD"}, v.AvailableSymbols())
		res := v.Validate(context.Background(), goldSignal(6))
		assert.True(t, res.Valid, res.Reason)
	})
}

func TestValidateExactDuplicate(t *testing.T) {
	t.Run("same message twice hits the cache", func(t *testing.T) {
		v := newTestValidator(nil, nil)
		first := v.Validate(context.Background(), goldSignal(7))
		require.True(t, first.Valid)

		second := goldSignal(7)
		second.EntryPrice = 3370 // content differences do not matter
		res := v.Validate(context.Background(), second)
		assert.False(t, res.Valid)
		assert.Contains(t, res.Reason, "Duplicate")
		assert.True(t, IsDuplicate(res))
		assert.Equal(t, "exact", res.Details["duplicate_type"])
	})
	t.Run("persisted record", func(t *testing.T) {
		lookup := new(mockLookup)
		lookup.On("FindByNaturalKey", mock.Anything, int64(8), int64(-1001)).
			Return(&store.SignalRecord{ID: "sig-1", MessageID: 8, ChatID: -1001}, nil)
		v := newTestValidator(lookup, nil)

		res := v.Validate(context.Background(), goldSignal(8))
		assert.False(t, res.Valid)
		assert.Equal(t, "sig-1", res.Details["original_signal_id"])
		lookup.AssertExpectations(t)
	})
}

func TestValidateNearDuplicate(t *testing.T) {
	v := newTestValidator(nil, nil)
	require.True(t, v.Validate(context.Background(), goldSignal(10)).Valid)

	t.Run("prices within tolerance", func(t *testing.T) {
		sig := goldSignal(11)
		sig.EntryPrice = 3374 // 0.03%
		res := v.Validate(context.Background(), sig)
		assert.False(t, res.Valid)
		assert.Equal(t, "near", res.Details["duplicate_type"])
	})
	t.Run("take profit outside tolerance", func(t *testing.T) {
		sig := goldSignal(12)
		sig.TakeProfits[3].Price = 3450
		res := v.Validate(context.Background(), sig)
		assert.True(t, res.Valid, res.Reason)
	})
	t.Run("other channel", func(t *testing.T) {
		sig := goldSignal(13)
		sig.Channel = "other"
		assert.True(t, v.Validate(context.Background(), sig).Valid)
	})
}

func TestValidateCacheEvictionAndClear(t *testing.T) {
	v := New(Config{CacheSize: 2}, nil, nil)
	now := testNow
	v.nowFn = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		sig := goldSignal(100 + i)
		sig.Channel = string(rune('a' + i))
		require.True(t, v.Validate(context.Background(), sig).Valid)
	}
	assert.Equal(t, 2, v.CacheSize())

	// oldest entry was evicted, so its message id is no longer an exact duplicate
	replay := goldSignal(101)
	replay.Channel = "fresh"
	assert.True(t, v.Validate(context.Background(), replay).Valid)

	now = now.Add(6 * time.Minute)
	late := goldSignal(200)
	late.Timestamp = now
	late.Channel = "late"
	require.True(t, v.Validate(context.Background(), late).Valid)
	assert.Equal(t, 1, v.CacheSize())

	v.ClearCache()
	assert.Equal(t, 0, v.CacheSize())
}

func TestValidatePersisted(t *testing.T) {
	rec := store.NewSignalRecord(goldSignal(20), types.StatusProcessing)
	rec.ID = "sig-20"
	rec.CreatedAt = testNow.Add(-20 * time.Second)

	t.Run("no match", func(t *testing.T) {
		lookup := new(mockLookup)
		lookup.On("FindByNaturalKey", mock.Anything, int64(20), int64(-1001)).Return(rec, nil)
		lookup.On("FindRecentMatching", mock.Anything, mock.MatchedBy(func(q store.RecentQuery) bool {
			return q.ExcludeID == "sig-20" && q.ExcludeMessageID == 20 && q.Before.Equal(rec.CreatedAt)
		})).Return(nil, nil)
		v := newTestValidator(lookup, nil)

		res := v.ValidatePersisted(context.Background(), rec)
		assert.True(t, res.Valid, res.Reason)
		assert.Equal(t, 0, v.CacheSize())
		lookup.AssertExpectations(t)
	})
	t.Run("earlier similar record", func(t *testing.T) {
		earlier := store.NewSignalRecord(goldSignal(19), types.StatusExecuted)
		earlier.ID = "sig-19"
		lookup := new(mockLookup)
		lookup.On("FindByNaturalKey", mock.Anything, int64(20), int64(-1001)).Return(nil, nil)
		lookup.On("FindRecentMatching", mock.Anything, mock.Anything).Return(earlier, nil)
		v := newTestValidator(lookup, nil)

		res := v.ValidatePersisted(context.Background(), rec)
		assert.False(t, res.Valid)
		assert.Equal(t, "sig-19", res.Details["original_signal_id"])
	})
}

func TestValidateLookupFailureIsNotAVerdict(t *testing.T) {
	storeDown := errors.New("database is locked")

	t.Run("exact duplicate lookup", func(t *testing.T) {
		lookup := new(mockLookup)
		lookup.On("FindByNaturalKey", mock.Anything, int64(30), int64(-1001)).Return(nil, storeDown)
		v := newTestValidator(lookup, nil)

		res := v.Validate(context.Background(), goldSignal(30))
		assert.False(t, res.Valid)
		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, types.ErrConnection)
		assert.ErrorIs(t, res.Err, storeDown)
		assert.False(t, IsDuplicate(res))
		assert.Equal(t, 0, v.CacheSize())
	})
	t.Run("near duplicate lookup", func(t *testing.T) {
		rec := store.NewSignalRecord(goldSignal(31), types.StatusProcessing)
		rec.ID = "sig-31"
		lookup := new(mockLookup)
		lookup.On("FindByNaturalKey", mock.Anything, int64(31), int64(-1001)).Return(rec, nil)
		lookup.On("FindRecentMatching", mock.Anything, mock.Anything).Return(nil, storeDown)
		v := newTestValidator(lookup, nil)

		res := v.ValidatePersisted(context.Background(), rec)
		assert.False(t, res.Valid)
		assert.ErrorIs(t, res.Err, types.ErrConnection)
	})
}
