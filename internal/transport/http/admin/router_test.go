package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/gateway/broker"
	"signalbridge/internal/ingest"
	"signalbridge/internal/queue"
	"signalbridge/internal/service"
	"signalbridge/internal/stats"
	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockService struct{ mock.Mock }

func (m *mockService) SubmitMessage(ctx context.Context, msg ingest.Message) (*store.SignalRecord, error) {
	args := m.Called(ctx, msg)
	rec, _ := args.Get(0).(*store.SignalRecord)
	return rec, args.Error(1)
}

func (m *mockService) ResubmitSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*store.SignalRecord)
	return rec, args.Error(1)
}

func (m *mockService) GetSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*store.SignalRecord)
	return rec, args.Error(1)
}

func (m *mockService) ListSignals(ctx context.Context, f store.SignalFilter) ([]store.SignalRecord, int64, error) {
	args := m.Called(ctx, f)
	list, _ := args.Get(0).([]store.SignalRecord)
	return list, args.Get(1).(int64), args.Error(2)
}

func (m *mockService) CancelSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*store.SignalRecord)
	return rec, args.Error(1)
}

func (m *mockService) QueueStats() queue.Stats {
	return m.Called().Get(0).(queue.Stats)
}

func (m *mockService) ClearCaches() { m.Called() }

func (m *mockService) ActiveTrades() []executor.Trade {
	trades, _ := m.Called().Get(0).([]executor.Trade)
	return trades
}

func (m *mockService) CloseAllTrades(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockService) ListTrades(ctx context.Context, f store.TradeFilter) ([]store.TradeRecord, error) {
	args := m.Called(ctx, f)
	list, _ := args.Get(0).([]store.TradeRecord)
	return list, args.Error(1)
}

func (m *mockService) DailyStats(ctx context.Context, from, to time.Time) ([]store.DailyStats, stats.Summary, error) {
	args := m.Called(ctx, from, to)
	days, _ := args.Get(0).([]store.DailyStats)
	return days, args.Get(1).(stats.Summary), args.Error(2)
}

type staticHealth struct{ st broker.ConnectionStatus }

func (h staticHealth) Status() broker.ConnectionStatus { return h.st }

func newTestRouter(t *testing.T, svc *mockService, feed *ingest.Feed) (*Router, http.Handler) {
	t.Helper()
	dec, err := ingest.NewWebhookDecoder()
	require.NoError(t, err)
	r := NewRouter(svc, dec, feed, staticHealth{st: broker.ConnectionStatus{Venue: "paper", Connected: true}})
	r.nowFn = func() time.Time { return time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC) }
	return r, NewEngine(r)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	_, h := newTestRouter(t, &mockService{}, nil)
	w := do(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["broker"].(map[string]any)["connected"])
}

func TestSubmitSignal(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		rec      *store.SignalRecord
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "accepted",
			body:     `{"text":"XAUUSD buy","message_id":1,"chat_id":-5,"channel":"vip"}`,
			rec:      &store.SignalRecord{ID: "s1", Status: types.StatusPending},
			wantCode: http.StatusAccepted,
		},
		{
			name:     "not a signal",
			body:     `{"text":"hello","message_id":2}`,
			err:      types.NewFailure(types.KindStructuralParse, "Failed to parse trading signal from message", nil),
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "Failed to parse trading signal from message",
		},
		{
			name:     "duplicate",
			body:     `{"text":"XAUUSD buy","message_id":3}`,
			rec:      &store.SignalRecord{ID: "s0", Status: types.StatusPending},
			err:      types.ValidationFailure("Duplicate signal"),
			wantCode: http.StatusConflict,
			wantErr:  "Duplicate signal",
		},
		{
			name:     "queue full",
			body:     `{"text":"XAUUSD buy","message_id":4}`,
			rec:      &store.SignalRecord{ID: "s4", Status: types.StatusQueueFull},
			err:      types.NewFailure(types.KindQueueFull, "Signal queue is full", nil),
			wantCode: http.StatusTooManyRequests,
			wantErr:  "Signal queue is full",
		},
		{
			name:     "store down",
			body:     `{"text":"XAUUSD buy","message_id":5}`,
			err:      types.ConnectionFailure("persist signal", assert.AnError),
			wantCode: http.StatusServiceUnavailable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{}
			svc.On("SubmitMessage", mock.Anything, mock.AnythingOfType("ingest.Message")).Return(tc.rec, tc.err).Once()
			_, h := newTestRouter(t, svc, nil)
			w := do(h, http.MethodPost, "/api/signals", tc.body)
			assert.Equal(t, tc.wantCode, w.Code)
			if tc.wantErr != "" {
				assert.Equal(t, tc.wantErr, decodeBody(t, w)["error"])
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestSubmitSignalRejectsBadPayload(t *testing.T) {
	svc := &mockService{}
	_, h := newTestRouter(t, svc, nil)
	w := do(h, http.MethodPost, "/api/signals", `{"message_id":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "SubmitMessage", mock.Anything, mock.Anything)
}

func TestIngestWebhookPublishesToFeed(t *testing.T) {
	feed := ingest.NewFeed(1)
	_, h := newTestRouter(t, &mockService{}, feed)

	w := do(h, http.MethodPost, "/api/signals/ingest", `{"text":"EURUSD sell","message_id":"77","chat_id":"-9","channel":"fx"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	msg := <-feed.Messages()
	assert.EqualValues(t, 77, msg.MessageID)
	assert.EqualValues(t, -9, msg.ChatID)
	assert.Equal(t, "fx", msg.Channel)

	require.NoError(t, feed.TryPublish(ingest.Message{Text: "fill"}))
	w = do(h, http.MethodPost, "/api/signals/ingest", `{"text":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListSignals(t *testing.T) {
	svc := &mockService{}
	want := store.SignalFilter{Symbol: "XAUUSD", Status: types.StatusFailed, Skip: 10, Limit: 5}
	svc.On("ListSignals", mock.Anything, want).Return([]store.SignalRecord{{ID: "a"}}, int64(11), nil).Once()
	_, h := newTestRouter(t, svc, nil)

	w := do(h, http.MethodGet, "/api/signals?symbol=XAUUSD&status=failed&skip=10&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.EqualValues(t, 11, body["total"])
	assert.Len(t, body["signals"], 1)

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/signals?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/signals?limit=abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/signals?limit=1000", "").Code)
	svc.AssertExpectations(t)
}

func TestGetAndCancelSignal(t *testing.T) {
	svc := &mockService{}
	svc.On("GetSignal", mock.Anything, "s1").Return(&store.SignalRecord{ID: "s1"}, nil).Once()
	svc.On("GetSignal", mock.Anything, "nope").Return(nil, store.ErrNotFound).Once()
	svc.On("CancelSignal", mock.Anything, "s1").Return(&store.SignalRecord{ID: "s1", Status: types.StatusCancelled}, nil).Once()
	svc.On("CancelSignal", mock.Anything, "s2").Return(&store.SignalRecord{ID: "s2", Status: types.StatusExecuted}, service.ErrNotCancellable).Once()
	_, h := newTestRouter(t, svc, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/signals/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/signals/nope", "").Code)
	w := do(h, http.MethodPost, "/api/signals/s1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "CANCELLED", decodeBody(t, w)["status"])
	w = do(h, http.MethodPost, "/api/signals/s2/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.NotNil(t, decodeBody(t, w)["signal"])
	svc.AssertExpectations(t)
}

func TestQueueStatsAndClearCaches(t *testing.T) {
	svc := &mockService{}
	svc.On("QueueStats").Return(queue.Stats{TotalQueued: 3, CurrentSize: 1}).Once()
	svc.On("ClearCaches").Once()
	_, h := newTestRouter(t, svc, nil)

	w := do(h, http.MethodGet, "/api/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decodeBody(t, w)["total_queued"])
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/admin/clear-caches", "").Code)
	svc.AssertExpectations(t)
}

func TestTrades(t *testing.T) {
	svc := &mockService{}
	svc.On("ActiveTrades").Return([]executor.Trade{{ID: "t1", Symbol: "XAUUSD"}}).Once()
	svc.On("ListTrades", mock.Anything, store.TradeFilter{Symbol: "xauusd", State: "CLOSED", Limit: 200}).
		Return([]store.TradeRecord{{ID: "t0"}}, nil).Once()
	_, h := newTestRouter(t, svc, nil)

	w := do(h, http.MethodGet, "/api/trades?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["trades"], 1)
	w = do(h, http.MethodGet, "/api/trades?symbol=xauusd&state=closed", "")
	require.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestDailyStatsRange(t *testing.T) {
	svc := &mockService{}
	now := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	svc.On("DailyStats", mock.Anything, now.Add(-30*24*time.Hour), now).
		Return([]store.DailyStats{}, stats.Summary{TotalTrades: 4}, nil).Once()
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	svc.On("DailyStats", mock.Anything, from, to).
		Return([]store.DailyStats{{Date: from}}, stats.Summary{}, nil).Once()
	_, h := newTestRouter(t, svc, nil)

	w := do(h, http.MethodGet, "/api/stats/daily?range=30d", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 4, decodeBody(t, w)["summary"].(map[string]any)["total_trades"])
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/stats/daily?from=2025-06-01&to=2025-06-02", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/stats/daily?range=forever", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/stats/daily?from=06/01", "").Code)
	svc.AssertExpectations(t)
}

func TestNewServerRequiresRouter(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
	srv, err := NewServer(ServerConfig{Router: &Router{}})
	require.NoError(t, err)
	assert.Equal(t, ":9991", srv.Addr())
	assert.NotNil(t, srv.Handler())
}

func TestCloseAllTrades(t *testing.T) {
	svc := &mockService{}
	svc.On("CloseAllTrades", mock.Anything).Return(nil).Once()
	svc.On("CloseAllTrades", mock.Anything).Return(errors.New("bridge down")).Once()
	_, h := newTestRouter(t, svc, nil)

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/api/trades/close-all", "").Code)
	w := do(h, http.MethodPost, "/api/trades/close-all", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "bridge down", decodeBody(t, w)["error"])
	svc.AssertExpectations(t)
}
