package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/queue"
	"signalbridge/internal/store"
	"signalbridge/internal/store/gormstore"
	"signalbridge/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execFunc func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error)

func (f execFunc) Execute(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
	return f(ctx, id, sig)
}

func (f execFunc) CloseTrade(context.Context, string) error { return nil }

type closingExec struct {
	execFunc
	closed []string
}

func (c *closingExec) CloseTrade(_ context.Context, tradeID string) error {
	c.closed = append(c.closed, tradeID)
	return nil
}

type passFunc func(ctx context.Context, rec *store.SignalRecord) types.ValidationResult

func (f passFunc) ValidatePersisted(ctx context.Context, rec *store.SignalRecord) types.ValidationResult {
	return f(ctx, rec)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendText(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func okTrade(_ context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
	return &executor.Trade{ID: "trade-" + id, SignalID: id, Symbol: sig.Symbol, Legs: []*executor.Leg{{Index: 1}, {Index: 2}}}, nil
}

func allValid(context.Context, *store.SignalRecord) types.ValidationResult { return types.Valid() }

type fixture struct {
	store *gormstore.GormStore
	queue *queue.Queue
	proc  *Processor
	note  *recordingNotifier
}

func newFixture(t *testing.T, cfg Config, exec execFunc, pass passFunc) *fixture {
	t.Helper()
	st, err := gormstore.NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(queue.Config{MaxSize: 10})
	note := &recordingNotifier{}
	var sp SecondPass
	if pass != nil {
		sp = pass
	}
	proc, err := New(Params{Config: cfg, Queue: q, Store: st, Validator: sp, Executor: exec, Notifier: note})
	require.NoError(t, err)
	proc.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return &fixture{store: st, queue: q, proc: proc, note: note}
}

func (f *fixture) submit(t *testing.T, messageID int64) string {
	t.Helper()
	rec, err := f.store.CreateSignal(context.Background(), &store.SignalRecord{
		MessageID:   messageID,
		ChatID:      -100,
		Channel:     "vip",
		Symbol:      "XAUUSD",
		Direction:   types.DirectionBuy,
		EntryPrice:  3373,
		StopLoss:    3360,
		TakeProfits: []types.TakeProfit{{Level: 1, Price: 3376}, {Level: 2, Price: 3380}},
		Status:      types.StatusPending,
		SignalTime:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, f.queue.Enqueue(rec.ID, types.PriorityNormal))
	return rec.ID
}

func (f *fixture) next(t *testing.T) (Outcome, error) {
	t.Helper()
	item := f.queue.Dequeue()
	require.NotNil(t, item)
	return f.proc.Process(context.Background(), item)
}

func (f *fixture) get(t *testing.T, id string) *store.SignalRecord {
	t.Helper()
	rec, err := f.store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestProcessExecutesSignal(t *testing.T) {
	var got *types.CandidateSignal
	f := newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
		got = sig
		return okTrade(ctx, id, sig)
	}, allValid)
	id := f.submit(t, 1)

	out, err := f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out)
	require.NotNil(t, got)
	assert.Equal(t, "XAUUSD", got.Symbol)
	assert.Equal(t, []float64{3376, 3380}, got.TakeProfitPrices())

	rec := f.get(t, id)
	assert.Equal(t, types.StatusExecuted, rec.Status)
	assert.NotNil(t, rec.ProcessedAt)
	assert.Empty(t, rec.ErrorMessage)
	assert.Zero(t, f.note.count())
}

func TestProcessSecondPassRejections(t *testing.T) {
	tests := []struct {
		name       string
		result     types.ValidationResult
		wantStatus types.SignalStatus
		wantReason string
		outcome    Outcome
	}{
		{
			name:       "stale",
			result:     types.Invalid("Signal too old: 400 seconds", nil),
			wantStatus: types.StatusFailed,
			wantReason: "Validation failed: Signal too old: 400 seconds",
			outcome:    OutcomeFailed,
		},
		{
			name:       "near duplicate",
			result:     types.Invalid("Duplicate signal (similar signal within window)", map[string]any{"duplicate_type": "near"}),
			wantStatus: types.StatusDuplicate,
			wantReason: "Duplicate signal (similar signal within window)",
			outcome:    OutcomeDuplicate,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			executed := false
			f := newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
				executed = true
				return okTrade(ctx, id, sig)
			}, func(context.Context, *store.SignalRecord) types.ValidationResult { return tc.result })
			id := f.submit(t, 2)

			out, err := f.next(t)
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, out)
			assert.False(t, executed)
			rec := f.get(t, id)
			assert.Equal(t, tc.wantStatus, rec.Status)
			assert.Equal(t, tc.wantReason, rec.ErrorMessage)
		})
	}
}

func TestProcessRetriesExecutionFailures(t *testing.T) {
	calls := 0
	f := newFixture(t, Config{MaxRetries: 2}, func(context.Context, string, *types.CandidateSignal) (*executor.Trade, error) {
		calls++
		return nil, types.ExecutionFailure("all legs failed", errors.New("requote"))
	}, allValid)
	id := f.submit(t, 3)

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := f.next(t)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetried, out)
		rec := f.get(t, id)
		assert.Equal(t, types.StatusPending, rec.Status)
		assert.Equal(t, attempt, rec.RetryCount)
		assert.Equal(t, 1, f.queue.Len())
	}

	out, err := f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, 3, calls)
	rec := f.get(t, id)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Equal(t, "Execution failed: all legs failed (requote)", rec.ErrorMessage)
	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 1, f.note.count())
	assert.Equal(t, 2, f.queue.Stats().TotalRetried)
}

func TestProcessNonRetryableFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"sizing", types.SizingFailure("daily loss limit reached"), "Sizing failed: daily loss limit reached"},
		{"validation", types.ValidationFailure("Trade already active for XAUUSD (trade t1)"), "Validation failed: Trade already active for XAUUSD (trade t1)"},
		{"plain error", errors.New("boom"), "Execution failed: boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxRetries: 3}, func(context.Context, string, *types.CandidateSignal) (*executor.Trade, error) {
				return nil, tc.err
			}, nil)
			id := f.submit(t, 4)
			out, err := f.next(t)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, out)
			rec := f.get(t, id)
			assert.Equal(t, types.StatusFailed, rec.Status)
			assert.Equal(t, tc.want, rec.ErrorMessage)
			assert.Zero(t, f.queue.Len())
		})
	}
}

func TestProcessConnectionFailureRequeuesWithoutSpendingBudget(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1, ConnectionFailureLimit: 2}, func(context.Context, string, *types.CandidateSignal) (*executor.Trade, error) {
		return nil, types.ConnectionFailure("broker not connected", errors.New("dial tcp: refused"))
	}, allValid)
	id := f.submit(t, 5)

	out, err := f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out)
	rec := f.get(t, id)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.Equal(t, 1, f.queue.Len())

	out, err = f.next(t)
	assert.Equal(t, OutcomeDeferred, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConnection)
	assert.Equal(t, 1, f.queue.Len(), "item stays queued for the next run")
}

func TestProcessConnectionFailureWithFullQueueMarksQueueFull(t *testing.T) {
	f := newFixture(t, Config{}, func(context.Context, string, *types.CandidateSignal) (*executor.Trade, error) {
		return nil, types.ConnectionFailure("broker not connected", errors.New("dial tcp: refused"))
	}, allValid)
	id := f.submit(t, 11)
	item := f.queue.Dequeue()
	require.NotNil(t, item)
	for i := 0; i < 10; i++ {
		require.True(t, f.queue.Enqueue(fmt.Sprintf("other-%d", i), types.PriorityNormal))
	}

	out, err := f.proc.Process(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out)
	rec := f.get(t, id)
	assert.Equal(t, types.StatusQueueFull, rec.Status)
	assert.Equal(t, types.ReasonQueueFull, rec.ErrorMessage)
	assert.Zero(t, rec.RetryCount)
}

func TestProcessDefersWhenSecondPassCannotReachStore(t *testing.T) {
	executed := false
	f := newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
		executed = true
		return okTrade(ctx, id, sig)
	}, func(context.Context, *store.SignalRecord) types.ValidationResult {
		return types.Unavailable("duplicate lookup failed", errors.New("database is locked"))
	})
	id := f.submit(t, 12)

	out, err := f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, out)
	assert.False(t, executed)
	rec := f.get(t, id)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Empty(t, rec.ErrorMessage)
	assert.Zero(t, rec.RetryCount)
	assert.Equal(t, 1, f.queue.Len())
}

func TestProcessCancelledWhileInFlight(t *testing.T) {
	cancelSignal := func(t *testing.T, f *fixture, id string) {
		_, err := f.store.UpdateSignal(context.Background(), id, store.StatusUpdate(types.StatusCancelled, "Cancelled by operator"))
		require.NoError(t, err)
	}

	t.Run("before execution", func(t *testing.T) {
		var f *fixture
		executed := false
		f = newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
			executed = true
			return okTrade(ctx, id, sig)
		}, func(_ context.Context, rec *store.SignalRecord) types.ValidationResult {
			cancelSignal(t, f, rec.ID)
			return types.Valid()
		})
		id := f.submit(t, 13)

		out, err := f.next(t)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, out)
		assert.False(t, executed)
		rec := f.get(t, id)
		assert.Equal(t, types.StatusCancelled, rec.Status)
		assert.Equal(t, "Cancelled by operator", rec.ErrorMessage)
	})

	t.Run("during execution", func(t *testing.T) {
		var f *fixture
		f = newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
			cancelSignal(t, f, id)
			return okTrade(ctx, id, sig)
		}, allValid)
		exec := &closingExec{execFunc: f.proc.executor.(execFunc)}
		f.proc.executor = exec
		id := f.submit(t, 14)

		out, err := f.next(t)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, out)
		assert.Equal(t, []string{"trade-" + id}, exec.closed)
		rec := f.get(t, id)
		assert.Equal(t, types.StatusCancelled, rec.Status)
		assert.Equal(t, "Cancelled during execution; trade trade-"+id+" closed", rec.ErrorMessage)
		assert.Equal(t, 1, f.note.count())
	})
}

func TestProcessSkipsNonPendingSignals(t *testing.T) {
	executed := false
	f := newFixture(t, Config{}, func(ctx context.Context, id string, sig *types.CandidateSignal) (*executor.Trade, error) {
		executed = true
		return okTrade(ctx, id, sig)
	}, allValid)
	id := f.submit(t, 6)
	_, err := f.store.UpdateSignal(context.Background(), id, store.StatusUpdate(types.StatusCancelled, "Cancelled by operator"))
	require.NoError(t, err)

	out, err := f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.False(t, executed)
	assert.Equal(t, types.StatusCancelled, f.get(t, id).Status)

	require.True(t, f.queue.Enqueue("missing", types.PriorityHigh))
	out, err = f.next(t)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
}

func TestSweepExpiredMarksSignals(t *testing.T) {
	st, err := gormstore.NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(queue.Config{MaxSize: 10, Expiry: time.Millisecond})
	proc, err := New(Params{Queue: q, Store: st, Executor: execFunc(okTrade)})
	require.NoError(t, err)

	rec, err := st.CreateSignal(context.Background(), &store.SignalRecord{MessageID: 9, ChatID: 1, Symbol: "EURUSD", Direction: types.DirectionSell})
	require.NoError(t, err)
	require.True(t, q.Enqueue(rec.ID, types.PriorityLow))
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 1, proc.SweepExpired())
	got, err := st.GetSignal(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, got.Status)
	assert.Equal(t, "Expired in queue", got.ErrorMessage)
	assert.Zero(t, proc.SweepExpired())
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t, Config{SweepInterval: time.Hour}, execFunc(okTrade), allValid)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	id := f.submit(t, 7)
	require.Eventually(t, func() bool {
		rec, err := f.store.GetSignal(context.Background(), id)
		return err == nil && rec.Status == types.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.Error(t, err)
}
