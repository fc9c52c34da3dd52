// Package service is the administrative surface of the pipeline: message
// submission plus signal, queue, trade and statistics queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/ingest"
	"signalbridge/internal/logger"
	"signalbridge/internal/queue"
	"signalbridge/internal/stats"
	"signalbridge/internal/store"
	"signalbridge/internal/types"
	"signalbridge/internal/validator"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

const (
	reasonParse     = "Failed to parse trading signal from message"
	reasonCancelled = "Cancelled by operator"
)

// ErrNotCancellable 信号已离开 PENDING/PROCESSING。
var ErrNotCancellable = errors.New("signal cannot be cancelled in its current state")

type Parser interface {
	ParseWithOrigin(text string, origin types.Origin) *types.CandidateSignal
}

// FirstPass is the pre-persistence validator.
type FirstPass interface {
	Validate(ctx context.Context, sig *types.CandidateSignal) types.ValidationResult
	ClearCache()
}

type TradeSource interface {
	ActiveTrades() []executor.Trade
	CloseAll(ctx context.Context) error
}

// CacheClearer is anything holding a cache the operator may flush (e.g. broker symbol info).
type CacheClearer interface {
	ClearCache()
}

type Params struct {
	Parser    Parser
	Validator FirstPass
	Store     store.Store
	Queue     *queue.Queue
	Trades    TradeSource
	Stats     *stats.Recorder
	Caches    []CacheClearer
}

type Service struct {
	parser    Parser
	validator FirstPass
	store     store.Store
	queue     *queue.Queue
	trades    TradeSource
	stats     *stats.Recorder
	caches    []CacheClearer
	nowFn     func() time.Time
}

func New(p Params) (*Service, error) {
	if p.Parser == nil || p.Validator == nil || p.Store == nil || p.Queue == nil {
		return nil, fmt.Errorf("service: parser, validator, store and queue are required")
	}
	return &Service{
		parser:    p.Parser,
		validator: p.Validator,
		store:     p.Store,
		queue:     p.Queue,
		trades:    p.Trades,
		stats:     p.Stats,
		caches:    p.Caches,
		nowFn:     time.Now,
	}, nil
}

// SubmitMessage parses, validates, persists and enqueues one message.
// A persisted record is returned whenever one exists, together with the
// pipeline error explaining a non-PENDING outcome.
func (s *Service) SubmitMessage(ctx context.Context, msg ingest.Message) (*store.SignalRecord, error) {
	sig := s.parser.ParseWithOrigin(msg.Text, msg.Origin())
	if sig == nil {
		logger.Infof("[service] message %d chat=%d not a signal", msg.MessageID, msg.ChatID)
		return nil, types.NewFailure(types.KindStructuralParse, reasonParse, nil)
	}

	res := s.validator.Validate(ctx, sig)
	if res.Err != nil {
		return nil, res.Err
	}
	if !res.Valid {
		return s.persistRejected(ctx, sig, res)
	}

	pending := store.NewSignalRecord(sig, types.StatusPending)
	pending.ID = uuid.NewString()
	rec, err := s.store.CreateSignal(ctx, pending)
	if err != nil {
		return nil, types.ConnectionFailure("persist signal", err)
	}
	if rec.ID != pending.ID {
		// 自然键已存在，返回旧记录，不重复入队
		return rec, types.ValidationFailure("Duplicate signal")
	}
	return s.enqueue(ctx, rec)
}

func (s *Service) persistRejected(ctx context.Context, sig *types.CandidateSignal, res types.ValidationResult) (*store.SignalRecord, error) {
	if !validator.IsDuplicate(res) {
		rec := store.NewSignalRecord(sig, types.StatusFailed)
		rec.ErrorMessage = "Validation failed: " + res.Reason
		saved, err := s.store.CreateSignal(ctx, rec)
		if err != nil {
			return nil, types.ConnectionFailure("persist rejected signal", err)
		}
		return saved, types.ValidationFailure(res.Reason)
	}

	if cast.ToString(res.Details["duplicate_type"]) == "exact" && sig.MessageID != 0 {
		existing, err := s.store.FindByNaturalKey(ctx, sig.MessageID, sig.ChatID)
		if err != nil {
			return nil, types.ConnectionFailure("lookup duplicate", err)
		}
		if existing != nil {
			return existing, types.ValidationFailure(res.Reason)
		}
	}

	rec := store.NewSignalRecord(sig, types.StatusDuplicate)
	rec.ErrorMessage = res.Reason
	rec.OriginalSignalID = s.originalID(ctx, res)
	saved, err := s.store.CreateSignal(ctx, rec)
	if err != nil {
		return nil, types.ConnectionFailure("persist duplicate signal", err)
	}
	return saved, types.ValidationFailure(res.Reason)
}

// originalID resolves the back-reference of a duplicate; the recency cache
// only knows the original's natural key.
func (s *Service) originalID(ctx context.Context, res types.ValidationResult) string {
	if id := cast.ToString(res.Details["original_signal_id"]); id != "" {
		return id
	}
	msgID := cast.ToInt64(res.Details["original_message_id"])
	if msgID == 0 {
		return ""
	}
	orig, err := s.store.FindByNaturalKey(ctx, msgID, cast.ToInt64(res.Details["original_chat_id"]))
	if err != nil || orig == nil {
		return ""
	}
	return orig.ID
}

func (s *Service) enqueue(ctx context.Context, rec *store.SignalRecord) (*store.SignalRecord, error) {
	if s.queue.Enqueue(rec.ID, types.PriorityNormal) {
		return rec, nil
	}
	logger.Warnf("[service] queue full, signal %s %s marked QUEUE_FULL", rec.ID, rec.Symbol)
	updated, err := s.store.UpdateSignal(ctx, rec.ID, store.StatusUpdate(types.StatusQueueFull, types.ReasonQueueFull))
	if err != nil {
		return rec, types.ConnectionFailure("mark queue full", err)
	}
	return updated, types.NewFailure(types.KindQueueFull, types.ReasonQueueFull, nil)
}

// ResubmitSignal puts a QUEUE_FULL signal back into the queue.
func (s *Service) ResubmitSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	rec, err := s.store.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != types.StatusQueueFull {
		return rec, fmt.Errorf("%w: %s -> %s", types.ErrIllegalTransition, rec.Status, types.StatusPending)
	}
	rec, err = s.store.UpdateSignal(ctx, id, store.StatusUpdate(types.StatusPending, ""))
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, rec)
}

func (s *Service) GetSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	return s.store.GetSignal(ctx, strings.TrimSpace(id))
}

func (s *Service) ListSignals(ctx context.Context, f store.SignalFilter) ([]store.SignalRecord, int64, error) {
	return s.store.ListSignals(ctx, f)
}

func (s *Service) QueueStats() queue.Stats {
	return s.queue.Stats()
}

// CancelSignal cancels a PENDING or PROCESSING signal and drops it from the queue.
func (s *Service) CancelSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	rec, err := s.store.GetSignal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Cancellable() {
		return rec, fmt.Errorf("%w (status %s)", ErrNotCancellable, rec.Status)
	}
	removed := s.queue.Remove(id)
	now := s.nowFn().UTC()
	st := types.StatusCancelled
	reason := reasonCancelled
	rec, err = s.store.UpdateSignal(ctx, id, store.SignalUpdate{Status: &st, ErrorMessage: &reason, ProcessedAt: &now})
	if err != nil {
		return nil, err
	}
	logger.Infof("[service] signal %s cancelled (dequeued=%v)", id, removed)
	return rec, nil
}

// ClearCaches flushes the recency cache and every registered venue cache.
func (s *Service) ClearCaches() {
	s.validator.ClearCache()
	for _, c := range s.caches {
		c.ClearCache()
	}
	logger.Infof("[service] caches cleared")
}

func (s *Service) ActiveTrades() []executor.Trade {
	if s.trades == nil {
		return nil
	}
	return s.trades.ActiveTrades()
}

// CloseAllTrades is the operator emergency stop: every open leg is closed.
func (s *Service) CloseAllTrades(ctx context.Context) error {
	if s.trades == nil {
		return nil
	}
	logger.Warnf("[service] operator requested close of %d active trades", len(s.trades.ActiveTrades()))
	return s.trades.CloseAll(ctx)
}

func (s *Service) ListTrades(ctx context.Context, f store.TradeFilter) ([]store.TradeRecord, error) {
	return s.store.ListTrades(ctx, f)
}

// DailyStats returns the stored days in [from, to] and their summary.
func (s *Service) DailyStats(ctx context.Context, from, to time.Time) ([]store.DailyStats, stats.Summary, error) {
	if s.stats == nil {
		return nil, stats.Summary{}, fmt.Errorf("statistics are not enabled")
	}
	if to.Before(from) {
		from, to = to, from
	}
	days, err := s.stats.Range(ctx, from, to)
	if err != nil {
		return nil, stats.Summary{}, err
	}
	return days, stats.Summarize(from, to, days), nil
}

// RunIngest drains feed into SubmitMessage until ctx is done or the feed closes.
func (s *Service) RunIngest(ctx context.Context, feed *ingest.Feed) error {
	logger.Infof("[service] ingest consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-feed.Messages():
			if !ok {
				logger.Infof("[service] ingest feed closed")
				return nil
			}
			rec, err := s.SubmitMessage(ctx, msg)
			switch {
			case err == nil:
				logger.Infof("[service] signal %s queued: %s %s", rec.ID, rec.Symbol, rec.Direction)
			case errors.Is(err, types.ErrStructuralParse):
				// 普通聊天消息，忽略
			case errors.Is(err, types.ErrConnection):
				logger.Errorf("[service] message %d chat=%d: %v", msg.MessageID, msg.ChatID, err)
			default:
				logger.Warnf("[service] message %d chat=%d: %v", msg.MessageID, msg.ChatID, err)
			}
		}
	}
}
