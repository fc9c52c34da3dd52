// Package processor drains the priority queue: second-pass validation,
// execution, retry bookkeeping and status persistence for each signal.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalbridge/internal/executor"
	"signalbridge/internal/gateway/notifier"
	"signalbridge/internal/logger"
	"signalbridge/internal/queue"
	"signalbridge/internal/scheduler"
	"signalbridge/internal/store"
	"signalbridge/internal/types"
	"signalbridge/internal/validator"

	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxRetries        = 3
	defaultSweepInterval     = time.Minute
	defaultConnectionBackoff = 5 * time.Second
	defaultConnectionLimit   = 10
	storeTimeout             = 5 * time.Second
)

type Config struct {
	MaxRetries    int
	SweepInterval time.Duration
	// ConnectionBackoff 连接失败后暂停出队的时间。
	ConnectionBackoff time.Duration
	// ConnectionFailureLimit 连续连接失败达到该次数后 Run 返回错误，交由上层处理。
	ConnectionFailureLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ConnectionBackoff <= 0 {
		c.ConnectionBackoff = defaultConnectionBackoff
	}
	if c.ConnectionFailureLimit <= 0 {
		c.ConnectionFailureLimit = defaultConnectionLimit
	}
	return c
}

// SecondPass re-validates a stored signal right before execution.
type SecondPass interface {
	ValidatePersisted(ctx context.Context, rec *store.SignalRecord) types.ValidationResult
}

// TradeExecutor is the part of *executor.Executor the processor drives.
type TradeExecutor interface {
	Execute(ctx context.Context, signalID string, sig *types.CandidateSignal) (*executor.Trade, error)
	CloseTrade(ctx context.Context, tradeID string) error
}

type Params struct {
	Config    Config
	Queue     *queue.Queue
	Store     store.SignalStore
	Validator SecondPass
	Executor  TradeExecutor
	Notifier  notifier.TextNotifier
}

// Outcome summarises what happened to one dequeued item.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDeferred  Outcome = "deferred"
)

type Processor struct {
	cfg       Config
	queue     *queue.Queue
	store     store.SignalStore
	validator SecondPass
	executor  TradeExecutor
	notifier  notifier.TextNotifier
	nowFn     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	connFailures int
}

func New(p Params) (*Processor, error) {
	if p.Queue == nil || p.Store == nil || p.Executor == nil {
		return nil, fmt.Errorf("processor: queue, store and executor are required")
	}
	proc := &Processor{
		cfg:       p.Config.withDefaults(),
		queue:     p.Queue,
		store:     p.Store,
		validator: p.Validator,
		executor:  p.Executor,
		notifier:  p.Notifier,
		nowFn:     time.Now,
		sleep:     sleepCtx,
	}
	p.Queue.OnExpired = proc.markExpired
	return proc, nil
}

// Run consumes the queue and sweeps expired items until ctx is done. It only
// returns an error when the venue stays unreachable for ConnectionFailureLimit
// consecutive attempts.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper := scheduler.New("queue-expiry", p.cfg.SweepInterval)
		return sweeper.Run(gctx, func(context.Context) { p.SweepExpired() })
	})
	g.Go(func() error { return p.loop(gctx) })
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) error {
	logger.Infof("[processor] started max_retries=%d", p.cfg.MaxRetries)
	for {
		item := p.queue.Dequeue()
		if item == nil {
			if err := p.queue.Wait(ctx); err != nil {
				logger.Infof("[processor] stopped")
				return nil
			}
			continue
		}
		outcome, err := p.safeProcess(ctx, item)
		if err != nil {
			return err
		}
		if outcome == OutcomeDeferred {
			if err := p.sleep(ctx, p.cfg.ConnectionBackoff); err != nil {
				return nil
			}
		}
	}
}

func (p *Processor) safeProcess(ctx context.Context, item *queue.Item) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[processor] panic processing %s: %v", item.SignalID, r)
			p.finish(ctx, item.SignalID, types.StatusFailed, fmt.Sprintf("Execution failed: internal error: %v", r))
			out, err = OutcomeFailed, nil
		}
	}()
	return p.Process(ctx, item)
}

// Process handles one dequeued item end to end.
func (p *Processor) Process(ctx context.Context, item *queue.Item) (Outcome, error) {
	id := item.SignalID
	rec, err := p.store.GetSignal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warnf("[processor] signal %s not found, dropped", id)
		p.queue.Done(id)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return p.connectionTrouble(ctx, item, types.ConnectionFailure("load signal", err))
	}
	if rec.Status != types.StatusPending {
		logger.Infof("[processor] signal %s is %s, skipped", id, rec.Status)
		p.queue.Done(id)
		return OutcomeSkipped, nil
	}
	if _, err := p.store.UpdateSignal(ctx, id, store.StatusUpdate(types.StatusProcessing, "")); err != nil {
		if errors.Is(err, types.ErrIllegalTransition) {
			p.queue.Done(id)
			return OutcomeSkipped, nil
		}
		return p.connectionTrouble(ctx, item, types.ConnectionFailure("mark processing", err))
	}

	if p.validator != nil {
		res := p.validator.ValidatePersisted(ctx, rec)
		if res.Err != nil {
			p.revert(ctx, id, rec.RetryCount)
			return p.connectionTrouble(ctx, item, res.Err)
		}
		if !res.Valid {
			if validator.IsDuplicate(res) {
				p.finish(ctx, id, types.StatusDuplicate, res.Reason)
				return OutcomeDuplicate, nil
			}
			p.finish(ctx, id, types.StatusFailed, "Validation failed: "+res.Reason)
			p.notifyFailure(rec, "Validation failed: "+res.Reason)
			return OutcomeFailed, nil
		}
	}

	// 校验期间可能被操作员取消
	if cur, err := p.store.GetSignal(ctx, id); err == nil && cur.Status != types.StatusProcessing {
		logger.Infof("[processor] signal %s became %s before execution, skipped", id, cur.Status)
		p.queue.Done(id)
		return OutcomeSkipped, nil
	}

	trade, err := p.executor.Execute(ctx, id, rec.Candidate())
	if err != nil {
		return p.handleExecutionError(ctx, item, rec, err)
	}
	p.connFailures = 0
	if err := p.finish(ctx, id, types.StatusExecuted, ""); errors.Is(err, types.ErrIllegalTransition) {
		return p.executedAfterCancel(ctx, rec, trade)
	}
	logger.Infof("[processor] signal %s executed trade=%s legs=%d", id, trade.ID, len(trade.Legs))
	return OutcomeExecuted, nil
}

// executedAfterCancel handles a signal cancelled while its orders were going
// out: the cancel wins, so the fresh trade is closed and the conflict recorded.
func (p *Processor) executedAfterCancel(ctx context.Context, rec *store.SignalRecord, trade *executor.Trade) (Outcome, error) {
	reason := fmt.Sprintf("Cancelled during execution; trade %s closed", trade.ID)
	if err := p.executor.CloseTrade(ctx, trade.ID); err != nil {
		reason = fmt.Sprintf("Cancelled during execution; closing trade %s failed: %v", trade.ID, err)
		logger.Errorf("[processor] signal %s: %s", rec.ID, reason)
	} else {
		logger.Warnf("[processor] signal %s: %s", rec.ID, reason)
	}
	if _, err := p.store.UpdateSignal(ctx, rec.ID, store.SignalUpdate{ErrorMessage: &reason}); err != nil {
		logger.Errorf("[processor] record cancel conflict on %s failed: %v", rec.ID, err)
	}
	p.notifyFailure(rec, reason)
	return OutcomeSkipped, nil
}

func (p *Processor) handleExecutionError(ctx context.Context, item *queue.Item, rec *store.SignalRecord, err error) (Outcome, error) {
	id := rec.ID
	switch {
	case errors.Is(err, types.ErrConnection):
		p.revert(ctx, id, rec.RetryCount)
		return p.connectionTrouble(ctx, item, err)
	case types.IsRetryable(err):
		p.connFailures = 0
		if rec.RetryCount < p.cfg.MaxRetries {
			next := rec.RetryCount + 1
			p.revert(ctx, id, next)
			if p.queue.Retry(id, item.Priority) {
				logger.Warnf("[processor] signal %s execution failed, retry %d/%d: %v", id, next, p.cfg.MaxRetries, err)
				return OutcomeRetried, nil
			}
			logger.Warnf("[processor] signal %s retry rejected, queue full", id)
		}
		reason := "Execution failed: " + types.FailureReason(err)
		p.finish(ctx, id, types.StatusFailed, reason)
		p.notifyFailure(rec, reason)
		return OutcomeFailed, nil
	default:
		p.connFailures = 0
		reason := failurePrefix(err) + types.FailureReason(err)
		p.finish(ctx, id, types.StatusFailed, reason)
		p.notifyFailure(rec, reason)
		return OutcomeFailed, nil
	}
}

// connectionTrouble puts the item back without spending its retry budget.
// A full queue leaves the signal QUEUE_FULL rather than silently PENDING.
func (p *Processor) connectionTrouble(ctx context.Context, item *queue.Item, err error) (Outcome, error) {
	p.connFailures++
	if !p.queue.Enqueue(item.SignalID, item.Priority) {
		logger.Errorf("[processor] could not requeue %s after connection failure, queue full", item.SignalID)
		if _, uerr := p.store.UpdateSignal(ctx, item.SignalID, store.StatusUpdate(types.StatusQueueFull, types.ReasonQueueFull)); uerr != nil {
			logger.Errorf("[processor] mark %s queue full failed: %v", item.SignalID, uerr)
		}
	}
	logger.Warnf("[processor] connection failure %d/%d on %s: %v",
		p.connFailures, p.cfg.ConnectionFailureLimit, item.SignalID, err)
	if p.connFailures >= p.cfg.ConnectionFailureLimit {
		return OutcomeDeferred, fmt.Errorf("processor: venue unreachable after %d attempts: %w", p.connFailures, err)
	}
	return OutcomeDeferred, nil
}

// revert moves a PROCESSING signal back to PENDING for another attempt.
func (p *Processor) revert(ctx context.Context, id string, retries int) {
	st := types.StatusPending
	upd := store.SignalUpdate{Status: &st, RetryCount: &retries}
	if _, err := p.store.UpdateSignal(ctx, id, upd); err != nil {
		logger.Errorf("[processor] revert %s to PENDING failed: %v", id, err)
	}
}

func (p *Processor) finish(ctx context.Context, id string, status types.SignalStatus, reason string) error {
	p.queue.Done(id)
	now := p.nowFn().UTC()
	upd := store.SignalUpdate{Status: &status, ProcessedAt: &now}
	if reason != "" {
		upd.ErrorMessage = &reason
	}
	if _, err := p.store.UpdateSignal(ctx, id, upd); err != nil {
		logger.Errorf("[processor] persist %s=%s failed: %v", id, status, err)
		return err
	}
	logger.Infof("[processor] signal %s -> %s %s", id, status, reason)
	return nil
}

// SweepExpired drops stale queue items and marks their signals EXPIRED.
func (p *Processor) SweepExpired() int {
	ids := p.queue.ClearExpired()
	if len(ids) > 0 {
		p.markExpired(ids)
	}
	return len(ids)
}

func (p *Processor) markExpired(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	for _, id := range ids {
		_, err := p.store.UpdateSignal(ctx, id, store.StatusUpdate(types.StatusExpired, "Expired in queue"))
		if err != nil && !errors.Is(err, types.ErrIllegalTransition) {
			logger.Warnf("[processor] mark %s expired failed: %v", id, err)
		}
	}
	logger.Infof("[processor] expired %d queued signals", len(ids))
}

func (p *Processor) notifyFailure(rec *store.SignalRecord, reason string) {
	if p.notifier == nil {
		return
	}
	msg := notifier.StructuredMessage{
		Icon:  "⚠️",
		Title: "Signal failed",
		Sections: []notifier.MessageSection{{
			Lines: []string{
				fmt.Sprintf("%s %s @ %v", rec.Symbol, rec.Direction, rec.EntryPrice),
				"channel: " + rec.Channel,
				reason,
			},
		}},
		Timestamp: p.nowFn(),
	}
	if err := p.notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[processor] notify failure: %v", err)
	}
}

func failurePrefix(err error) string {
	switch {
	case errors.Is(err, types.ErrValidation):
		return "Validation failed: "
	case errors.Is(err, types.ErrSizing):
		return "Sizing failed: "
	default:
		return "Execution failed: "
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
