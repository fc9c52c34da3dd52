// Package scheduler runs periodic maintenance tasks (health checks, queue
// sweeps, day rollover) on their own goroutine until the context ends.
package scheduler

import (
	"context"
	"time"

	"signalbridge/internal/logger"
)

// Scheduler fires task every Interval. When Align is set the first run waits
// for the next UTC multiple of Align, so a 24h align fires at midnight.
type Scheduler struct {
	Name           string
	Interval       time.Duration
	Align          time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func New(name string, interval time.Duration) *Scheduler {
	return &Scheduler{Name: name, Interval: interval, nowFn: time.Now}
}

// Run blocks until ctx is done. A panicking task is logged and the loop keeps going.
func (s *Scheduler) Run(ctx context.Context, task func(context.Context)) error {
	if s == nil || task == nil {
		return nil
	}
	if s.Interval <= 0 {
		logger.Warnf("[scheduler] %s: invalid interval=%s, not started", s.Name, s.Interval)
		return nil
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Infof("[scheduler] %s started interval=%s align=%s run_immediately=%v", s.Name, s.Interval, s.Align, s.RunImmediately)

	if s.RunImmediately {
		s.safeRun(ctx, task)
	}
	next := s.firstAt(s.nowFn())
	for {
		wait := next.Sub(s.nowFn())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] %s: ctx done, exit", s.Name)
			return nil
		case <-timer.C:
		}
		s.safeRun(ctx, task)
		next = nextFixedTimeAfter(next, s.Interval, s.nowFn())
	}
}

func (s *Scheduler) firstAt(now time.Time) time.Time {
	now = now.UTC()
	if s.Align <= 0 {
		return now.Add(s.Interval)
	}
	return now.Truncate(s.Align).Add(s.Align)
}

func (s *Scheduler) safeRun(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[scheduler] %s task panic: %v", s.Name, r)
		}
	}()
	task(ctx)
}

// nextFixedTimeAfter keeps runs on the anchor grid even when a task overran.
func nextFixedTimeAfter(anchor time.Time, interval time.Duration, now time.Time) time.Time {
	anchor = anchor.UTC()
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	delta := now.Sub(anchor)
	if delta < 0 {
		return anchor
	}
	k := delta / interval
	return anchor.Add((k + 1) * interval)
}
