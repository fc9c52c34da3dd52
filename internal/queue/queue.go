// Package queue implements the in-process priority work queue between
// ingestion and execution.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"signalbridge/internal/logger"
	"signalbridge/internal/types"
)

const (
	defaultMaxSize = 1000
	defaultExpiry  = 30 * time.Minute
)

// Item 队列元素，只由队列持有。
type Item struct {
	SignalID    string         `json:"signal_id"`
	Priority    types.Priority `json:"priority"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	RetryCount  int            `json:"retry_count"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	TotalQueued     int            `json:"total_queued"`
	TotalProcessed  int            `json:"total_processed"`
	TotalRetried    int            `json:"total_retried"`
	TotalExpired    int            `json:"total_expired"`
	CurrentSize     int            `json:"current_size"`
	SizesByPriority map[string]int `json:"sizes_by_priority"`
}

type Config struct {
	MaxSize int
	Expiry  time.Duration
}

// Queue 三级严格优先级、级内 FIFO；所有操作由同一把锁互斥。
type Queue struct {
	maxSize int
	expiry  time.Duration
	nowFn   func() time.Time

	mu        sync.Mutex
	tiers     map[types.Priority]*list.List
	retries   map[string]int
	queued    int
	processed int
	retried   int
	expired   int

	notify chan struct{}

	// OnExpired is invoked (outside the lock) with ids dropped at dequeue time.
	OnExpired func(ids []string)
}

func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}
	q := &Queue{
		maxSize: cfg.MaxSize,
		expiry:  cfg.Expiry,
		nowFn:   time.Now,
		tiers:   make(map[types.Priority]*list.List, len(types.Priorities)),
		retries: make(map[string]int),
		notify:  make(chan struct{}, 1),
	}
	for _, p := range types.Priorities {
		q.tiers[p] = list.New()
	}
	return q
}

// Enqueue adds a signal. It returns false, leaving the queue untouched, when full.
func (q *Queue) Enqueue(signalID string, p types.Priority) bool {
	q.mu.Lock()
	ok := q.pushLocked(&Item{SignalID: signalID, Priority: p, EnqueuedAt: q.nowFn()})
	if ok {
		q.queued++
	}
	q.mu.Unlock()
	if ok {
		q.signal()
		logger.Debugf("[queue] enqueued %s priority=%s", signalID, p)
	} else {
		logger.Warnf("[queue] full (max=%d), rejected %s", q.maxSize, signalID)
	}
	return ok
}

// Retry re-enqueues a signal with its attempt counter incremented.
// Enforcing the retry budget is up to the caller.
func (q *Queue) Retry(signalID string, p types.Priority) bool {
	q.mu.Lock()
	now := q.nowFn()
	count := q.retries[signalID] + 1
	ok := q.pushLocked(&Item{SignalID: signalID, Priority: p, EnqueuedAt: now, RetryCount: count, LastRetryAt: &now})
	if ok {
		q.retries[signalID] = count
		q.retried++
	}
	q.mu.Unlock()
	if ok {
		q.signal()
		logger.Infof("[queue] retry %s attempt=%d priority=%s", signalID, count, p)
	}
	return ok
}

// Dequeue returns the oldest item of the highest non-empty tier, or nil.
// Items older than the expiry are dropped and reported through OnExpired.
func (q *Queue) Dequeue() *Item {
	var dropped []string
	q.mu.Lock()
	now := q.nowFn()
	var item *Item
	for item == nil {
		next := q.popLocked()
		if next == nil {
			break
		}
		if now.Sub(next.EnqueuedAt) > q.expiry {
			dropped = append(dropped, next.SignalID)
			delete(q.retries, next.SignalID)
			q.expired++
			continue
		}
		item = next
	}
	if item != nil {
		q.processed++
		if item.RetryCount == 0 {
			delete(q.retries, item.SignalID)
		}
	}
	q.mu.Unlock()
	if len(dropped) > 0 {
		logger.Warnf("[queue] dropped %d expired items", len(dropped))
		if q.OnExpired != nil {
			q.OnExpired(dropped)
		}
	}
	return item
}

// Done forgets retry bookkeeping for a signal that reached a final outcome.
func (q *Queue) Done(signalID string) {
	q.mu.Lock()
	delete(q.retries, signalID)
	q.mu.Unlock()
}

// Remove drops a queued signal (e.g. administrative cancel). Reports whether it was found.
func (q *Queue) Remove(signalID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range types.Priorities {
		l := q.tiers[p]
		for e := l.Front(); e != nil; e = e.Next() {
			if e.Value.(*Item).SignalID == signalID {
				l.Remove(e)
				delete(q.retries, signalID)
				return true
			}
		}
	}
	return false
}

// ClearExpired removes every item older than the expiry and returns their ids.
func (q *Queue) ClearExpired() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	var ids []string
	for _, p := range types.Priorities {
		l := q.tiers[p]
		for e := l.Front(); e != nil; {
			next := e.Next()
			it := e.Value.(*Item)
			if now.Sub(it.EnqueuedAt) > q.expiry {
				l.Remove(e)
				delete(q.retries, it.SignalID)
				ids = append(ids, it.SignalID)
			}
			e = next
		}
	}
	q.expired += len(ids)
	return ids
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	sizes := make(map[string]int, len(types.Priorities))
	for _, p := range types.Priorities {
		sizes[p.String()] = q.tiers[p].Len()
	}
	return Stats{
		TotalQueued:     q.queued,
		TotalProcessed:  q.processed,
		TotalRetried:    q.retried,
		TotalExpired:    q.expired,
		CurrentSize:     q.sizeLocked(),
		SizesByPriority: sizes,
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

// Wait blocks until an item may be available or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	if q.Len() > 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.notify:
		return nil
	}
}

func (q *Queue) pushLocked(it *Item) bool {
	if q.sizeLocked() >= q.maxSize {
		return false
	}
	l, ok := q.tiers[it.Priority]
	if !ok {
		it.Priority = types.PriorityNormal
		l = q.tiers[it.Priority]
	}
	l.PushBack(it)
	return true
}

func (q *Queue) popLocked() *Item {
	for _, p := range types.Priorities {
		l := q.tiers[p]
		if front := l.Front(); front != nil {
			l.Remove(front)
			return front.Value.(*Item)
		}
	}
	return nil
}

func (q *Queue) sizeLocked() int {
	n := 0
	for _, l := range q.tiers {
		n += l.Len()
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
