// Package circuit guards calls to a flaky remote (the MT5 bridge) so a dead
// venue fails fast instead of stacking timeouts.
package circuit

import (
	"errors"
	"sync"
	"time"

	"signalbridge/internal/logger"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker opens after threshold consecutive failures and lets a single trial call
// through once cooldown has elapsed.
type Breaker struct {
	mu            sync.Mutex
	name          string
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	lastFailure   time.Time
	probing       bool
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// OnStateChange registers a handler invoked synchronously after the lock is released.
func (b *Breaker) OnStateChange(handler func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In half-open only one trial call is admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var changed func()
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.nowFn().Sub(b.lastFailure) >= b.cooldown {
			changed = b.transitionLocked(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var changed func()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		changed = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var changed func()
	b.failures++
	b.lastFailure = b.nowFn()
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			changed = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		changed = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// Reset closes the breaker, used after an explicit reconnect.
func (b *Breaker) Reset() {
	b.RecordSuccess()
}

// Do runs fn when allowed and records the outcome. Errors for which
// countable returns false (e.g. venue rejections) do not trip the breaker.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	handler := b.onStateChange
	name, failures := b.name, b.failures
	return func() {
		logger.Warnf("[circuit] %s %s -> %s (failures=%d/%d, cooldown=%s)", name, from, to, failures, b.threshold, b.cooldown)
		if handler != nil {
			handler(name, from, to)
		}
	}
}
