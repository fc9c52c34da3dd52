package notifier

import (
	"context"
	"errors"

	"signalbridge/internal/logger"
)

// TextNotifier is the only thing producers depend on.
type TextNotifier interface {
	SendText(text string) error
}

var ErrNotifyBacklog = errors.New("notification backlog full")

// Async decouples producers (which may hold locks) from a slow transport:
// SendText only enqueues, Run delivers.
type Async struct {
	next TextNotifier
	ch   chan string
}

func NewAsync(next TextNotifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	return &Async{next: next, ch: make(chan string, buffer)}
}

// SendText never blocks; it drops the message when the backlog is full.
func (a *Async) SendText(text string) error {
	select {
	case a.ch <- text:
		return nil
	default:
		logger.Warnf("[notifier] backlog full, message dropped")
		return ErrNotifyBacklog
	}
}

// Run delivers queued messages until ctx is done.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-a.ch:
			if err := a.next.SendText(text); err != nil {
				logger.Warnf("[notifier] send failed: %v", err)
			}
		}
	}
}

// Discard drops everything; used when notifications are disabled.
type Discard struct{}

func (Discard) SendText(string) error { return nil }
