// Package ingest moves raw channel messages into the pipeline through a
// bounded feed. Sources (Telegram, webhook) only publish; the service drains.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"signalbridge/internal/types"
)

const defaultBuffer = 256

// ErrFeedFull 缓冲区已满且调用方 ctx 先到期。
var ErrFeedFull = errors.New("ingest feed full")

// ErrFeedClosed is returned by Publish after Close.
var ErrFeedClosed = errors.New("ingest feed closed")

// Message 一条来自频道的原始消息。
type Message struct {
	Text      string    `json:"text"`
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Origin converts the message identifiers for the parser.
func (m Message) Origin() types.Origin {
	return types.Origin{
		MessageID: m.MessageID,
		ChatID:    m.ChatID,
		Channel:   strings.TrimSpace(m.Channel),
		Timestamp: m.Timestamp,
	}
}

// Feed is a bounded FIFO between sources and the consumer.
type Feed struct {
	ch chan Message

	mu     sync.RWMutex
	closed bool
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Feed{ch: make(chan Message, buffer)}
}

// Publish enqueues msg, waiting for room until ctx is done.
func (f *Feed) Publish(ctx context.Context, msg Message) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	select {
	case f.ch <- msg:
		return nil
	default:
	}
	select {
	case f.ch <- msg:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrFeedFull, ctx.Err())
	}
}

// TryPublish never blocks.
func (f *Feed) TryPublish(msg Message) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	select {
	case f.ch <- msg:
		return nil
	default:
		return ErrFeedFull
	}
}

func (f *Feed) Messages() <-chan Message {
	return f.ch
}

func (f *Feed) Len() int {
	return len(f.ch)
}

// Close stops accepting messages; buffered ones stay readable.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.ch)
}
