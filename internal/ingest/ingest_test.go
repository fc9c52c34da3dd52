package ingest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedPublishAndBackpressure(t *testing.T) {
	f := NewFeed(1)
	require.NoError(t, f.Publish(context.Background(), Message{Text: "a"}))
	assert.ErrorIs(t, f.TryPublish(Message{Text: "b"}), ErrFeedFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Publish(ctx, Message{Text: "c"})
	assert.ErrorIs(t, err, ErrFeedFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := <-f.Messages()
	assert.Equal(t, "a", got.Text)

	f.Close()
	assert.ErrorIs(t, f.TryPublish(Message{Text: "d"}), ErrFeedClosed)
	_, open := <-f.Messages()
	assert.False(t, open)
}

type fakeUpdates struct {
	ch      chan tgbotapi.Update
	cfg     tgbotapi.UpdateConfig
	stopped atomic.Bool
}

func (f *fakeUpdates) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	f.cfg = cfg
	return f.ch
}

func (f *fakeUpdates) StopReceivingUpdates() { f.stopped.Store(true) }

func channelPost(id int, chat tgbotapi.Chat, text string) tgbotapi.Update {
	return tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		MessageID: id,
		Chat:      &chat,
		Date:      1748858400,
		Text:      text,
	}}
}

func TestTelegramSourcePublishesAllowedPosts(t *testing.T) {
	src := &fakeUpdates{ch: make(chan tgbotapi.Update, 8)}
	feed := NewFeed(8)
	ts := NewTelegramSourceWith(src, TelegramConfig{Channels: []string{"@GoldVip", "-1002"}}, feed)

	vip := tgbotapi.Chat{ID: -1001, Type: "channel", Title: "Gold VIP", UserName: "goldvip"}
	byID := tgbotapi.Chat{ID: -1002, Type: "channel", Title: "Other"}
	blocked := tgbotapi.Chat{ID: -1003, Type: "channel", Title: "Spam"}

	src.ch <- channelPost(1, vip, "XAUUSD BUY NOW")
	src.ch <- channelPost(2, blocked, "EURUSD SELL")
	src.ch <- channelPost(3, byID, "")
	src.ch <- tgbotapi.Update{Message: &tgbotapi.Message{MessageID: 4, Chat: &byID, Date: 1748858400, Caption: "GBPUSD BUY"}}
	src.ch <- tgbotapi.Update{}
	close(src.ch)

	require.NoError(t, ts.Run(context.Background()))
	assert.True(t, src.stopped.Load())
	assert.Equal(t, 60, src.cfg.Timeout)
	assert.Equal(t, []string{"channel_post", "message"}, src.cfg.AllowedUpdates)

	require.Equal(t, 2, feed.Len())
	first := <-feed.Messages()
	assert.Equal(t, Message{
		Text:      "XAUUSD BUY NOW",
		MessageID: 1,
		ChatID:    -1001,
		Channel:   "Gold VIP",
		Timestamp: time.Unix(1748858400, 0).UTC(),
	}, first)
	second := <-feed.Messages()
	assert.Equal(t, "GBPUSD BUY", second.Text)
	assert.EqualValues(t, 4, second.MessageID)
}

func TestTelegramSourceStopsOnCancel(t *testing.T) {
	src := &fakeUpdates{ch: make(chan tgbotapi.Update)}
	ts := NewTelegramSourceWith(src, TelegramConfig{}, NewFeed(1))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.True(t, src.stopped.Load())
}

func TestWebhookDecoder(t *testing.T) {
	d, err := NewWebhookDecoder()
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	d.nowFn = func() time.Time { return fixed }

	tests := []struct {
		name    string
		body    string
		want    Message
		wantErr bool
	}{
		{
			name: "numeric ids and unix timestamp",
			body: `{"text":"XAUUSD BUY","message_id":42,"chat_id":-1001234567890,"channel":" gold ","timestamp":1748858400}`,
			want: Message{Text: "XAUUSD BUY", MessageID: 42, ChatID: -1001234567890, Channel: "gold", Timestamp: time.Unix(1748858400, 0).UTC()},
		},
		{
			name: "string ids and rfc3339",
			body: `{"text":"EURUSD SELL","message_id":"7","chat_id":"-5","timestamp":"2025-06-02T09:30:00Z"}`,
			want: Message{Text: "EURUSD SELL", MessageID: 7, ChatID: -5, Timestamp: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)},
		},
		{
			name: "defaults to now",
			body: `{"text":"GBPUSD BUY"}`,
			want: Message{Text: "GBPUSD BUY", Timestamp: fixed},
		},
		{name: "missing text", body: `{"message_id":1}`, wantErr: true},
		{name: "empty text", body: `{"text":""}`, wantErr: true},
		{name: "bad id type", body: `{"text":"x","message_id":true}`, wantErr: true},
		{name: "non numeric id string", body: `{"text":"x","message_id":"abc"}`, wantErr: true},
		{name: "not json", body: `text=hi`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.Decode([]byte(tc.body))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMessageOrigin(t *testing.T) {
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	o := Message{MessageID: 3, ChatID: -9, Channel: " vip ", Timestamp: ts}.Origin()
	assert.EqualValues(t, 3, o.MessageID)
	assert.EqualValues(t, -9, o.ChatID)
	assert.Equal(t, "vip", o.Channel)
	assert.Equal(t, ts, o.Timestamp)
}
