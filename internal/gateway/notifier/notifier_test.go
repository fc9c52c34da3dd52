package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelegram(url string) *Telegram {
	tg := NewTelegram("TOKEN", "-100")
	tg.APIBase = url
	tg.sleep = func(time.Duration) {}
	return tg
}

func TestTelegramSendTextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "-100", body["chat_id"])
		assert.Equal(t, "Markdown", body["parse_mode"])
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestTelegram(srv.URL).SendText("hello"))
	assert.EqualValues(t, 3, calls.Load())
}

func TestTelegramSendTextStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := newTestTelegram(srv.URL).SendText("hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.EqualValues(t, 1, calls.Load())
}

func TestTelegramRequiresConfig(t *testing.T) {
	assert.Error(t, NewTelegram("", "").SendText("x"))
}

func TestStructuredMessageRenderMarkdown(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "📈",
		Title: "Trade opened",
		Sections: []MessageSection{
			{Title: "XAUUSD BUY", Lines: []string{"entry 3373", "  ", "sl 3360 ```x```"}},
			{Title: "empty", Lines: []string{""}},
		},
		Footer:    "signalbridge",
		Timestamp: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	out := msg.RenderMarkdown()
	assert.True(t, strings.HasPrefix(out, "📈 Trade opened\n\n```\nXAUUSD BUY\n- entry 3373\n- sl 3360 '''x'''\n"))
	assert.NotContains(t, out, "empty")
	assert.Contains(t, out, "signalbridge\n")
	assert.True(t, strings.HasSuffix(out, "2025-06-02 10:00:00 UTC"))

	long := StructuredMessage{Title: strings.Repeat("a", maxStructuredMessageLen+50)}
	assert.Len(t, long.RenderMarkdown(), maxStructuredMessageLen+3)
}

type collect struct {
	mu  chan struct{}
	got []string
}

func (c *collect) SendText(text string) error {
	c.got = append(c.got, text)
	c.mu <- struct{}{}
	return nil
}

func TestAsyncDeliversAndDropsOnBacklog(t *testing.T) {
	sink := &collect{mu: make(chan struct{}, 4)}
	a := NewAsync(sink, 1)
	require.NoError(t, a.SendText("one"))
	assert.ErrorIs(t, a.SendText("two"), ErrNotifyBacklog)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case <-sink.mu:
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"one"}, sink.got)
	assert.NoError(t, Send(nil, StructuredMessage{Title: "x"}))
	assert.NoError(t, Discard{}.SendText("x"))
}
