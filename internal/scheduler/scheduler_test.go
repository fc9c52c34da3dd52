package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30s", 30 * time.Second, true},
		{"15m", 15 * time.Minute, true},
		{" 1H ", time.Hour, true},
		{"7d", 7 * 24 * time.Hour, true},
		{"2w", 14 * 24 * time.Hour, true},
		{"0d", 0, false},
		{"d", 0, false},
		{"5y", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseIntervalDuration(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextFixedTimeAfter(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, anchor, nextFixedTimeAfter(anchor, time.Minute, anchor.Add(-time.Second)))
	assert.Equal(t, anchor.Add(3*time.Minute), nextFixedTimeAfter(anchor, time.Minute, anchor.Add(150*time.Second)))
}

func TestFirstAtAligned(t *testing.T) {
	s := New("daily", 24*time.Hour)
	s.Align = 24 * time.Hour
	now := time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC), s.firstAt(now))

	s.Align = 0
	assert.Equal(t, now.Add(24*time.Hour), s.firstAt(now))
}

func TestRunTicksAndSurvivesPanic(t *testing.T) {
	s := New("test", 5*time.Millisecond)
	s.RunImmediately = true
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx, func(context.Context) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
		})
		close(done)
	}()
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
