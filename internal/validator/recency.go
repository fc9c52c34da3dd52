package validator

import (
	"math"
	"time"

	"signalbridge/internal/types"
)

type cacheEntry struct {
	signal types.CandidateSignal
	seenAt time.Time
}

// recencyCache 有界双端队列，满了淘汰最旧条目；超出去重窗口的条目在检查时惰性清理。
type recencyCache struct {
	capacity int
	entries  []cacheEntry
}

func newRecencyCache(capacity int) *recencyCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	return &recencyCache{capacity: capacity, entries: make([]cacheEntry, 0, capacity)}
}

func (c *recencyCache) add(sig *types.CandidateSignal, now time.Time) {
	if len(c.entries) >= c.capacity {
		c.entries = append(c.entries[:0], c.entries[1:]...)
	}
	cp := *sig
	cp.TakeProfits = append([]types.TakeProfit(nil), sig.TakeProfits...)
	c.entries = append(c.entries, cacheEntry{signal: cp, seenAt: now})
}

// evictOlderThan drops entries seen before cutoff. Entries are in insertion order.
func (c *recencyCache) evictOlderThan(cutoff time.Time) {
	idx := 0
	for idx < len(c.entries) && c.entries[idx].seenAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		c.entries = append(c.entries[:0], c.entries[idx:]...)
	}
}

func (c *recencyCache) findExact(messageID, chatID int64) *types.CandidateSignal {
	if messageID == 0 {
		return nil
	}
	for i := len(c.entries) - 1; i >= 0; i-- {
		s := &c.entries[i].signal
		if s.MessageID == messageID && s.ChatID == chatID {
			return s
		}
	}
	return nil
}

func (c *recencyCache) findNear(sig *types.CandidateSignal, now time.Time, window time.Duration, tolerance float64) *types.CandidateSignal {
	for i := len(c.entries) - 1; i >= 0; i-- {
		s := &c.entries[i].signal
		if !sameCategory(s, sig) {
			continue
		}
		if sig.MessageID != 0 && s.MessageID == sig.MessageID {
			continue
		}
		if absDuration(now.Sub(s.Timestamp)) > window {
			continue
		}
		if pricesSimilar(s, sig, tolerance) {
			return s
		}
	}
	return nil
}

func (c *recencyCache) len() int { return len(c.entries) }

func (c *recencyCache) clear() { c.entries = c.entries[:0] }

func sameCategory(a, b *types.CandidateSignal) bool {
	return a.Symbol == b.Symbol &&
		a.Direction == b.Direction &&
		a.Type == b.Type &&
		a.Channel == b.Channel
}

// pricesSimilar compares entry, stop loss and every take-profit level/price pair
// within the relative tolerance.
func pricesSimilar(a, b *types.CandidateSignal, tolerance float64) bool {
	if !withinTolerance(a.EntryPrice, b.EntryPrice, tolerance) {
		return false
	}
	if !withinTolerance(a.StopLoss, b.StopLoss, tolerance) {
		return false
	}
	if len(a.TakeProfits) != len(b.TakeProfits) {
		return false
	}
	for i := range a.TakeProfits {
		if a.TakeProfits[i].Level != b.TakeProfits[i].Level {
			return false
		}
		if !withinTolerance(a.TakeProfits[i].Price, b.TakeProfits[i].Price, tolerance) {
			return false
		}
	}
	return true
}

func withinTolerance(a, b, tolerance float64) bool {
	if a == b {
		return true
	}
	ref := math.Max(math.Abs(a), math.Abs(b))
	if ref == 0 {
		return true
	}
	return math.Abs(a-b)/ref <= tolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
