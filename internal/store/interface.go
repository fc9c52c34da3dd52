package store

import (
	"context"
	"errors"
	"time"

	"signalbridge/internal/types"
)

// ErrNotFound is returned by lookups by primary key.
var ErrNotFound = errors.New("record not found")

// SignalStore persists signals. FindByNaturalKey / FindRecentMatching return (nil, nil) on miss.
type SignalStore interface {
	// CreateSignal assigns an ID when empty and stores the record.
	CreateSignal(ctx context.Context, rec *SignalRecord) (*SignalRecord, error)
	GetSignal(ctx context.Context, id string) (*SignalRecord, error)
	// UpdateSignal applies a partial update; status changes go through types.CheckTransition.
	UpdateSignal(ctx context.Context, id string, upd SignalUpdate) (*SignalRecord, error)
	FindByNaturalKey(ctx context.Context, messageID, chatID int64) (*SignalRecord, error)
	FindRecentMatching(ctx context.Context, q RecentQuery) (*SignalRecord, error)
	ListSignals(ctx context.Context, f SignalFilter) ([]SignalRecord, int64, error)
}

// TradeStore persists executed trades together with their legs.
type TradeStore interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	GetTrade(ctx context.Context, id string) (*TradeRecord, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]TradeRecord, error)
}

// StatsStore persists per-day performance statistics.
type StatsStore interface {
	GetDailyStats(ctx context.Context, day time.Time) (*DailyStats, error)
	SaveDailyStats(ctx context.Context, st *DailyStats) error
	ListDailyStats(ctx context.Context, from, to time.Time) ([]DailyStats, error)
}

// Store 聚合全部仓储，gormstore.GormStore 同时实现三者。
type Store interface {
	SignalStore
	TradeStore
	StatsStore
	Close() error
}

// SignalUpdate 部分更新，nil 字段保持不变。
type SignalUpdate struct {
	Status       *types.SignalStatus
	ErrorMessage *string
	ProcessedAt  *time.Time
	RetryCount   *int
}

// StatusUpdate is a convenience for the common status(+reason) change.
func StatusUpdate(status types.SignalStatus, reason string) SignalUpdate {
	upd := SignalUpdate{Status: &status}
	if reason != "" {
		upd.ErrorMessage = &reason
	}
	return upd
}

// RecentQuery 近似重复查询：同品种/方向/类型/频道，Around±Window 内，早于 Before。
type RecentQuery struct {
	Symbol           string
	Direction        types.Direction
	Type             types.SignalType
	Channel          string
	Around           time.Time
	Window           time.Duration
	ExcludeID        string
	ExcludeMessageID int64
	Before           time.Time
}

type SignalFilter struct {
	Channel string
	Symbol  string
	Status  types.SignalStatus
	Skip    int
	Limit   int
}

type TradeFilter struct {
	Symbol   string
	State    string
	SignalID string
	Limit    int
}
