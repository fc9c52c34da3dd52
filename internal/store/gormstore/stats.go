package gormstore

import (
	"context"
	"fmt"
	"time"

	"signalbridge/internal/store"

	"gorm.io/gorm/clause"
)

const dayLayout = "2006-01-02"

func dayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// GetDailyStats returns store.ErrNotFound when the day has no row yet.
func (s *GormStore) GetDailyStats(ctx context.Context, day time.Time) (*store.DailyStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var m dailyModel
	if err := s.db.WithContext(ctx).Where("day = ?", dayKey(day)).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	st, err := dailyModelToStats(m)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *GormStore) SaveDailyStats(ctx context.Context, st *store.DailyStats) error {
	if err := s.ready(); err != nil {
		return err
	}
	if st == nil || st.Date.IsZero() {
		return fmt.Errorf("daily stats date 必填")
	}
	m := dailyModel{
		Day:           dayKey(st.Date),
		TotalTrades:   st.TotalTrades,
		Wins:          st.Wins,
		Losses:        st.Losses,
		GrossProfit:   st.GrossProfit,
		GrossLoss:     st.GrossLoss,
		NetProfit:     st.NetProfit,
		WinRate:       st.WinRate,
		ProfitFactor:  st.ProfitFactor,
		MaxDrawdown:   st.MaxDrawdown,
		PeakProfit:    st.PeakProfit,
		UpdatedAtUnix: s.nowFn().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "day"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// ListDailyStats returns days in [from, to] (inclusive, UTC dates) oldest first.
func (s *GormStore) ListDailyStats(ctx context.Context, from, to time.Time) ([]store.DailyStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []dailyModel
	if err := s.db.WithContext(ctx).
		Where("day >= ? AND day <= ?", dayKey(from), dayKey(to)).
		Order("day ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.DailyStats, 0, len(models))
	for _, m := range models {
		st, err := dailyModelToStats(m)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func dailyModelToStats(m dailyModel) (store.DailyStats, error) {
	day, err := time.Parse(dayLayout, m.Day)
	if err != nil {
		return store.DailyStats{}, fmt.Errorf("daily_stats 日期格式错误 %q: %w", m.Day, err)
	}
	return store.DailyStats{
		Date:         day,
		TotalTrades:  m.TotalTrades,
		Wins:         m.Wins,
		Losses:       m.Losses,
		GrossProfit:  m.GrossProfit,
		GrossLoss:    m.GrossLoss,
		NetProfit:    m.NetProfit,
		WinRate:      m.WinRate,
		ProfitFactor: m.ProfitFactor,
		MaxDrawdown:  m.MaxDrawdown,
		PeakProfit:   m.PeakProfit,
		UpdatedAt:    millisToTime(m.UpdatedAtUnix),
	}, nil
}
