package gormstore

import (
	"context"
	"fmt"
	"strings"

	"signalbridge/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveTrade upserts the trade row and every leg in one transaction.
func (s *GormStore) SaveTrade(ctx context.Context, rec *store.TradeRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("trade id 必填")
	}
	now := s.nowFn().UnixMilli()
	tm := tradeModel{
		ID:            rec.ID,
		SignalID:      rec.SignalID,
		Symbol:        strings.ToUpper(rec.Symbol),
		Direction:     rec.Direction,
		State:         rec.State,
		EntryPrice:    rec.EntryPrice,
		StopLoss:      rec.StopLoss,
		TotalVolume:   rec.TotalVolume,
		Profit:        rec.Profit,
		OpenedAtUnix:  timeToMillis(rec.OpenedAt),
		ClosedAtUnix:  ptrTimeToMillis(rec.ClosedAt),
		UpdatedAtUnix: now,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "stop_loss", "total_volume", "profit", "closed_at", "updated_at",
			}),
		}).Create(&tm).Error
		if err != nil {
			return err
		}
		if len(rec.Legs) == 0 {
			return nil
		}
		legs := make([]legModel, 0, len(rec.Legs))
		for _, l := range rec.Legs {
			legs = append(legs, legModel{
				TradeID:      rec.ID,
				LegIndex:     l.Index,
				OrderID:      l.OrderID,
				EntryPrice:   l.EntryPrice,
				FillPrice:    l.FillPrice,
				TakeProfit:   l.TakeProfit,
				StopLoss:     l.StopLoss,
				Volume:       l.Volume,
				Filled:       l.Filled,
				Closed:       l.Closed,
				ClosePrice:   l.ClosePrice,
				Profit:       l.Profit,
				ClosedAtUnix: ptrTimeToMillis(l.ClosedAt),
				Error:        l.Error,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "trade_id"}, {Name: "leg_index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"order_id", "fill_price", "stop_loss", "volume", "filled", "closed",
				"close_price", "profit", "closed_at", "error",
			}),
		}).Create(&legs).Error
	})
}

func (s *GormStore) GetTrade(ctx context.Context, id string) (*store.TradeRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var tm tradeModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tm).Error; err != nil {
		return nil, mapErr(err)
	}
	legs, err := s.legsByTrade(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	rec := tradeModelToRecord(tm, legs[id])
	return &rec, nil
}

// ListTrades returns trades newest first with their legs, batching the leg lookup.
func (s *GormStore) ListTrades(ctx context.Context, f store.TradeFilter) ([]store.TradeRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx).Model(&tradeModel{})
	if f.Symbol != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(f.Symbol))
	}
	if f.State != "" {
		tx = tx.Where("state = ?", f.State)
	}
	if f.SignalID != "" {
		tx = tx.Where("signal_id = ?", f.SignalID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var models []tradeModel
	if err := tx.Order("opened_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	legs, err := s.legsByTrade(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]store.TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToRecord(m, legs[m.ID]))
	}
	return out, nil
}

func (s *GormStore) legsByTrade(ctx context.Context, ids []string) (map[string][]legModel, error) {
	out := make(map[string][]legModel, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var legs []legModel
	if err := s.db.WithContext(ctx).Where("trade_id IN ?", ids).Order("leg_index ASC").Find(&legs).Error; err != nil {
		return nil, err
	}
	for _, l := range legs {
		out[l.TradeID] = append(out[l.TradeID], l)
	}
	return out, nil
}

func tradeModelToRecord(m tradeModel, legs []legModel) store.TradeRecord {
	rec := store.TradeRecord{
		ID:          m.ID,
		SignalID:    m.SignalID,
		Symbol:      m.Symbol,
		Direction:   m.Direction,
		State:       m.State,
		EntryPrice:  m.EntryPrice,
		StopLoss:    m.StopLoss,
		TotalVolume: m.TotalVolume,
		Profit:      m.Profit,
		OpenedAt:    millisToTime(m.OpenedAtUnix),
		ClosedAt:    millisToPtrTime(m.ClosedAtUnix),
		Legs:        make([]store.LegRecord, 0, len(legs)),
	}
	for _, l := range legs {
		rec.Legs = append(rec.Legs, store.LegRecord{
			TradeID:    l.TradeID,
			Index:      l.LegIndex,
			OrderID:    l.OrderID,
			EntryPrice: l.EntryPrice,
			FillPrice:  l.FillPrice,
			TakeProfit: l.TakeProfit,
			StopLoss:   l.StopLoss,
			Volume:     l.Volume,
			Filled:     l.Filled,
			Closed:     l.Closed,
			ClosePrice: l.ClosePrice,
			Profit:     l.Profit,
			ClosedAt:   millisToPtrTime(l.ClosedAtUnix),
			Error:      l.Error,
		})
	}
	return rec
}
