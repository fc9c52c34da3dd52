package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"signalbridge/internal/store"
	"signalbridge/internal/types"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// signalMetadata 不参与查询的字段以 JSON 存储。
type signalMetadata struct {
	StopLossPips *int               `json:"stop_loss_pips,omitempty"`
	TakeProfits  []types.TakeProfit `json:"take_profits"`
	Notes        string             `json:"additional_notes,omitempty"`
	RawMessage   string             `json:"raw_message"`
}

// CreateSignal stores rec. An exact natural-key duplicate returns the existing
// record; (message_id, chat_id) is unique for every non-zero message_id.
func (s *GormStore) CreateSignal(ctx context.Context, rec *store.SignalRecord) (*store.SignalRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("signal record 不能为空")
	}
	var out *store.SignalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.MessageID != 0 {
			existing, err := findByNaturalKey(tx, rec.MessageID, rec.ChatID)
			if err != nil {
				return err
			}
			if existing != nil {
				out = existing
				return nil
			}
		}
		cp := *rec
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.Status == "" {
			cp.Status = types.StatusPending
		}
		if cp.Type == "" {
			cp.Type = types.SignalTypeMarket
		}
		now := s.nowFn().UTC()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		m, err := newSignalModel(cp)
		if err != nil {
			return err
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		out, err = signalModelToRecord(m)
		return err
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) && rec.MessageID != 0 {
		// 并发写入同一条消息：唯一索引兜底，返回先落库的那条
		existing, ferr := findByNaturalKey(s.db.WithContext(ctx), rec.MessageID, rec.ChatID)
		if ferr == nil && existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) GetSignal(ctx context.Context, id string) (*store.SignalRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var m signalModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, mapErr(err)
	}
	return signalModelToRecord(m)
}

// UpdateSignal applies upd atomically; a status change that breaks the
// lifecycle returns types.ErrIllegalTransition and writes nothing.
func (s *GormStore) UpdateSignal(ctx context.Context, id string, upd store.SignalUpdate) (*store.SignalRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out *store.SignalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m signalModel
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			return mapErr(err)
		}
		payload := map[string]interface{}{
			"updated_at": s.nowFn().UnixMilli(),
		}
		if upd.Status != nil && types.SignalStatus(m.Status) != *upd.Status {
			if err := types.CheckTransition(types.SignalStatus(m.Status), *upd.Status); err != nil {
				return err
			}
			payload["status"] = string(*upd.Status)
		}
		if upd.ErrorMessage != nil {
			payload["error_message"] = *upd.ErrorMessage
		}
		if upd.ProcessedAt != nil {
			payload["processed_at"] = timeToMillis(*upd.ProcessedAt)
		}
		if upd.RetryCount != nil {
			payload["retry_count"] = *upd.RetryCount
		}
		if err := tx.Model(&signalModel{}).Where("id = ?", id).Updates(payload).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			return mapErr(err)
		}
		var err error
		out, err = signalModelToRecord(m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) FindByNaturalKey(ctx context.Context, messageID, chatID int64) (*store.SignalRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return findByNaturalKey(s.db.WithContext(ctx), messageID, chatID)
}

func findByNaturalKey(db *gorm.DB, messageID, chatID int64) (*store.SignalRecord, error) {
	var m signalModel
	err := db.Where("message_id = ? AND chat_id = ?", messageID, chatID).
		Order("created_at ASC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return signalModelToRecord(m)
}

// FindRecentMatching returns the most recent signal with the same
// symbol/direction/type/channel created within Around±Window.
func (s *GormStore) FindRecentMatching(ctx context.Context, q store.RecentQuery) (*store.SignalRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx := s.db.WithContext(ctx).
		Where("symbol = ? AND direction = ? AND channel_name = ?", strings.ToUpper(q.Symbol), string(q.Direction), q.Channel).
		Where("created_at BETWEEN ? AND ?", q.Around.Add(-q.Window).UnixMilli(), q.Around.Add(q.Window).UnixMilli())
	if q.Type != "" {
		tx = tx.Where("signal_type = ?", string(q.Type))
	}
	if q.ExcludeID != "" {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}
	if q.ExcludeMessageID != 0 {
		tx = tx.Where("message_id <> ?", q.ExcludeMessageID)
	}
	if !q.Before.IsZero() {
		tx = tx.Where("created_at < ?", q.Before.UnixMilli())
	}
	var m signalModel
	err := tx.Order("created_at DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return signalModelToRecord(m)
}

// ListSignals returns one page, newest first, plus the total matching count.
func (s *GormStore) ListSignals(ctx context.Context, f store.SignalFilter) ([]store.SignalRecord, int64, error) {
	if err := s.ready(); err != nil {
		return nil, 0, err
	}
	tx := s.db.WithContext(ctx).Model(&signalModel{})
	if f.Channel != "" {
		tx = tx.Where("channel_name = ?", f.Channel)
	}
	if f.Symbol != "" {
		tx = tx.Where("symbol = ?", strings.ToUpper(f.Symbol))
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", string(f.Status))
	}
	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []signalModel
	if err := tx.Order("created_at DESC").Offset(f.Skip).Limit(limit).Find(&models).Error; err != nil {
		return nil, 0, err
	}
	out := make([]store.SignalRecord, 0, len(models))
	for _, m := range models {
		rec, err := signalModelToRecord(m)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, nil
}

func newSignalModel(rec store.SignalRecord) (signalModel, error) {
	meta, err := json.Marshal(signalMetadata{
		StopLossPips: rec.StopLossPips,
		TakeProfits:  rec.TakeProfits,
		Notes:        rec.Notes,
		RawMessage:   rec.RawMessage,
	})
	if err != nil {
		return signalModel{}, fmt.Errorf("序列化 signal metadata 失败: %w", err)
	}
	return signalModel{
		ID:               rec.ID,
		MessageID:        rec.MessageID,
		ChatID:           rec.ChatID,
		Channel:          rec.Channel,
		SignalType:       string(rec.Type),
		Symbol:           strings.ToUpper(rec.Symbol),
		Direction:        string(rec.Direction),
		EntryPrice:       rec.EntryPrice,
		StopLoss:         rec.StopLoss,
		RiskReward:       rec.RiskReward,
		Confidence:       rec.Confidence,
		Status:           string(rec.Status),
		OriginalSignalID: rec.OriginalSignalID,
		ErrorMessage:     rec.ErrorMessage,
		RetryCount:       rec.RetryCount,
		Metadata:         datatypes.JSON(meta),
		SignalTimeUnix:   timeToMillis(rec.SignalTime),
		CreatedAtUnix:    timeToMillis(rec.CreatedAt),
		UpdatedAtUnix:    timeToMillis(rec.UpdatedAt),
		ProcessedAtUnix:  ptrTimeToMillis(rec.ProcessedAt),
	}, nil
}

func signalModelToRecord(m signalModel) (*store.SignalRecord, error) {
	var meta signalMetadata
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("解析 signal %s metadata 失败: %w", m.ID, err)
		}
	}
	return &store.SignalRecord{
		ID:               m.ID,
		MessageID:        m.MessageID,
		ChatID:           m.ChatID,
		Channel:          m.Channel,
		Type:             types.SignalType(m.SignalType),
		Symbol:           m.Symbol,
		Direction:        types.Direction(m.Direction),
		EntryPrice:       m.EntryPrice,
		StopLoss:         m.StopLoss,
		StopLossPips:     meta.StopLossPips,
		TakeProfits:      meta.TakeProfits,
		RiskReward:       m.RiskReward,
		Confidence:       m.Confidence,
		Notes:            meta.Notes,
		RawMessage:       meta.RawMessage,
		Status:           types.SignalStatus(m.Status),
		OriginalSignalID: m.OriginalSignalID,
		ErrorMessage:     m.ErrorMessage,
		RetryCount:       m.RetryCount,
		SignalTime:       millisToTime(m.SignalTimeUnix),
		CreatedAt:        millisToTime(m.CreatedAtUnix),
		UpdatedAt:        millisToTime(m.UpdatedAtUnix),
		ProcessedAt:      millisToPtrTime(m.ProcessedAtUnix),
	}, nil
}
