package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/model"
)

// AppendMessage stores m with the next sequence number of its room and moves
// the room's last-message pointer in the same transaction. The room row is
// updated first so concurrent appends to one room serialize on it.
func (s *Store) AppendMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.timestamp()
	}
	rec := messageRecord{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomRecord{}).Where("id = ?", m.RoomID).Updates(map[string]any{
			"last_message_id":  m.ID,
			"last_activity_at": rec.CreatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var maxSeq sql.NullInt64
		if err := tx.Model(&messageRecord{}).
			Where("room_id = ?", m.RoomID).
			Select("MAX(seq)").Row().Scan(&maxSeq); err != nil {
			return err
		}
		rec.Seq = maxSeq.Int64 + 1
		return tx.Create(&rec).Error
	})
	if err != nil {
		return model.Message{}, translate("append message", err)
	}
	return rec.toModel(), nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	var rec messageRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Message{}, translate("get message", err)
	}
	return rec.toModel(), nil
}

// GetMessages returns the messages that exist among ids, keyed by id.
func (s *Store) GetMessages(ctx context.Context, ids []string) (map[string]model.Message, error) {
	out := make(map[string]model.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []messageRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, translate("get messages", err)
	}
	for _, r := range recs {
		out[r.ID] = r.toModel()
	}
	return out, nil
}

func (s *Store) EditMessage(ctx context.Context, id, content string) (model.Message, error) {
	now := s.timestamp()
	return s.updateMessage(ctx, "edit message", id, map[string]any{
		"content":   content,
		"edited_at": now,
	})
}

// SoftDeleteMessage replaces the content with a tombstone. The row itself is
// only removed together with its room.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string) (model.Message, error) {
	return s.updateMessage(ctx, "delete message", id, map[string]any{
		"content":    model.DeletedMessageContent,
		"is_deleted": true,
	})
}

func (s *Store) updateMessage(ctx context.Context, op, id string, fields map[string]any) (model.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRecord{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		return tx.First(&rec, "id = ?", id).Error
	})
	if err != nil {
		return model.Message{}, translate(op, err)
	}
	return rec.toModel(), nil
}

// ListRoomMessages returns the latest limit messages of a room, oldest first.
// Soft-deleted messages are left out unless includeDeleted is set.
func (s *Store) ListRoomMessages(ctx context.Context, roomID string, limit int, includeDeleted bool) ([]model.Message, error) {
	if limit <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "limit must be positive")
	}
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	var recs []messageRecord
	if err := q.Order("seq DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, translate("list room messages", err)
	}

	out := make([]model.Message, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r.toModel()
	}
	return out, nil
}

// ListUserMessages returns the most recent messages sent by userID across all
// rooms, newest first.
func (s *Store) ListUserMessages(ctx context.Context, userID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, "limit must be positive")
	}
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND is_deleted = ?", userID, false).
		Order("created_at DESC").Order("seq DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, translate("list user messages", err)
	}
	out := make([]model.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}
