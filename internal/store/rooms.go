package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/model"
)

// DirectKey identifies the direct room of an unordered user pair.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateRoom persists room with its participants in order. For direct rooms a
// second room for the same pair fails with Conflict.
func (s *Store) CreateRoom(ctx context.Context, room model.Room) (model.Room, error) {
	if len(room.Participants) == 0 {
		return model.Room{}, apperr.New(apperr.InvalidArgument, "room needs participants")
	}
	now := s.timestamp()
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	rec := roomRecord{
		ID:             room.ID,
		Name:           room.Name,
		Type:           string(room.Type),
		CreatorID:      room.CreatorID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if room.Type == model.RoomDirect {
		if len(room.Participants) != 2 {
			return model.Room{}, apperr.New(apperr.InvalidArgument, "direct rooms have exactly two participants")
		}
		key := DirectKey(room.Participants[0].UserID, room.Participants[1].UserID)
		rec.DirectKey = &key
	}

	parts := make([]participantRecord, 0, len(room.Participants))
	for i, p := range room.Participants {
		parts = append(parts, participantRecord{
			RoomID:   room.ID,
			UserID:   p.UserID,
			Position: i,
			JoinedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return model.Room{}, translate("create room", err)
	}
	return rec.toModel(parts), nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (model.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.Room{}, translate("get room", err)
	}
	parts, err := s.participants(ctx, []string{rec.ID})
	if err != nil {
		return model.Room{}, err
	}
	return rec.toModel(parts[rec.ID]), nil
}

func (s *Store) FindDirectRoom(ctx context.Context, a, b string) (model.Room, error) {
	var rec roomRecord
	err := s.db.WithContext(ctx).First(&rec, "direct_key = ?", DirectKey(a, b)).Error
	if err != nil {
		return model.Room{}, translate("find direct room", err)
	}
	parts, err := s.participants(ctx, []string{rec.ID})
	if err != nil {
		return model.Room{}, err
	}
	return rec.toModel(parts[rec.ID]), nil
}

// ListRoomsForUser returns the rooms userID participates in, most recently
// active first.
func (s *Store) ListRoomsForUser(ctx context.Context, userID string) ([]model.Room, error) {
	db := s.db.WithContext(ctx)
	member := db.Model(&participantRecord{}).Select("room_id").Where("user_id = ?", userID)

	var recs []roomRecord
	err := db.Where("id IN (?)", member).
		Order("last_activity_at DESC").Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, translate("list rooms", err)
	}
	if len(recs) == 0 {
		return []model.Room{}, nil
	}

	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	parts, err := s.participants(ctx, ids)
	if err != nil {
		return nil, err
	}

	rooms := make([]model.Room, 0, len(recs))
	for _, r := range recs {
		rooms = append(rooms, r.toModel(parts[r.ID]))
	}
	return rooms, nil
}

func (s *Store) participants(ctx context.Context, roomIDs []string) (map[string][]participantRecord, error) {
	var recs []participantRecord
	err := s.db.WithContext(ctx).Where("room_id IN ?", roomIDs).
		Order("room_id").Order("position").
		Find(&recs).Error
	if err != nil {
		return nil, translate("load participants", err)
	}
	out := make(map[string][]participantRecord, len(roomIDs))
	for _, p := range recs {
		out[p.RoomID] = append(out[p.RoomID], p)
	}
	return out, nil
}

// AddParticipant appends userID to the room. It reports false when the user
// was already a participant.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room roomRecord
		if err := tx.Select("id").First(&room, "id = ?", roomID).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&participantRecord{}).
			Where("room_id = ? AND user_id = ?", roomID, userID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		var maxPos sql.NullInt64
		if err := tx.Model(&participantRecord{}).
			Where("room_id = ?", roomID).
			Select("MAX(position)").Row().Scan(&maxPos); err != nil {
			return err
		}
		pos := 0
		if maxPos.Valid {
			pos = int(maxPos.Int64) + 1
		}
		now := s.timestamp()
		if err := tx.Create(&participantRecord{RoomID: roomID, UserID: userID, Position: pos, JoinedAt: now}).Error; err != nil {
			return err
		}
		added = true
		return tx.Model(&roomRecord{}).Where("id = ?", roomID).Update("last_activity_at", now).Error
	})
	if err != nil {
		return false, translate("add participant", err)
	}
	return added, nil
}

// RemoveParticipant reports whether userID was removed from the room.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&participantRecord{})
	if res.Error != nil {
		return false, translate("remove participant", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkRead records that userID has read the room up to now and flags every
// message from other senders as read.
func (s *Store) MarkRead(ctx context.Context, roomID, userID string) (model.Participant, error) {
	now := s.timestamp()
	var part participantRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&participantRecord{}).
			Where("room_id = ? AND user_id = ?", roomID, userID).
			Update("last_read_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.Model(&messageRecord{}).
			Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, userID, false).
			Update("is_read", true).Error; err != nil {
			return err
		}
		return tx.First(&part, "room_id = ? AND user_id = ?", roomID, userID).Error
	})
	if err != nil {
		return model.Participant{}, translate("mark read", err)
	}
	return model.Participant{UserID: part.UserID, JoinedAt: part.JoinedAt, LastReadAt: part.LastReadAt}, nil
}

// RenameRoom sets the display name of the room and bumps its activity time.
func (s *Store) RenameRoom(ctx context.Context, roomID, name string) (model.Room, error) {
	res := s.db.WithContext(ctx).Model(&roomRecord{}).Where("id = ?", roomID).
		Updates(map[string]any{"name": name, "last_activity_at": s.timestamp()})
	if res.Error != nil {
		return model.Room{}, translate("rename room", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.Room{}, translate("rename room", gorm.ErrRecordNotFound)
	}
	return s.GetRoom(ctx, roomID)
}

// DeleteRoom removes the room, its participants and all of its messages in
// one transaction.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&messageRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&participantRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", roomID).Delete(&roomRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return translate("delete room", err)
	}
	return nil
}
