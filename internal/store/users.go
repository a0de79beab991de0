package store

import (
	"context"

	"gorm.io/gorm/clause"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/model"
)

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.User{}, translate("get user", err)
	}
	return rec.toModel(), nil
}

// GetUsers returns the users that exist among ids, keyed by id.
func (s *Store) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var recs []userRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&recs).Error; err != nil {
		return nil, translate("get users", err)
	}
	for _, r := range recs {
		out[r.ID] = r.toModel()
	}
	return out, nil
}

// SaveUser inserts u or overwrites its profile fields.
func (s *Store) SaveUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		return model.User{}, apperr.New(apperr.InvalidArgument, "user id is required")
	}
	now := s.timestamp()
	rec := userRecord{
		ID:             u.ID,
		Username:       u.Username,
		ProfilePicture: u.ProfilePicture,
		Sitter:         u.Sitter,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "profile_picture", "sitter", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return model.User{}, translate("save user", err)
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) SetSitter(ctx context.Context, id string, sitter bool) error {
	res := s.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", id).
		Updates(map[string]any{"sitter": sitter, "updated_at": s.timestamp()})
	if res.Error != nil {
		return translate("set sitter", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}
