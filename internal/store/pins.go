package store

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/model"
)

var pinUpdateColumns = []string{
	"title", "description", "lat", "lon", "service_radius_km",
	"services", "availability", "hourly_rate", "updated_at",
}

// UpsertPin creates or replaces the pin of pin.UserID in a single statement.
// The pin id and creation time of an existing pin are kept.
func (s *Store) UpsertPin(ctx context.Context, pin model.LocationPin) (model.LocationPin, error) {
	now := s.timestamp()
	rec := pinToRecord(pin)
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(pinUpdateColumns),
	}).Create(&rec).Error
	if err != nil {
		return model.LocationPin{}, translate("upsert pin", err)
	}
	return s.GetPinByUser(ctx, pin.UserID)
}

func (s *Store) GetPinByUser(ctx context.Context, userID string) (model.LocationPin, error) {
	var rec pinRecord
	if err := s.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		return model.LocationPin{}, translate("get pin", err)
	}
	return rec.toModel(), nil
}

func (s *Store) GetPin(ctx context.Context, id string) (model.LocationPin, error) {
	var rec pinRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return model.LocationPin{}, translate("get pin", err)
	}
	return rec.toModel(), nil
}

// ListPins returns every pin. It is used to rebuild secondary indexes.
func (s *Store) ListPins(ctx context.Context) ([]model.LocationPin, error) {
	var recs []pinRecord
	if err := s.db.WithContext(ctx).Order("user_id").Find(&recs).Error; err != nil {
		return nil, translate("list pins", err)
	}
	out := make([]model.LocationPin, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// GetPinsByUsers returns the pins owned by userIDs, keyed by user id.
func (s *Store) GetPinsByUsers(ctx context.Context, userIDs []string) (map[string]model.LocationPin, error) {
	out := make(map[string]model.LocationPin, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var recs []pinRecord
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&recs).Error; err != nil {
		return nil, translate("get pins", err)
	}
	for _, r := range recs {
		out[r.UserID] = r.toModel()
	}
	return out, nil
}

// DeletePinByUser reports whether a pin was removed.
func (s *Store) DeletePinByUser(ctx context.Context, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&pinRecord{})
	if res.Error != nil {
		return false, translate("delete pin", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PinsNear returns the pins within radiusMeters of center ordered by
// increasing great-circle distance. A lat/lon window query narrows the
// candidates before the exact distance check.
func (s *Store) PinsNear(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.PinHit, error) {
	windows := geo.RadiusWindows(center, radiusMeters)

	q := s.db.WithContext(ctx).Model(&pinRecord{})
	cond := s.db.Session(&gorm.Session{NewDB: true})
	for i, w := range windows {
		expr := "lat BETWEEN ? AND ? AND lon BETWEEN ? AND ?"
		if i == 0 {
			cond = cond.Where(expr, w.MinLat, w.MaxLat, w.MinLon, w.MaxLon)
		} else {
			cond = cond.Or(expr, w.MinLat, w.MaxLat, w.MinLon, w.MaxLon)
		}
	}

	var recs []pinRecord
	if err := q.Where(cond).Find(&recs).Error; err != nil {
		return nil, translate("pins near", err)
	}
	pins := make([]model.LocationPin, 0, len(recs))
	for _, r := range recs {
		pins = append(pins, r.toModel())
	}
	return RankPins(pins, center, radiusMeters), nil
}

// RankPins keeps the pins within radiusMeters of center, nearest first.
func RankPins(pins []model.LocationPin, center geo.Point, radiusMeters float64) []model.PinHit {
	hits := make([]model.PinHit, 0, len(pins))
	for _, pin := range pins {
		d := geo.Distance(center, pin.Location)
		if d > radiusMeters {
			continue
		}
		hits = append(hits, model.PinHit{Pin: pin, DistanceMeters: d})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].Pin.UserID < hits[j].Pin.UserID
	})
	return hits
}

// PinsWithin returns the pins inside box, edges included. An empty box
// matches nothing.
func (s *Store) PinsWithin(ctx context.Context, box geo.Box) ([]model.LocationPin, error) {
	if box.Empty() {
		return []model.LocationPin{}, nil
	}
	var recs []pinRecord
	err := s.db.WithContext(ctx).
		Where("lat >= ? AND lat <= ? AND lon >= ? AND lon <= ?", box.South, box.North, box.West, box.East).
		Order("updated_at DESC").Order("user_id").
		Find(&recs).Error
	if err != nil {
		return nil, translate("pins within", err)
	}
	out := make([]model.LocationPin, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}
