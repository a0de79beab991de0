// Package sitters keeps sitter location pins and pushes them to the clients
// whose map viewport shows them.
package sitters

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/store"
)

type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)
	UpsertPin(ctx context.Context, pin model.LocationPin) (model.LocationPin, error)
	GetPinByUser(ctx context.Context, userID string) (model.LocationPin, error)
	GetPinsByUsers(ctx context.Context, userIDs []string) (map[string]model.LocationPin, error)
	DeletePinByUser(ctx context.Context, userID string) (bool, error)
	PinsNear(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.PinHit, error)
	PinsWithin(ctx context.Context, box geo.Box) ([]model.LocationPin, error)
	ListPins(ctx context.Context) ([]model.LocationPin, error)
	GetPin(ctx context.Context, id string) (model.LocationPin, error)
}

// Index is a secondary geo index over pin locations. The store stays the
// source of truth.
type Index interface {
	Set(ctx context.Context, userID string, p geo.Point) error
	Remove(ctx context.Context, userID string) error
	Replace(ctx context.Context, points map[string]geo.Point) error
	Near(ctx context.Context, center geo.Point, radiusMeters float64) ([]string, error)
}

type Config struct {
	MinViewportZoom int
}

type Service struct {
	cfg   Config
	store Store
	index Index
	hub   *hub.Hub

	// indexMu is held shared by pin writes and exclusively by rebuilds so a
	// rebuild never overwrites a concurrent Set with an older snapshot.
	indexMu sync.RWMutex
	// indexReady is false until the index has been rebuilt from the store
	// and again after any failed index write. Searches skip the index
	// while it is false.
	indexReady atomic.Bool
}

// NewService wires the service; index may be nil. A non-nil index is not
// used for searches until RebuildIndex succeeds.
func NewService(cfg Config, s Store, index Index, h *hub.Hub) *Service {
	return &Service{cfg: cfg, store: s, index: index, hub: h}
}

// RebuildIndex replaces the index contents with the pins in the store.
func (s *Service) RebuildIndex(ctx context.Context) error {
	if s.index == nil {
		return nil
	}
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	pins, err := s.store.ListPins(ctx)
	if err != nil {
		return err
	}
	points := make(map[string]geo.Point, len(pins))
	for _, p := range pins {
		points[p.UserID] = p.Location
	}
	if err := s.index.Replace(ctx, points); err != nil {
		s.indexReady.Store(false)
		return apperr.Wrap(apperr.Unavailable, err, "geo index rebuild failed")
	}
	s.indexReady.Store(true)

	lg := logging.Ctx(ctx)
	lg.Info().Int("pins", len(points)).Msg("geo index rebuilt")
	return nil
}

// MaintainIndex rebuilds the index every interval while it is out of date,
// until ctx is done.
func (s *Service) MaintainIndex(ctx context.Context, interval time.Duration) error {
	if s.index == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s.indexReady.Load() {
			continue
		}
		if err := s.RebuildIndex(ctx); err != nil && ctx.Err() == nil {
			lg := logging.Ctx(ctx)
			lg.Warn().Err(err).Msg("geo index still out of date")
		}
	}
}

// IndexReady reports whether radius searches are served from the index.
func (s *Service) IndexReady() bool {
	return s.index != nil && s.indexReady.Load()
}

func (s *Service) indexFailed(ctx context.Context, err error, userID, msg string) {
	s.indexReady.Store(false)
	lg := logging.Ctx(ctx)
	lg.Warn().Err(err).Str(logging.FieldUserID, userID).Msg(msg)
}

// PinUpdate is a location share. Profile fields left nil keep the values of
// the existing pin.
type PinUpdate struct {
	Lat           float64         `json:"lat"`
	Lng           float64         `json:"lng"`
	Title         *string         `json:"title,omitempty"`
	Description   *string         `json:"description,omitempty"`
	ServiceRadius *float64        `json:"serviceRadius,omitempty"`
	Services      []model.Service `json:"services,omitempty"`
	Availability  *string         `json:"availability,omitempty"`
	HourlyRate    *float64        `json:"hourlyRate,omitempty"`
}

type PinUpdateEvent struct {
	Pin    model.PinView     `json:"pin"`
	Sitter model.UserSummary `json:"sitter"`
}

type PinRemoved struct {
	UserID string `json:"userId"`
}

type PinsInBounds struct {
	Pins []model.PinView `json:"pins"`
	Zoom int             `json:"zoom"`
}

// PublishLocation creates or replaces the caller's pin and pushes it to
// every other connection whose viewport contains it.
func (s *Service) PublishLocation(ctx context.Context, actor hub.Actor, upd PinUpdate) (model.PinView, error) {
	point := geo.Point{Lat: upd.Lat, Lon: upd.Lng}
	if err := point.Validate(); err != nil {
		return model.PinView{}, err
	}
	// The sitter flag may change while a connection is open.
	user, err := s.store.GetUser(ctx, actor.UserID())
	if err != nil {
		return model.PinView{}, err
	}
	if !user.Sitter {
		return model.PinView{}, apperr.New(apperr.Forbidden, "only sitters can share their location")
	}

	pin, err := s.store.GetPinByUser(ctx, user.ID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		pin = model.LocationPin{
			UserID:          user.ID,
			ServiceRadiusKm: model.DefaultServiceRadiusKm,
			Availability:    model.AvailabilityPartTime,
		}
	case err != nil:
		return model.PinView{}, err
	}
	pin.Location = point
	if err := applyProfile(&pin, upd); err != nil {
		return model.PinView{}, err
	}

	pin, err = s.upsert(ctx, pin)
	if err != nil {
		return model.PinView{}, err
	}

	sitter := user.Summary()
	view := model.NewPinView(pin, &sitter)
	event := PinUpdateEvent{Pin: view, Sitter: sitter}
	for _, conn := range s.hub.Watchers(pin.Location, user.ID) {
		_ = conn.Emit(hub.EventNearbySitterUpdate, event)
	}
	return view, nil
}

func (s *Service) upsert(ctx context.Context, pin model.LocationPin) (model.LocationPin, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	pin, err := s.store.UpsertPin(ctx, pin)
	if err != nil {
		return model.LocationPin{}, err
	}
	if s.index != nil {
		if err := s.index.Set(ctx, pin.UserID, pin.Location); err != nil {
			s.indexFailed(ctx, err, pin.UserID, "geo index update failed, searching the store until rebuilt")
		}
	}
	return pin, nil
}

func applyProfile(pin *model.LocationPin, upd PinUpdate) error {
	if upd.Title != nil {
		pin.Title = strings.TrimSpace(*upd.Title)
	}
	if upd.Description != nil {
		pin.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.ServiceRadius != nil {
		r := *upd.ServiceRadius
		if math.IsNaN(r) || r < model.MinServiceRadiusKm || r > model.MaxServiceRadiusKm {
			return apperr.New(apperr.InvalidArgument, "serviceRadius must be between 1 and 50 km")
		}
		pin.ServiceRadiusKm = r
	}
	if upd.Services != nil {
		seen := map[model.Service]struct{}{}
		services := make([]model.Service, 0, len(upd.Services))
		for _, svc := range upd.Services {
			if !svc.Valid() {
				return apperr.New(apperr.InvalidArgument, "unknown service: "+string(svc))
			}
			if _, ok := seen[svc]; ok {
				continue
			}
			seen[svc] = struct{}{}
			services = append(services, svc)
		}
		pin.Services = services
	}
	if upd.Availability != nil {
		a := model.Availability(*upd.Availability)
		if !a.Valid() {
			return apperr.New(apperr.InvalidArgument, "unknown availability: "+*upd.Availability)
		}
		pin.Availability = a
	}
	if upd.HourlyRate != nil {
		rate := *upd.HourlyRate
		if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
			return apperr.New(apperr.InvalidArgument, "hourlyRate must be a non-negative number")
		}
		pin.HourlyRate = &rate
	}
	return nil
}

// SearchByRadius returns the pins within radiusMeters of center, nearest
// first, each with its distance and sitter summary.
func (s *Service) SearchByRadius(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.PinView, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if err := geo.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}

	hits, err := s.near(ctx, center, radiusMeters)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Pin.UserID)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.PinView, 0, len(hits))
	for _, h := range hits {
		sitter := model.SummaryOf(users, h.Pin.UserID)
		out = append(out, model.NewPinHitView(h, &sitter))
	}
	return out, nil
}

// near asks the index for candidates when the index is up to date and the
// whole search circle is indexable. Otherwise, or when the index fails, the
// store answers.
func (s *Service) near(ctx context.Context, center geo.Point, radiusMeters float64) ([]model.PinHit, error) {
	if !s.IndexReady() || !geo.Covers(center, radiusMeters) {
		return s.store.PinsNear(ctx, center, radiusMeters)
	}
	ids, err := s.index.Near(ctx, center, radiusMeters)
	if err != nil {
		lg := logging.Ctx(ctx)
		lg.Warn().Err(err).Msg("geo index search failed, using store")
		return s.store.PinsNear(ctx, center, radiusMeters)
	}
	pins, err := s.store.GetPinsByUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	candidates := make([]model.LocationPin, 0, len(pins))
	for _, p := range pins {
		candidates = append(candidates, p)
	}
	return store.RankPins(candidates, center, radiusMeters), nil
}

// SearchByBounds returns the pins inside box. A box with north <= south or
// east <= west yields no pins.
func (s *Service) SearchByBounds(ctx context.Context, box geo.Box) ([]model.PinView, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	pins, err := s.store.PinsWithin(ctx, box)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, pins)
}

// RemovePin deletes the caller's pin. Removing a missing pin is not an error.
func (s *Service) RemovePin(ctx context.Context, actor hub.Actor) error {
	pin, err := s.store.GetPinByUser(ctx, actor.UserID())
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	removed, err := s.delete(ctx, actor.UserID())
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	notice := PinRemoved{UserID: actor.UserID()}
	for _, conn := range s.hub.Watchers(pin.Location, actor.UserID()) {
		_ = conn.Emit(hub.EventPinRemoved, notice)
	}
	return nil
}

func (s *Service) delete(ctx context.Context, userID string) (bool, error) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()

	removed, err := s.store.DeletePinByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if s.index != nil {
		if err := s.index.Remove(ctx, userID); err != nil {
			s.indexFailed(ctx, err, userID, "geo index removal failed, searching the store until rebuilt")
		}
	}
	return removed, nil
}

// UpdateViewport records the map area shown by the actor's connection and,
// when zoomed in far enough, pushes the pins inside it back to that
// connection. It reports whether a snapshot was sent.
func (s *Service) UpdateViewport(ctx context.Context, actor hub.Actor, vp hub.Viewport) (bool, error) {
	if actor.Conn == nil {
		return false, apperr.New(apperr.InvalidArgument, "viewport updates need a live connection")
	}
	if err := vp.Box.Validate(); err != nil {
		return false, err
	}
	if err := s.hub.SetViewport(actor.Conn, vp); err != nil {
		return false, apperr.Wrap(apperr.Unavailable, err, "connection closed")
	}
	if vp.Zoom < s.cfg.MinViewportZoom {
		return false, nil
	}

	pins, err := s.SearchByBounds(ctx, vp.Box)
	if err != nil {
		return false, err
	}
	_ = actor.Conn.Emit(hub.EventPinsInBounds, PinsInBounds{Pins: pins, Zoom: vp.Zoom})
	return true, nil
}

// GetPinByUser returns the pin of userID with its sitter summary.
func (s *Service) GetPinByUser(ctx context.Context, userID string) (model.PinView, error) {
	pin, err := s.store.GetPinByUser(ctx, userID)
	if err != nil {
		return model.PinView{}, err
	}
	views, err := s.views(ctx, []model.LocationPin{pin})
	if err != nil {
		return model.PinView{}, err
	}
	return views[0], nil
}

// GetPin returns the pin with the given pin id.
func (s *Service) GetPin(ctx context.Context, id string) (model.PinView, error) {
	pin, err := s.store.GetPin(ctx, id)
	if err != nil {
		return model.PinView{}, err
	}
	views, err := s.views(ctx, []model.LocationPin{pin})
	if err != nil {
		return model.PinView{}, err
	}
	return views[0], nil
}

func (s *Service) views(ctx context.Context, pins []model.LocationPin) ([]model.PinView, error) {
	ids := make([]string, 0, len(pins))
	for _, p := range pins {
		ids = append(ids, p.UserID)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.PinView, 0, len(pins))
	for _, p := range pins {
		sitter := model.SummaryOf(users, p.UserID)
		out = append(out, model.NewPinView(p, &sitter))
	}
	return out, nil
}
