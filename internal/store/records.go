package store

import (
	"strings"
	"time"

	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/model"
)

type userRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	Username       string `gorm:"size:128;index"`
	ProfilePicture string `gorm:"size:512"`
	Sitter         bool   `gorm:"not null;default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (userRecord) TableName() string { return "users" }

func (r userRecord) toModel() model.User {
	return model.User{
		ID:             r.ID,
		Username:       r.Username,
		ProfilePicture: r.ProfilePicture,
		Sitter:         r.Sitter,
		CreatedAt:      r.CreatedAt,
	}
}

type roomRecord struct {
	ID             string  `gorm:"primaryKey;size:64"`
	Name           string  `gorm:"size:256"`
	Type           string  `gorm:"size:16;not null"`
	CreatorID      string  `gorm:"size:64;not null;index"`
	DirectKey      *string `gorm:"size:160;uniqueIndex"`
	LastMessageID  *string `gorm:"size:64"`
	CreatedAt      time.Time
	LastActivityAt time.Time `gorm:"index"`
}

func (roomRecord) TableName() string { return "rooms" }

func (r roomRecord) toModel(participants []participantRecord) model.Room {
	room := model.Room{
		ID:             r.ID,
		Name:           r.Name,
		Type:           model.RoomType(r.Type),
		CreatorID:      r.CreatorID,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
		Participants:   make([]model.Participant, 0, len(participants)),
	}
	if r.LastMessageID != nil {
		room.LastMessageID = *r.LastMessageID
	}
	for _, p := range participants {
		room.Participants = append(room.Participants, model.Participant{
			UserID:     p.UserID,
			JoinedAt:   p.JoinedAt,
			LastReadAt: p.LastReadAt,
		})
	}
	return room
}

type participantRecord struct {
	RoomID     string `gorm:"primaryKey;size:64"`
	UserID     string `gorm:"primaryKey;size:64;index"`
	Position   int    `gorm:"not null"`
	JoinedAt   time.Time
	LastReadAt *time.Time
}

func (participantRecord) TableName() string { return "room_participants" }

type messageRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	RoomID    string    `gorm:"size:64;not null;uniqueIndex:idx_messages_room_seq,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_messages_room_seq,priority:2"`
	SenderID  string    `gorm:"size:64;not null;index:idx_messages_sender_created,priority:1"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_messages_sender_created,priority:2"`
	Read      bool      `gorm:"column:is_read;not null;default:false"`
	Deleted   bool      `gorm:"column:is_deleted;not null;default:false"`
	EditedAt  *time.Time
}

func (messageRecord) TableName() string { return "messages" }

func (r messageRecord) toModel() model.Message {
	return model.Message{
		ID:        r.ID,
		RoomID:    r.RoomID,
		SenderID:  r.SenderID,
		Seq:       r.Seq,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		Read:      r.Read,
		Deleted:   r.Deleted,
		EditedAt:  r.EditedAt,
	}
}

type pinRecord struct {
	ID              string  `gorm:"primaryKey;size:64"`
	UserID          string  `gorm:"size:64;not null;uniqueIndex"`
	Title           string  `gorm:"size:256"`
	Description     string  `gorm:"type:text"`
	Lat             float64 `gorm:"not null;index:idx_pins_lat_lon,priority:1"`
	Lon             float64 `gorm:"not null;index:idx_pins_lat_lon,priority:2"`
	ServiceRadiusKm float64 `gorm:"not null"`
	Services        string  `gorm:"size:512"`
	Availability    string  `gorm:"size:32"`
	HourlyRate      *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (pinRecord) TableName() string { return "location_pins" }

func pinToRecord(p model.LocationPin) pinRecord {
	services := make([]string, 0, len(p.Services))
	for _, s := range p.Services {
		services = append(services, string(s))
	}
	return pinRecord{
		ID:              p.ID,
		UserID:          p.UserID,
		Title:           p.Title,
		Description:     p.Description,
		Lat:             p.Location.Lat,
		Lon:             p.Location.Lon,
		ServiceRadiusKm: p.ServiceRadiusKm,
		Services:        strings.Join(services, ","),
		Availability:    string(p.Availability),
		HourlyRate:      p.HourlyRate,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (r pinRecord) toModel() model.LocationPin {
	var services []model.Service
	if r.Services != "" {
		for _, s := range strings.Split(r.Services, ",") {
			services = append(services, model.Service(s))
		}
	}
	return model.LocationPin{
		ID:              r.ID,
		UserID:          r.UserID,
		Title:           r.Title,
		Description:     r.Description,
		Location:        geo.Point{Lon: r.Lon, Lat: r.Lat},
		ServiceRadiusKm: r.ServiceRadiusKm,
		Services:        services,
		Availability:    model.Availability(r.Availability),
		HourlyRate:      r.HourlyRate,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func allModels() []any {
	return []any{&userRecord{}, &roomRecord{}, &participantRecord{}, &messageRecord{}, &pinRecord{}}
}
