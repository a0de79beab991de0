package model

import (
	"time"

	"pawkeeper-live/internal/geo"
)

// Views are the JSON shapes sent to clients.

type MessageView struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId"`
	Seq        int64       `json:"seq"`
	Content    string      `json:"content"`
	Sender     UserSummary `json:"sender"`
	Timestamp  time.Time   `json:"timeStamp"`
	Read       bool        `json:"read"`
	Deleted    bool        `json:"isDeleted"`
	LastEdited *time.Time  `json:"lastEdited"`
}

func NewMessageView(m Message, sender UserSummary) MessageView {
	return MessageView{
		ID:         m.ID,
		RoomID:     m.RoomID,
		Seq:        m.Seq,
		Content:    m.Content,
		Sender:     sender,
		Timestamp:  m.CreatedAt,
		Read:       m.Read,
		Deleted:    m.Deleted,
		LastEdited: m.EditedAt,
	}
}

type ParticipantView struct {
	UserSummary
	JoinedAt   time.Time  `json:"joinedAt"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

type RoomView struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         RoomType          `json:"type"`
	CreatorID    string            `json:"creatorId"`
	Participants []ParticipantView `json:"participants"`
	LastMessage  *MessageView      `json:"lastMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// NewRoomView resolves participants through users; unknown ids keep only
// their id. lastMessage may be nil.
func NewRoomView(r Room, users map[string]User, lastMessage *Message) RoomView {
	v := RoomView{
		ID:           r.ID,
		Name:         r.Name,
		Type:         r.Type,
		CreatorID:    r.CreatorID,
		Participants: make([]ParticipantView, 0, len(r.Participants)),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.LastActivityAt,
	}
	for _, p := range r.Participants {
		v.Participants = append(v.Participants, ParticipantView{
			UserSummary: SummaryOf(users, p.UserID),
			JoinedAt:    p.JoinedAt,
			LastReadAt:  p.LastReadAt,
		})
	}
	if lastMessage != nil {
		mv := NewMessageView(*lastMessage, SummaryOf(users, lastMessage.SenderID))
		v.LastMessage = &mv
	}
	return v
}

// SummaryOf returns the summary of id, or a summary holding only the id.
func SummaryOf(users map[string]User, id string) UserSummary {
	if u, ok := users[id]; ok {
		return u.Summary()
	}
	return UserSummary{ID: id}
}

type PinView struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Location      geo.Point    `json:"location"`
	ServiceRadius float64      `json:"serviceRadius"`
	Services      []Service    `json:"services"`
	Availability  Availability `json:"availability"`
	HourlyRate    *float64     `json:"hourlyRate,omitempty"`
	Sitter        *UserSummary `json:"sitter,omitempty"`
	Distance      *float64     `json:"distance,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func NewPinView(p LocationPin, sitter *UserSummary) PinView {
	services := p.Services
	if services == nil {
		services = []Service{}
	}
	return PinView{
		ID:            p.ID,
		UserID:        p.UserID,
		Title:         p.Title,
		Description:   p.Description,
		Location:      p.Location,
		ServiceRadius: p.ServiceRadiusKm,
		Services:      services,
		Availability:  p.Availability,
		HourlyRate:    p.HourlyRate,
		Sitter:        sitter,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// NewPinHitView attaches the distance in meters to a pin view.
func NewPinHitView(h PinHit, sitter *UserSummary) PinView {
	v := NewPinView(h.Pin, sitter)
	d := h.DistanceMeters
	v.Distance = &d
	return v
}
