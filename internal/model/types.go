package model

import (
	"time"

	"pawkeeper-live/internal/geo"
)

type User struct {
	ID             string
	Username       string
	ProfilePicture string
	Sitter         bool
	CreatedAt      time.Time
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, ProfilePicture: u.ProfilePicture, Sitter: u.Sitter}
}

// UserSummary is the display metadata attached to messages, rooms and pins.
type UserSummary struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Sitter         bool   `json:"isSitter"`
}

type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

func (t RoomType) Valid() bool {
	return t == RoomDirect || t == RoomGroup
}

type Participant struct {
	UserID     string
	JoinedAt   time.Time
	LastReadAt *time.Time
}

type Room struct {
	ID             string
	Name           string
	Type           RoomType
	CreatorID      string
	Participants   []Participant
	LastMessageID  string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (r Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (r Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Seq       int64
	Content   string
	CreatedAt time.Time
	Read      bool
	Deleted   bool
	EditedAt  *time.Time
}

// DeletedMessageContent replaces the content of soft-deleted messages.
const DeletedMessageContent = "This message has been deleted"

type Service string

const (
	ServiceDogWalking  Service = "Dog Walking"
	ServiceCatSitting  Service = "Cat Sitting"
	ServicePetBoarding Service = "Pet Boarding"
	ServicePetGrooming Service = "Pet Grooming"
	ServiceReptileCare Service = "Reptile Care"
	ServiceBirdSitting Service = "Bird Sitting"
)

func (s Service) Valid() bool {
	switch s {
	case ServiceDogWalking, ServiceCatSitting, ServicePetBoarding,
		ServicePetGrooming, ServiceReptileCare, ServiceBirdSitting:
		return true
	}
	return false
}

type Availability string

const (
	AvailabilityFullTime     Availability = "Full Time"
	AvailabilityPartTime     Availability = "Part Time"
	AvailabilityWeekendsOnly Availability = "Weekends Only"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityFullTime, AvailabilityPartTime, AvailabilityWeekendsOnly:
		return true
	}
	return false
}

const (
	DefaultServiceRadiusKm = 10
	MinServiceRadiusKm     = 1
	MaxServiceRadiusKm     = 50
)

type LocationPin struct {
	ID              string
	UserID          string
	Title           string
	Description     string
	Location        geo.Point
	ServiceRadiusKm float64
	Services        []Service
	Availability    Availability
	HourlyRate      *float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PinHit is a pin matched by a proximity search.
type PinHit struct {
	Pin            LocationPin
	DistanceMeters float64
}
