// Package rooms owns the lifecycle and membership of chat rooms.
package rooms

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/store"
)

type Store interface {
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)
	CreateRoom(ctx context.Context, room model.Room) (model.Room, error)
	GetRoom(ctx context.Context, id string) (model.Room, error)
	FindDirectRoom(ctx context.Context, a, b string) (model.Room, error)
	ListRoomsForUser(ctx context.Context, userID string) ([]model.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) (bool, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) (bool, error)
	MarkRead(ctx context.Context, roomID, userID string) (model.Participant, error)
	DeleteRoom(ctx context.Context, roomID string) error
	RenameRoom(ctx context.Context, roomID, name string) (model.Room, error)
	GetMessages(ctx context.Context, ids []string) (map[string]model.Message, error)
}

// MaxRoomNameLength bounds room display names, in runes.
const MaxRoomNameLength = 100

// directCreateTimeout bounds a shared direct-room lookup. The flight runs
// detached from the first caller so its cancellation does not fail the
// others.
const directCreateTimeout = 10 * time.Second

type Manager struct {
	store  Store
	hub    *hub.Hub
	direct singleflight.Group
}

func NewManager(s Store, h *hub.Hub) *Manager {
	return &Manager{store: s, hub: h}
}

type CreateRequest struct {
	Name           string         `json:"name"`
	Type           model.RoomType `json:"type"`
	ParticipantIDs []string       `json:"participants"`
}

type Invitation struct {
	RoomID      string         `json:"roomId"`
	InvitedBy   string         `json:"invitedBy"`
	InvitedByID string         `json:"invitedById"`
	Room        model.RoomView `json:"room"`
}

type UserLeft struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type RoomDeleted struct {
	RoomID string `json:"roomId"`
}

type ReadReceipt struct {
	RoomID     string     `json:"roomId"`
	UserID     string     `json:"userId"`
	LastReadAt *time.Time `json:"lastReadAt"`
}

// CreateRoom creates a room for actor and the requested participants. A
// direct room is looked up by its unordered participant pair first, so asking
// twice, or from both sides at once, yields the same room.
func (m *Manager) CreateRoom(ctx context.Context, actor hub.Actor, req CreateRequest) (model.RoomView, error) {
	if req.Type == "" {
		req.Type = model.RoomDirect
	}
	if !req.Type.Valid() {
		return model.RoomView{}, apperr.New(apperr.InvalidArgument, "room type must be direct or group")
	}
	others := uniqueOthers(actor.UserID(), req.ParticipantIDs)

	users, err := m.store.GetUsers(ctx, append([]string{actor.UserID()}, others...))
	if err != nil {
		return model.RoomView{}, err
	}
	for _, id := range others {
		if _, ok := users[id]; !ok {
			return model.RoomView{}, apperr.New(apperr.NotFound, "user not found: "+id)
		}
	}

	var room model.Room
	var created bool
	switch req.Type {
	case model.RoomDirect:
		if len(others) != 1 {
			return model.RoomView{}, apperr.New(apperr.InvalidArgument, "direct rooms need exactly one other participant")
		}
		room, created, err = m.findOrCreateDirect(ctx, actor.User, users[others[0]])
	default:
		room, err = m.store.CreateRoom(ctx, model.Room{
			Name:         groupName(req.Name, len(others)+1),
			Type:         model.RoomGroup,
			CreatorID:    actor.UserID(),
			Participants: participantsOf(append([]string{actor.UserID()}, others...)),
		})
		created = err == nil
	}
	if err != nil {
		return model.RoomView{}, err
	}

	if actor.Conn != nil {
		_ = m.hub.Join(actor.Conn, room.ID)
	}
	if !created {
		return m.resolve(ctx, room)
	}
	view := model.NewRoomView(room, users, nil)

	lg := logging.Ctx(ctx)
	lg.Info().Str(logging.FieldRoomID, room.ID).Str(logging.FieldUserID, actor.UserID()).
		Str("type", string(room.Type)).Msg("room created")

	inv := Invitation{RoomID: room.ID, InvitedBy: actor.User.Username, InvitedByID: actor.UserID(), Room: view}
	for _, id := range room.ParticipantIDs() {
		if id != actor.UserID() {
			m.hub.EmitToUser(id, hub.EventChatInvitation, inv)
		}
	}
	return view, nil
}

// StartPrivateChat finds or creates the direct room between actor and target.
func (m *Manager) StartPrivateChat(ctx context.Context, actor hub.Actor, targetID string) (model.RoomView, error) {
	if targetID == "" || targetID == actor.UserID() {
		return model.RoomView{}, apperr.New(apperr.InvalidArgument, "a private chat needs another user")
	}
	return m.CreateRoom(ctx, actor, CreateRequest{Type: model.RoomDirect, ParticipantIDs: []string{targetID}})
}

type directResult struct {
	room    model.Room
	created bool
}

func (m *Manager) findOrCreateDirect(ctx context.Context, self, other model.User) (model.Room, bool, error) {
	key := store.DirectKey(self.ID, other.ID)
	v, err, _ := m.direct.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directCreateTimeout)
		defer cancel()

		room, err := m.store.FindDirectRoom(ctx, self.ID, other.ID)
		if err == nil {
			return directResult{room: room}, nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}

		room, err = m.store.CreateRoom(ctx, model.Room{
			Name:         fmt.Sprintf("%s & %s", self.Username, other.Username),
			Type:         model.RoomDirect,
			CreatorID:    self.ID,
			Participants: participantsOf([]string{self.ID, other.ID}),
		})
		if apperr.Is(err, apperr.Conflict) {
			// Another process created the pair first.
			room, err = m.store.FindDirectRoom(ctx, self.ID, other.ID)
			if err != nil {
				return nil, err
			}
			return directResult{room: room}, nil
		}
		if err != nil {
			return nil, err
		}
		return directResult{room: room, created: true}, nil
	})
	if err != nil {
		return model.Room{}, false, err
	}
	res := v.(directResult)
	// Callers that shared the flight see the room as existing.
	return res.room, res.created && res.room.CreatorID == self.ID, nil
}

// JoinRoom subscribes actor's connection to the room and returns its state.
func (m *Manager) JoinRoom(ctx context.Context, actor hub.Actor, roomID string) (model.RoomView, error) {
	room, err := m.participantRoom(ctx, actor.UserID(), roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	if actor.Conn != nil {
		_ = m.hub.Join(actor.Conn, room.ID)
	}
	return m.resolve(ctx, room)
}

// GetRoom returns the state of a room actor participates in.
func (m *Manager) GetRoom(ctx context.Context, actor hub.Actor, roomID string) (model.RoomView, error) {
	room, err := m.participantRoom(ctx, actor.UserID(), roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	return m.resolve(ctx, room)
}

// LeaveRoom removes actor from a group room and tells the remaining
// participants. Leaving a room that does not exist is a no-op.
func (m *Manager) LeaveRoom(ctx context.Context, actor hub.Actor, roomID string) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if apperr.Is(err, apperr.NotFound) {
		m.hub.LeaveUser(actor.UserID(), roomID)
		return nil
	}
	if err != nil {
		return err
	}
	if room.Type == model.RoomDirect {
		return apperr.New(apperr.InvalidArgument, "direct rooms cannot be left")
	}
	if room.CreatorID == actor.UserID() {
		return apperr.New(apperr.Forbidden, "the creator cannot leave the room, delete it instead")
	}

	removed, err := m.store.RemoveParticipant(ctx, roomID, actor.UserID())
	if err != nil {
		return err
	}
	m.hub.LeaveUser(actor.UserID(), roomID)
	if !removed {
		return nil
	}

	notice := UserLeft{RoomID: roomID, UserID: actor.UserID()}
	for _, id := range room.ParticipantIDs() {
		if id != actor.UserID() {
			m.hub.EmitToUser(id, hub.EventUserLeft, notice)
		}
	}
	return nil
}

// ListRooms returns the rooms of userID, most recently active first.
func (m *Manager) ListRooms(ctx context.Context, userID string) ([]model.RoomView, error) {
	rooms, err := m.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	userSet := map[string]struct{}{}
	var messageIDs []string
	for _, r := range rooms {
		for _, id := range r.ParticipantIDs() {
			userSet[id] = struct{}{}
		}
		if r.LastMessageID != "" {
			messageIDs = append(messageIDs, r.LastMessageID)
		}
	}
	messages, err := m.store.GetMessages(ctx, messageIDs)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		userSet[msg.SenderID] = struct{}{}
	}
	users, err := m.store.GetUsers(ctx, keys(userSet))
	if err != nil {
		return nil, err
	}

	views := make([]model.RoomView, 0, len(rooms))
	for _, r := range rooms {
		var last *model.Message
		if msg, ok := messages[r.LastMessageID]; ok {
			last = &msg
		}
		views = append(views, model.NewRoomView(r, users, last))
	}
	return views, nil
}

// DeleteRoom deletes a room and all of its messages. Only the creator may do
// this; every former participant is notified.
func (m *Manager) DeleteRoom(ctx context.Context, actor hub.Actor, roomID string) error {
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != actor.UserID() {
		return apperr.New(apperr.Forbidden, "only the creator can delete the room")
	}
	if err := m.store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}

	lg := logging.Ctx(ctx)
	lg.Info().Str(logging.FieldRoomID, roomID).Str(logging.FieldUserID, actor.UserID()).Msg("room deleted")

	notice := RoomDeleted{RoomID: roomID}
	notified := map[string]struct{}{}
	for _, id := range room.ParticipantIDs() {
		notified[id] = struct{}{}
		m.hub.EmitToUser(id, hub.EventRoomDeleted, notice)
	}
	for _, conn := range m.hub.DropGroup(roomID) {
		if _, ok := notified[conn.UserID()]; !ok {
			_ = conn.Emit(hub.EventRoomDeleted, notice)
		}
	}
	return nil
}

// RenameRoom changes the display name of a room. Only the creator may rename
// it; every participant is told about the new state.
func (m *Manager) RenameRoom(ctx context.Context, actor hub.Actor, roomID, name string) (model.RoomView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.RoomView{}, apperr.New(apperr.InvalidArgument, "name is required")
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return model.RoomView{}, apperr.New(apperr.InvalidArgument, fmt.Sprintf("name exceeds %d characters", MaxRoomNameLength))
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	if room.CreatorID != actor.UserID() {
		return model.RoomView{}, apperr.New(apperr.Forbidden, "only the creator can rename the room")
	}
	room, err = m.store.RenameRoom(ctx, roomID, name)
	if err != nil {
		return model.RoomView{}, err
	}
	view, err := m.resolve(ctx, room)
	if err != nil {
		return model.RoomView{}, err
	}
	for _, id := range room.ParticipantIDs() {
		m.hub.EmitToUser(id, hub.EventRoomUpdated, view)
	}
	return view, nil
}

// Invite adds target to a group room actor participates in.
func (m *Manager) Invite(ctx context.Context, actor hub.Actor, roomID, targetID string) (model.RoomView, error) {
	room, err := m.participantRoom(ctx, actor.UserID(), roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	if room.Type != model.RoomGroup {
		return model.RoomView{}, apperr.New(apperr.InvalidArgument, "only group rooms accept invitations")
	}
	users, err := m.store.GetUsers(ctx, []string{targetID})
	if err != nil {
		return model.RoomView{}, err
	}
	if _, ok := users[targetID]; !ok {
		return model.RoomView{}, apperr.New(apperr.NotFound, "user not found: "+targetID)
	}

	added, err := m.store.AddParticipant(ctx, roomID, targetID)
	if err != nil {
		return model.RoomView{}, err
	}
	room, err = m.store.GetRoom(ctx, roomID)
	if err != nil {
		return model.RoomView{}, err
	}
	view, err := m.resolve(ctx, room)
	if err != nil {
		return model.RoomView{}, err
	}
	if added {
		m.hub.EmitToUser(targetID, hub.EventChatInvitation, Invitation{
			RoomID:      roomID,
			InvitedBy:   actor.User.Username,
			InvitedByID: actor.UserID(),
			Room:        view,
		})
	}
	return view, nil
}

// MarkRead records that actor has read the room and tells the others in it.
func (m *Manager) MarkRead(ctx context.Context, actor hub.Actor, roomID string) (model.Participant, error) {
	if _, err := m.participantRoom(ctx, actor.UserID(), roomID); err != nil {
		return model.Participant{}, err
	}
	part, err := m.store.MarkRead(ctx, roomID, actor.UserID())
	if err != nil {
		return model.Participant{}, err
	}
	m.hub.EmitToRoom(roomID, hub.EventMessagesRead, ReadReceipt{
		RoomID:     roomID,
		UserID:     actor.UserID(),
		LastReadAt: part.LastReadAt,
	}, actor.Conn)
	return part, nil
}

// Authorize returns the room if userID participates in it.
func (m *Manager) Authorize(ctx context.Context, userID, roomID string) (model.Room, error) {
	return m.participantRoom(ctx, userID, roomID)
}

func (m *Manager) participantRoom(ctx context.Context, userID, roomID string) (model.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return model.Room{}, apperr.New(apperr.InvalidArgument, "roomId is required")
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return model.Room{}, err
	}
	if !room.HasParticipant(userID) {
		return model.Room{}, apperr.New(apperr.Forbidden, "not a participant of this room")
	}
	return room, nil
}

func (m *Manager) resolve(ctx context.Context, room model.Room) (model.RoomView, error) {
	ids := room.ParticipantIDs()
	var last *model.Message
	if room.LastMessageID != "" {
		msgs, err := m.store.GetMessages(ctx, []string{room.LastMessageID})
		if err != nil {
			return model.RoomView{}, err
		}
		if msg, ok := msgs[room.LastMessageID]; ok {
			last = &msg
			ids = append(ids, msg.SenderID)
		}
	}
	users, err := m.store.GetUsers(ctx, ids)
	if err != nil {
		return model.RoomView{}, err
	}
	return model.NewRoomView(room, users, last), nil
}

func uniqueOthers(self string, ids []string) []string {
	seen := map[string]struct{}{self: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func participantsOf(ids []string) []model.Participant {
	out := make([]model.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Participant{UserID: id})
	}
	return out
}

func groupName(name string, members int) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fmt.Sprintf("Group Chat (%d members)", members)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
