package rooms

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/hub/hubtest"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/store"
	"pawkeeper-live/internal/store/storetest"
)

type fixture struct {
	store   *store.Store
	hub     *hub.Hub
	manager *Manager
	users   map[string]model.User
	conns   map[string]*hubtest.Conn
}

func setup(t *testing.T, ids ...string) *fixture {
	t.Helper()
	s := storetest.New(t)
	h := hub.New()
	f := &fixture{
		store:   s,
		hub:     h,
		manager: NewManager(s, h),
		users:   storetest.Users(t, s, ids...),
		conns:   map[string]*hubtest.Conn{},
	}
	for _, id := range ids {
		c := hubtest.NewConn("conn-"+id, id)
		h.Register(c)
		f.conns[id] = c
	}
	return f
}

func (f *fixture) actor(id string) hub.Actor {
	return hub.Actor{User: f.users[id], Conn: f.conns[id]}
}

func TestCreateDirectRoomIsIdempotent(t *testing.T) {
	f := setup(t, "a", "b")
	ctx := context.Background()

	first, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomDirect, ParticipantIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	second, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomDirect, ParticipantIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same room, got %s and %s", first.ID, second.ID)
	}
	if first.Name != "a-name & b-name" {
		t.Fatalf("unexpected derived name %q", first.Name)
	}
	if len(f.conns["b"].Events(hub.EventChatInvitation)) != 1 {
		t.Fatalf("expected exactly one invitation for b")
	}
	if !f.hub.InRoom(f.conns["a"], first.ID) {
		t.Fatalf("expected creator to join the broadcast group")
	}

	fromB, err := f.manager.StartPrivateChat(ctx, f.actor("b"), "a")
	if err != nil {
		t.Fatalf("StartPrivateChat: %v", err)
	}
	if fromB.ID != first.ID {
		t.Fatalf("expected reversed pair to find the same room")
	}
}

func TestConcurrentPrivateChatCreatesOneRoom(t *testing.T) {
	f := setup(t, "a", "b")
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	errs := make([]error, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			self, other := "a", "b"
			if i%2 == 1 {
				self, other = "b", "a"
			}
			v, err := f.manager.StartPrivateChat(ctx, f.actor(self), other)
			ids[i], errs[i] = v.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected one room, got %s and %s", ids[0], ids[i])
		}
	}
	rooms, err := f.store.ListRoomsForUser(ctx, "a")
	if err != nil {
		t.Fatalf("ListRoomsForUser: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
}

func TestCreateRoomValidation(t *testing.T) {
	f := setup(t, "a", "b", "c")
	ctx := context.Background()

	_, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomDirect, ParticipantIDs: []string{"b", "c"}})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid_argument for 3-way direct room, got %v", err)
	}
	_, err = f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: "broadcast"})
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid_argument for unknown type, got %v", err)
	}
	_, err = f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomGroup, ParticipantIDs: []string{"ghost"}})
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not_found for unknown participant, got %v", err)
	}
	_, err = f.manager.StartPrivateChat(ctx, f.actor("a"), "a")
	if !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid_argument for self chat, got %v", err)
	}
}

func TestGroupRoomLifecycle(t *testing.T) {
	f := setup(t, "a", "b", "c", "d")
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomGroup, ParticipantIDs: []string{"b", "c", "b"}})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if room.Name != "Group Chat (3 members)" {
		t.Fatalf("unexpected name %q", room.Name)
	}
	if len(room.Participants) != 3 || room.Participants[0].ID != "a" {
		t.Fatalf("unexpected participants %+v", room.Participants)
	}
	if len(f.conns["b"].Events(hub.EventChatInvitation)) != 1 || len(f.conns["c"].Events(hub.EventChatInvitation)) != 1 {
		t.Fatalf("expected invitations for b and c")
	}

	if _, err := f.manager.JoinRoom(ctx, f.actor("d"), room.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden for non participant, got %v", err)
	}
	if _, err := f.manager.JoinRoom(ctx, f.actor("b"), "missing"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	joined, err := f.manager.JoinRoom(ctx, f.actor("b"), room.ID)
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if joined.ID != room.ID || !f.hub.InRoom(f.conns["b"], room.ID) {
		t.Fatalf("expected b joined")
	}

	if _, err := f.manager.Invite(ctx, f.actor("b"), room.ID, "d"); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if len(f.conns["d"].Events(hub.EventChatInvitation)) != 1 {
		t.Fatalf("expected invitation for d")
	}

	if err := f.manager.LeaveRoom(ctx, f.actor("a"), room.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected creator leave to be forbidden, got %v", err)
	}
	if err := f.manager.LeaveRoom(ctx, f.actor("b"), room.ID); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	if f.hub.InRoom(f.conns["b"], room.ID) {
		t.Fatalf("expected b removed from broadcast group")
	}
	left := f.conns["c"].Events(hub.EventUserLeft)
	if len(left) != 1 {
		t.Fatalf("expected user_left for c, got %d", len(left))
	}
	var notice UserLeft
	if err := json.Unmarshal(left[0].Payload, &notice); err != nil || notice.UserID != "b" {
		t.Fatalf("unexpected notice %s", left[0].Payload)
	}
	if len(f.conns["b"].Events(hub.EventUserLeft)) != 0 {
		t.Fatalf("leaver should not be notified")
	}
	if err := f.manager.LeaveRoom(ctx, f.actor("b"), "missing"); err != nil {
		t.Fatalf("expected leaving a missing room to be a no-op, got %v", err)
	}
}

func TestLeaveDirectRoomIsRejected(t *testing.T) {
	f := setup(t, "a", "b")
	ctx := context.Background()

	room, err := f.manager.StartPrivateChat(ctx, f.actor("a"), "b")
	if err != nil {
		t.Fatalf("StartPrivateChat: %v", err)
	}
	if err := f.manager.LeaveRoom(ctx, f.actor("b"), room.ID); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid_argument, got %v", err)
	}
}

func TestDeleteRoom(t *testing.T) {
	f := setup(t, "a", "b")
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomGroup, Name: "walkers", ParticipantIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	msg, err := f.store.AppendMessage(ctx, model.Message{RoomID: room.ID, SenderID: "a", Content: "hi"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := f.manager.DeleteRoom(ctx, f.actor("b"), room.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.store.GetMessage(ctx, msg.ID); err != nil {
		t.Fatalf("expected message intact after forbidden delete: %v", err)
	}

	if err := f.manager.DeleteRoom(ctx, f.actor("a"), room.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, err := f.store.GetRoom(ctx, room.ID); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected room gone, got %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if len(f.conns[id].Events(hub.EventRoomDeleted)) != 1 {
			t.Fatalf("expected room_deleted for %s", id)
		}
	}
	if f.hub.InRoom(f.conns["a"], room.ID) {
		t.Fatalf("expected broadcast group dropped")
	}
}

func TestListRoomsResolvesLastMessage(t *testing.T) {
	f := setup(t, "a", "b", "c")
	ctx := context.Background()

	r1, err := f.manager.StartPrivateChat(ctx, f.actor("a"), "b")
	if err != nil {
		t.Fatalf("StartPrivateChat: %v", err)
	}
	if _, err := f.manager.StartPrivateChat(ctx, f.actor("a"), "c"); err != nil {
		t.Fatalf("StartPrivateChat: %v", err)
	}
	if _, err := f.store.AppendMessage(ctx, model.Message{RoomID: r1.ID, SenderID: "b", Content: "latest"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	views, err := f.manager.ListRooms(ctx, "a")
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(views) != 2 || views[0].ID != r1.ID {
		t.Fatalf("expected most recently active room first, got %+v", views)
	}
	if views[0].LastMessage == nil || views[0].LastMessage.Content != "latest" || views[0].LastMessage.Sender.Username != "b-name" {
		t.Fatalf("expected resolved last message, got %+v", views[0].LastMessage)
	}
}

func TestMarkRead(t *testing.T) {
	f := setup(t, "a", "b", "c")
	ctx := context.Background()

	room, err := f.manager.StartPrivateChat(ctx, f.actor("a"), "b")
	if err != nil {
		t.Fatalf("StartPrivateChat: %v", err)
	}
	if _, err := f.manager.JoinRoom(ctx, f.actor("b"), room.ID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	part, err := f.manager.MarkRead(ctx, f.actor("b"), room.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if part.LastReadAt == nil {
		t.Fatalf("expected last read time")
	}
	if len(f.conns["a"].Events(hub.EventMessagesRead)) != 1 {
		t.Fatalf("expected read receipt for a")
	}
	if _, err := f.manager.MarkRead(ctx, f.actor("c"), room.ID); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRenameRoom(t *testing.T) {
	f := setup(t, "a", "b", "c")
	ctx := context.Background()

	room, err := f.manager.CreateRoom(ctx, f.actor("a"), CreateRequest{Type: model.RoomGroup, ParticipantIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	if _, err := f.manager.RenameRoom(ctx, f.actor("b"), room.ID, "walkers"); !apperr.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden for non-creator, got %v", err)
	}
	if _, err := f.manager.RenameRoom(ctx, f.actor("a"), room.ID, "   "); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid argument for blank name, got %v", err)
	}
	if _, err := f.manager.RenameRoom(ctx, f.actor("a"), room.ID, strings.Repeat("n", MaxRoomNameLength+1)); !apperr.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid argument for long name, got %v", err)
	}
	if _, err := f.manager.RenameRoom(ctx, f.actor("a"), "missing", "walkers"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	view, err := f.manager.RenameRoom(ctx, f.actor("a"), room.ID, " Morning walkers ")
	if err != nil {
		t.Fatalf("RenameRoom: %v", err)
	}
	if view.Name != "Morning walkers" {
		t.Fatalf("unexpected name %q", view.Name)
	}
	stored, err := f.store.GetRoom(ctx, room.ID)
	if err != nil || stored.Name != "Morning walkers" {
		t.Fatalf("expected stored name to change, got %q (%v)", stored.Name, err)
	}
	for _, id := range []string{"a", "b"} {
		if n := len(f.conns[id].Events(hub.EventRoomUpdated)); n != 1 {
			t.Fatalf("%s: expected one room_updated, got %d", id, n)
		}
	}
	if n := len(f.conns["c"].Events(hub.EventRoomUpdated)); n != 0 {
		t.Fatalf("outsider should not be told, got %d", n)
	}
}

func TestDirectRoomLookupIgnoresCallerCancellation(t *testing.T) {
	f := setup(t, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	room, created, err := f.manager.findOrCreateDirect(ctx, f.users["a"], f.users["b"])
	if err != nil {
		t.Fatalf("findOrCreateDirect with a cancelled caller: %v", err)
	}
	if !created || room.ID == "" {
		t.Fatalf("expected the room to be created, got %+v created=%v", room, created)
	}
}
