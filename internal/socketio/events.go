package socketio

import (
	"bytes"
	"context"
	"encoding/json"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/rooms"
	"pawkeeper-live/internal/sitters"
)

// defaultSearchRadiusMeters applies when search_nearby_sitters names no radius.
const defaultSearchRadiusMeters = 10000

// handler serves one inbound event. reply names the event used to answer
// clients that did not ask for an ack; empty means the result only goes
// back through an ack.
type handler struct {
	reply string
	fn    func(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error)
}

func (s *Server) eventHandlers() map[string]handler {
	return map[string]handler{
		"ping":                  {fn: s.onPing},
		"get_online_users":      {reply: hub.EventOnlineUsers, fn: s.onGetOnlineUsers},
		"start_private_chat":    {reply: hub.EventPrivateChatStarted, fn: s.onStartPrivateChat},
		"create_room":           {reply: hub.EventRoomCreated, fn: s.onCreateRoom},
		"join_room":             {reply: hub.EventRoomJoined, fn: s.onJoinRoom},
		"leave_room":            {reply: hub.EventRoomLeft, fn: s.onLeaveRoom},
		"get_rooms":             {reply: hub.EventRooms, fn: s.onGetRooms},
		"delete_room":           {fn: s.onDeleteRoom},
		"invite_to_chat":        {fn: s.onInvite},
		"rename_room":           {fn: s.onRenameRoom},
		"mark_read":             {fn: s.onMarkRead},
		"send_message":          {fn: s.onSendMessage},
		"edit_message":          {fn: s.onEditMessage},
		"delete_message":        {fn: s.onDeleteMessage},
		"get_history":           {reply: hub.EventHistory, fn: s.onGetHistory},
		"typing":                {fn: s.onTyping},
		"share_location":        {fn: s.onShareLocation},
		"search_nearby_sitters": {reply: hub.EventNearbySitters, fn: s.onSearchNearby},
		"viewport_update":       {fn: s.onViewportUpdate},
		"remove_pin":            {fn: s.onRemovePin},
	}
}

func decodeArg(args []json.RawMessage, v any) error {
	if len(args) == 0 {
		return apperr.New(apperr.InvalidArgument, "missing payload")
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return apperr.Wrap(apperr.InvalidArgument, err, "malformed payload")
	}
	return nil
}

// idArg accepts either a bare JSON string or an object carrying the id under
// field.
func idArg(args []json.RawMessage, field string) (string, error) {
	if len(args) == 0 {
		return "", apperr.New(apperr.InvalidArgument, field+" is required")
	}
	raw := bytes.TrimSpace(args[0])
	if len(raw) > 0 && raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", apperr.Wrap(apperr.InvalidArgument, err, "malformed payload")
		}
		return id, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "malformed payload")
	}
	var id string
	if v, ok := obj[field]; ok {
		if err := json.Unmarshal(v, &id); err != nil {
			return "", apperr.Wrap(apperr.InvalidArgument, err, field+" must be a string")
		}
	}
	if id == "" {
		return "", apperr.New(apperr.InvalidArgument, field+" is required")
	}
	return id, nil
}

type success struct {
	Success bool `json:"success"`
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

func (s *Server) onPing(context.Context, hub.Actor, []json.RawMessage) (any, error) {
	return nil, nil
}

func (s *Server) onGetOnlineUsers(context.Context, hub.Actor, []json.RawMessage) (any, error) {
	return s.hub.Online(), nil
}

func (s *Server) onStartPrivateChat(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	target, err := idArg(args, "targetUserId")
	if err != nil {
		return nil, err
	}
	room, err := s.rooms.StartPrivateChat(ctx, actor, target)
	if err != nil {
		return nil, err
	}
	return room.ID, nil
}

func (s *Server) onCreateRoom(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var req rooms.CreateRequest
	if err := decodeArg(args, &req); err != nil {
		return nil, err
	}
	return s.rooms.CreateRoom(ctx, actor, req)
}

func (s *Server) onJoinRoom(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	roomID, err := idArg(args, "roomId")
	if err != nil {
		return nil, err
	}
	return s.rooms.JoinRoom(ctx, actor, roomID)
}

func (s *Server) onLeaveRoom(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	roomID, err := idArg(args, "roomId")
	if err != nil {
		return nil, err
	}
	if err := s.rooms.LeaveRoom(ctx, actor, roomID); err != nil {
		return nil, err
	}
	return roomRef{RoomID: roomID}, nil
}

func (s *Server) onGetRooms(ctx context.Context, actor hub.Actor, _ []json.RawMessage) (any, error) {
	return s.rooms.ListRooms(ctx, actor.UserID())
}

func (s *Server) onDeleteRoom(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	roomID, err := idArg(args, "roomId")
	if err != nil {
		return nil, err
	}
	if err := s.rooms.DeleteRoom(ctx, actor, roomID); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}

func (s *Server) onInvite(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		RoomID       string `json:"roomId"`
		TargetUserID string `json:"targetUserId"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	if body.TargetUserID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "targetUserId is required")
	}
	return s.rooms.Invite(ctx, actor, body.RoomID, body.TargetUserID)
}

func (s *Server) onRenameRoom(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	return s.rooms.RenameRoom(ctx, actor, body.RoomID, body.Name)
}

func (s *Server) onMarkRead(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	roomID, err := idArg(args, "roomId")
	if err != nil {
		return nil, err
	}
	part, err := s.rooms.MarkRead(ctx, actor, roomID)
	if err != nil {
		return nil, err
	}
	return rooms.ReadReceipt{RoomID: roomID, UserID: actor.UserID(), LastReadAt: part.LastReadAt}, nil
}

func (s *Server) onSendMessage(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		RoomID  string `json:"roomId"`
		Content string `json:"content"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	return s.chat.SendMessage(ctx, actor, body.RoomID, body.Content)
}

func (s *Server) onEditMessage(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		MessageID string `json:"messageId"`
		Content   string `json:"content"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	return s.chat.EditMessage(ctx, actor, body.MessageID, body.Content)
}

func (s *Server) onDeleteMessage(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	messageID, err := idArg(args, "messageId")
	if err != nil {
		return nil, err
	}
	return s.chat.DeleteMessage(ctx, actor, messageID)
}

type history struct {
	RoomID   string              `json:"roomId"`
	Messages []model.MessageView `json:"messages"`
}

func (s *Server) onGetHistory(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		RoomID string `json:"roomId"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	msgs, err := s.chat.FetchHistory(ctx, actor, body.RoomID, body.Limit)
	if err != nil {
		return nil, err
	}
	return history{RoomID: body.RoomID, Messages: msgs}, nil
}

func (s *Server) onTyping(_ context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		RoomID   string `json:"roomId"`
		IsTyping bool   `json:"isTyping"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	return nil, s.chat.Typing(actor, body.RoomID, body.IsTyping)
}

type sharedPin struct {
	Success bool          `json:"success"`
	Pin     model.PinView `json:"pin"`
}

func (s *Server) onShareLocation(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	if !s.locationLimiter.Allow(actor.UserID()) {
		return nil, apperr.New(apperr.RateLimited, "Too many location updates")
	}
	var upd sitters.PinUpdate
	if err := decodeArg(args, &upd); err != nil {
		return nil, err
	}
	pin, err := s.sitters.PublishLocation(ctx, actor, upd)
	if err != nil {
		return nil, err
	}
	lg := logging.Ctx(ctx)
	lg.Debug().Float64("lat", upd.Lat).Float64("lng", upd.Lng).Msg("location shared")
	return sharedPin{Success: true, Pin: pin}, nil
}

type nearbySitters struct {
	Sitters []model.PinView `json:"sitters"`
}

func (s *Server) onSearchNearby(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var body struct {
		Lat          float64  `json:"lat"`
		Lng          float64  `json:"lng"`
		Radius       *float64 `json:"radius"`
		RadiusMeters *float64 `json:"radiusMeters"`
	}
	if err := decodeArg(args, &body); err != nil {
		return nil, err
	}
	radius := float64(defaultSearchRadiusMeters)
	switch {
	case body.RadiusMeters != nil:
		radius = *body.RadiusMeters
	case body.Radius != nil:
		radius = *body.Radius * 1000
	}
	pins, err := s.sitters.SearchByRadius(ctx, geo.Point{Lat: body.Lat, Lon: body.Lng}, radius)
	if err != nil {
		return nil, err
	}
	return nearbySitters{Sitters: pins}, nil
}

type viewportAck struct {
	Success  bool `json:"success"`
	Snapshot bool `json:"snapshot"`
}

func (s *Server) onViewportUpdate(ctx context.Context, actor hub.Actor, args []json.RawMessage) (any, error) {
	var vp hub.Viewport
	if err := decodeArg(args, &vp); err != nil {
		return nil, err
	}
	sent, err := s.sitters.UpdateViewport(ctx, actor, vp)
	if err != nil {
		return nil, err
	}
	return viewportAck{Success: true, Snapshot: sent}, nil
}

func (s *Server) onRemovePin(ctx context.Context, actor hub.Actor, _ []json.RawMessage) (any, error) {
	if err := s.sitters.RemovePin(ctx, actor); err != nil {
		return nil, err
	}
	return success{Success: true}, nil
}
