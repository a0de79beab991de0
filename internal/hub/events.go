package hub

// Outbound event names.
const (
	EventPresenceChanged    = "presence_changed"
	EventOnlineUsers        = "online_users"
	EventSessionReplaced    = "session_replaced"
	EventPrivateChatStarted = "private_chat_started"
	EventChatInvitation     = "chat_invitation"
	EventRoomCreated        = "room_created"
	EventRoomJoined         = "room_joined"
	EventRoomLeft           = "room_left"
	EventUserLeft           = "user_left"
	EventRooms              = "rooms"
	EventRoomDeleted        = "room_deleted"
	EventRoomUpdated        = "room_updated"
	EventReceiveMessage     = "receive_message"
	EventMessageUpdated     = "message_updated"
	EventMessageDeleted     = "message_deleted"
	EventMessagesRead       = "messages_read"
	EventNearbySitterUpdate = "nearby_sitter_update"
	EventPinRemoved         = "pin_removed"
	EventPinsInBounds       = "pins_in_bounds"
	EventNearbySitters      = "nearby_sitters"
	EventUserTyping         = "user_typing"
	EventHistory            = "history"
	EventError              = "error"
)

type PresenceChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
