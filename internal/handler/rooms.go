package handler

import (
	"github.com/gin-gonic/gin"

	"pawkeeper-live/internal/chat"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/rooms"
)

type RoomHandler struct {
	Rooms *rooms.Manager
	Chat  *chat.Pipeline
	Users UserLookup
}

type createRoomBody struct {
	Name         string         `json:"name"`
	Type         model.RoomType `json:"type"`
	Participants []string       `json:"participants" binding:"required,min=1"`
}

type renameRoomBody struct {
	Name string `json:"name" binding:"required"`
}

type sendMessageBody struct {
	Content string `json:"content" binding:"required"`
}

func (h *RoomHandler) List(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	views, err := h.Rooms.ListRooms(c.Request.Context(), a.UserID())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"rooms": views})
}

func (h *RoomHandler) Create(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var body createRoomBody
	if !bindJSON(c, &body) {
		return
	}
	view, err := h.Rooms.CreateRoom(c.Request.Context(), a, rooms.CreateRequest{
		Name:           body.Name,
		Type:           body.Type,
		ParticipantIDs: body.Participants,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"room": view})
}

func (h *RoomHandler) Get(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	view, err := h.Rooms.GetRoom(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"room": view})
}

// Rename is creator-only.
func (h *RoomHandler) Rename(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var body renameRoomBody
	if !bindJSON(c, &body) {
		return
	}
	view, err := h.Rooms.RenameRoom(c.Request.Context(), a, c.Param("id"), body.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"room": view})
}

func (h *RoomHandler) Delete(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	if err := h.Rooms.DeleteRoom(c.Request.Context(), a, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"success": true})
}

func (h *RoomHandler) Messages(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var q limitQuery
	if !bindQuery(c, &q) {
		return
	}
	msgs, err := h.Chat.FetchHistory(c.Request.Context(), a, c.Param("id"), q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"messages": msgs})
}

// Send posts a message to the room; connected members receive it live.
func (h *RoomHandler) Send(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var body sendMessageBody
	if !bindJSON(c, &body) {
		return
	}
	msg, err := h.Chat.SendMessage(c.Request.Context(), a, c.Param("id"), body.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"message": msg})
}
