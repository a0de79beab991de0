package handler

import (
	"github.com/gin-gonic/gin"

	"pawkeeper-live/internal/chat"
)

type MessageHandler struct {
	Chat  *chat.Pipeline
	Users UserLookup
}

type editMessageBody struct {
	Content string `json:"content" binding:"required"`
}

// History returns the caller's most recent messages across all rooms.
func (h *MessageHandler) History(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var q limitQuery
	if !bindQuery(c, &q) {
		return
	}
	msgs, err := h.Chat.FetchUserHistory(c.Request.Context(), a.UserID(), q.Limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"messages": msgs})
}

func (h *MessageHandler) Edit(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var body editMessageBody
	if !bindJSON(c, &body) {
		return
	}
	msg, err := h.Chat.EditMessage(c.Request.Context(), a, c.Param("id"), body.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"message": msg})
}

// Delete tombstones the message; the row stays until its room is deleted.
func (h *MessageHandler) Delete(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	msg, err := h.Chat.DeleteMessage(c.Request.Context(), a, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"message": msg})
}
