package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wavelink-chat/wavelink/internal/models"
)

// conversationRef reads the chat_id/group_id pair identifying a conversation
// from query parameters.
func conversationRef(c *gin.Context) (models.ConversationRef, bool) {
	chatID, _ := strconv.Atoi(c.Query("chat_id"))
	groupID, _ := strconv.Atoi(c.Query("group_id"))

	if groupID > 0 {
		return models.GroupRef(groupID), true
	}
	if chatID > 0 {
		return models.DirectRef(chatID), true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id or group_id is required"})
	return models.ConversationRef{}, false
}

// GetMessages returns a page of the conversation's history, oldest first.
// Participants only.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	ref, ok := conversationRef(c)
	if !ok {
		return
	}

	allowed, err := h.svc.CanAccess(ref, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.svc.History(ref, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type SendMessageRequest struct {
	ChatID   int    `json:"chat_id"`
	GroupID  int    `json:"group_id"`
	ClientID string `json:"client_id"`
	Content  string `json:"content" binding:"required"`
}

// SendMessage persists a message over REST and fans it out to live
// subscribers. Resending with the same client_id returns the original row.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var ref models.ConversationRef
	if req.GroupID > 0 {
		ref = models.GroupRef(req.GroupID)
	} else if req.ChatID > 0 {
		ref = models.DirectRef(req.ChatID)
	} else {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id or group_id is required"})
		return
	}

	userID := currentUserID(c)
	allowed, err := h.svc.CanAccess(ref, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	msg := &models.Message{
		SenderID: userID,
		ClientID: req.ClientID,
		Content:  req.Content,
	}
	if ref.IsGroup() {
		msg.GroupID = &req.GroupID
	} else {
		msg.ChatID = &req.ChatID
	}

	if err := h.svc.SaveMessage(msg); err != nil {
		respondError(c, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastMessage(msg)
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkDelivered transitions a message to delivered and notifies subscribers.
func (h *ChatHandler) MarkDelivered(c *gin.Context) {
	h.markMessage(c, h.svc.MarkDelivered)
}

// MarkRead transitions a message to read and notifies subscribers.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	h.markMessage(c, h.svc.MarkRead)
}

func (h *ChatHandler) markMessage(c *gin.Context, mark func(messageID, userID int) (*models.Message, error)) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}

	msg, err := mark(messageID, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	if h.hub != nil {
		h.hub.BroadcastStatus(msg)
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage removes a message and its stored attachments. Sender only.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := pathID(c, "id")
	if !ok {
		return
	}

	storedNames, err := h.svc.DeleteMessage(messageID, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	if h.store != nil {
		for _, name := range storedNames {
			h.store.Delete(name)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
