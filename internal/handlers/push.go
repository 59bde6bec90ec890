package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wavelink-chat/wavelink/internal/push"
)

type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDKey returns the public VAPID key clients need to subscribe.
func (h *PushHandler) VAPIDKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "push notifications are not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": key})
}

// Subscribe stores a Web Push subscription for the caller.
func (h *PushHandler) Subscribe(c *gin.Context) {
	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.notifier.Subscribe(currentUserID(c), sub); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// Unsubscribe revokes one of the caller's subscriptions.
func (h *PushHandler) Unsubscribe(c *gin.Context) {
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.notifier.Unsubscribe(currentUserID(c), req.Endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
