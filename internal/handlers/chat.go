package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wavelink-chat/wavelink/internal/chat"
	"github.com/wavelink-chat/wavelink/internal/storage"
	"github.com/wavelink-chat/wavelink/internal/ws"
)

type ChatHandler struct {
	svc   *chat.Service
	hub   *ws.Hub
	store *storage.Store
}

func NewChatHandler(svc *chat.Service, hub *ws.Hub, store *storage.Store) *ChatHandler {
	return &ChatHandler{svc: svc, hub: hub, store: store}
}

func currentUserID(c *gin.Context) int {
	v, _ := c.Get("user_id")
	id, _ := v.(int)
	return id
}

func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// SearchUsers lists users matching the q parameter, excluding the caller.
func (h *ChatHandler) SearchUsers(c *gin.Context) {
	users, err := h.svc.SearchUsers(currentUserID(c), c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetProfile returns the caller's own profile.
func (h *ChatHandler) GetProfile(c *gin.Context) {
	user, err := h.svc.UserByID(currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// UpdateProfile changes the caller's display name.
func (h *ChatHandler) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := h.svc.UpdateProfile(currentUserID(c), req.DisplayName, nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

type StartConversationRequest struct {
	Email string `json:"email" binding:"required"`
}

// StartConversation resolves the direct chat with the user identified by
// email, creating it when absent. Resolving the same pair from either side
// returns the same conversation.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	chatRecord, other, created, err := h.svc.ResolveDirect(currentUserID(c), req.Email)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"chat":    chatRecord,
		"user":    other,
		"created": created,
	})
}

// ListConversations returns the caller's conversation previews, most recent
// first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	var online func(int) bool
	if h.hub != nil {
		online = h.hub.IsUserOnline
	}

	previews, err := h.svc.ListConversations(currentUserID(c), online)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": previews})
}
