package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wavelink-chat/wavelink/internal/models"
	"github.com/wavelink-chat/wavelink/internal/storage"
)

// UploadMessageImage persists an image message: the blob goes to storage
// under a random name, the message and its attachment row to the database.
func (h *ChatHandler) UploadMessageImage(c *gin.Context) {
	chatID, _ := strconv.Atoi(c.PostForm("chat_id"))
	groupID, _ := strconv.Atoi(c.PostForm("group_id"))

	var ref models.ConversationRef
	if groupID > 0 {
		ref = models.GroupRef(groupID)
	} else if chatID > 0 {
		ref = models.DirectRef(chatID)
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

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !storage.Allowed(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only jpeg, png, gif and webp images are allowed"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return
	}
	defer f.Close()

	storedName, err := h.store.Save(contentType, fileHeader.Size, f)
	if err != nil {
		respondError(c, err)
		return
	}

	content := c.PostForm("content")
	if content == "" {
		content = fileHeader.Filename
	}

	msg := &models.Message{
		SenderID: userID,
		ClientID: c.PostForm("client_id"),
		Content:  content,
	}
	if ref.IsGroup() {
		msg.GroupID = &groupID
	} else {
		msg.ChatID = &chatID
	}

	if err := h.svc.SaveMessage(msg); err != nil {
		h.store.Delete(storedName)
		respondError(c, err)
		return
	}

	att := &models.Attachment{
		MessageID:   msg.ID,
		FileName:    fileHeader.Filename,
		StoredName:  storedName,
		FileSize:    fileHeader.Size,
		ContentType: contentType,
	}
	if err := h.svc.SaveAttachment(att); err != nil {
		h.store.Delete(storedName)
		respondError(c, err)
		return
	}

	// Re-read so the response and broadcast carry the attachment fields
	saved, err := h.svc.MessageByID(msg.ID)
	if err == nil {
		msg = saved
	}

	if h.hub != nil {
		h.hub.BroadcastMessage(msg)
	}
	c.JSON(http.StatusCreated, msg)
}

// ServeFile streams a stored blob by its random name.
func (h *ChatHandler) ServeFile(c *gin.Context) {
	path, err := h.store.Path(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.File(path)
}

// UploadAvatar replaces the caller's avatar image.
func (h *ChatHandler) UploadAvatar(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if !storage.Allowed(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only jpeg, png, gif and webp images are allowed"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return
	}
	defer f.Close()

	storedName, err := h.store.Save(contentType, fileHeader.Size, f)
	if err != nil {
		respondError(c, err)
		return
	}

	userID := currentUserID(c)
	user, err := h.svc.UserByID(userID)
	if err != nil {
		h.store.Delete(storedName)
		respondError(c, err)
		return
	}

	url := h.store.PublicURL(storedName)
	updated, err := h.svc.UpdateProfile(userID, user.DisplayName, &url)
	if err != nil {
		h.store.Delete(storedName)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, updated)
}
