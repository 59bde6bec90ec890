package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	MemberIDs   []int  `json:"member_ids" binding:"required"`
}

// CreateGroup creates a group, its memberships and its conversation in one
// step.
func (h *ChatHandler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	group, chatRecord, err := h.svc.CreateGroup(req.Name, req.Description, currentUserID(c), req.MemberIDs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"group": group, "chat": chatRecord})
}

// GetGroup returns a group with its members. Members only.
func (h *ChatHandler) GetGroup(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}

	isMember, err := h.svc.IsMember(groupID, currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if !isMember {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		return
	}

	group, err := h.svc.GroupByID(groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	members, err := h.svc.GroupMembers(groupID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"group": group, "members": members})
}

type MemberRequest struct {
	UserID int `json:"user_id" binding:"required"`
}

// AddGroupMember adds a user to the group. Owner only.
func (h *ChatHandler) AddGroupMember(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.svc.AddMember(groupID, currentUserID(c), req.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "added"})
}

// RemoveGroupMember removes a user from the group. Owner only.
func (h *ChatHandler) RemoveGroupMember(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	if err := h.svc.RemoveMember(groupID, currentUserID(c), userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

// LeaveGroup removes the caller's own membership.
func (h *ChatHandler) LeaveGroup(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.svc.LeaveGroup(groupID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// DeleteGroup removes the group and its conversation. Creator only.
func (h *ChatHandler) DeleteGroup(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.svc.DeleteGroup(groupID, currentUserID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
