package models

import "time"

type User struct {
	ID          int       `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	Status      string    `json:"status"` // online, offline
	CreatedAt   time.Time `json:"created_at"`
}

// Chat is a conversation record. Direct chats carry the normalized user pair
// (UserLow < UserHigh); group chats carry GroupID instead. Exactly one of the
// two shapes is set.
type Chat struct {
	ID            int        `json:"id"`
	UserLow       *int       `json:"user_low,omitempty"`
	UserHigh      *int       `json:"user_high,omitempty"`
	GroupID       *int       `json:"group_id,omitempty"`
	LastMessage   *string    `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsGroup reports whether the chat is group-scoped.
func (c *Chat) IsGroup() bool {
	return c.GroupID != nil
}

// OtherUser returns the counterpart of selfID in a direct chat, or 0 when the
// chat is group-scoped or selfID is not a participant.
func (c *Chat) OtherUser(selfID int) int {
	if c.UserLow == nil || c.UserHigh == nil {
		return 0
	}
	switch selfID {
	case *c.UserLow:
		return *c.UserHigh
	case *c.UserHigh:
		return *c.UserLow
	}
	return 0
}

type Group struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   int       `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Membership struct {
	GroupID  int       `json:"group_id"`
	UserID   int       `json:"user_id"`
	Role     string    `json:"role"` // owner, member
	JoinedAt time.Time `json:"joined_at"`
}

type Message struct {
	ID          int        `json:"id"`
	ChatID      *int       `json:"chat_id,omitempty"`
	GroupID     *int       `json:"group_id,omitempty"`
	SenderID    int        `json:"sender_id"`
	ClientID    string     `json:"client_id,omitempty"`
	Content     string     `json:"content"`
	Status      string     `json:"status"` // sent, delivered, read
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FileName    *string    `json:"file_name,omitempty"`
	FileURL     *string    `json:"file_url,omitempty"`
	FileType    *string    `json:"file_content_type,omitempty"`
}

// ConversationRef identifies the conversation a message or subscription is
// scoped to: a direct chat id or a group id, never both.
type ConversationRef struct {
	ChatID  int
	GroupID int
}

func DirectRef(chatID int) ConversationRef { return ConversationRef{ChatID: chatID} }
func GroupRef(groupID int) ConversationRef { return ConversationRef{GroupID: groupID} }

func (r ConversationRef) IsGroup() bool { return r.GroupID != 0 }
func (r ConversationRef) IsZero() bool  { return r.ChatID == 0 && r.GroupID == 0 }

// Ref returns the conversation the message belongs to.
func (m *Message) Ref() ConversationRef {
	if m.GroupID != nil {
		return GroupRef(*m.GroupID)
	}
	if m.ChatID != nil {
		return DirectRef(*m.ChatID)
	}
	return ConversationRef{}
}

type Attachment struct {
	ID          int       `json:"id"`
	MessageID   int       `json:"message_id"`
	FileName    string    `json:"file_name"`
	StoredName  string    `json:"-"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}
