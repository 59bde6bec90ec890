// Package chat owns conversation resolution and message persistence: direct
// chats are upserted by their unordered participant pair, group chats are
// created alongside the group and its memberships.
package chat

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
	"github.com/wavelink-chat/wavelink/internal/models"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) UserByEmail(email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return s.scanUser(s.db.QueryRow(`
		SELECT id, email, display_name, avatar_url, status, created_at
		FROM users WHERE email = ?
	`, email))
}

func (s *Service) UserByID(id int) (*models.User, error) {
	return s.scanUser(s.db.QueryRow(`
		SELECT id, email, display_name, avatar_url, status, created_at
		FROM users WHERE id = ?
	`, id))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Status, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Unavailable("failed to fetch user", err)
	}
	return &u, nil
}

// SetUserStatus records a user's presence ("online" or "offline").
func (s *Service) SetUserStatus(userID int, status string) error {
	_, err := s.db.Exec("UPDATE users SET status = ? WHERE id = ?", status, userID)
	if err != nil {
		return apperrors.Unavailable("failed to update user status", err)
	}
	return nil
}

// UpdateProfile changes the display name and, when avatarURL is non-nil, the
// avatar of a user.
func (s *Service) UpdateProfile(userID int, displayName string, avatarURL *string) (*models.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, apperrors.Invalid("display name is required")
	}

	var err error
	if avatarURL != nil {
		_, err = s.db.Exec("UPDATE users SET display_name = ?, avatar_url = ? WHERE id = ?", displayName, *avatarURL, userID)
	} else {
		_, err = s.db.Exec("UPDATE users SET display_name = ? WHERE id = ?", displayName, userID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to update profile", err)
	}
	return s.UserByID(userID)
}

// SearchUsers returns up to 20 users other than selfID, optionally filtered
// by a case-insensitive match on email or display name.
func (s *Service) SearchUsers(selfID int, query string) ([]models.User, error) {
	query = strings.TrimSpace(query)

	var rows *sql.Rows
	var err error
	if query != "" {
		rows, err = s.db.Query(`
			SELECT id, email, display_name, avatar_url, status, created_at FROM users
			WHERE id != ? AND (email LIKE ? OR display_name LIKE ?)
			ORDER BY display_name LIMIT 20
		`, selfID, "%"+query+"%", "%"+query+"%")
	} else {
		rows, err = s.db.Query(`
			SELECT id, email, display_name, avatar_url, status, created_at FROM users
			WHERE id != ? ORDER BY display_name LIMIT 20
		`, selfID)
	}
	if err != nil {
		return nil, apperrors.Unavailable("failed to fetch users", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.Status, &u.CreatedAt); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ResolveDirect returns the canonical direct chat between selfID and the user
// identified by otherEmail, creating it when absent. Resolving from either
// side yields the same chat: the pair is matched in both stored orders and new
// rows are written normalized (low id first).
func (s *Service) ResolveDirect(selfID int, otherEmail string) (*models.Chat, *models.User, bool, error) {
	other, err := s.UserByEmail(otherEmail)
	if err != nil {
		return nil, nil, false, err
	}

	if other.ID == selfID {
		return nil, nil, false, apperrors.Invalid("cannot start a conversation with yourself")
	}

	// Match both orderings so legacy rows written before pair normalization
	// still resolve.
	chat, err := s.scanChat(s.db.QueryRow(`
		SELECT id, user_low, user_high, group_id, last_message, last_message_at, created_at
		FROM chats
		WHERE (user_low = ? AND user_high = ?) OR (user_low = ? AND user_high = ?)
		LIMIT 1
	`, selfID, other.ID, other.ID, selfID))
	if err == nil {
		return chat, other, false, nil
	}
	if !isNotFound(err) {
		return nil, nil, false, err
	}

	low, high := selfID, other.ID
	if low > high {
		low, high = high, low
	}

	result, err := s.db.Exec(`
		INSERT INTO chats (user_low, user_high) VALUES (?, ?)
	`, low, high)
	if err != nil {
		// A concurrent resolve from the other side may have won the race;
		// the unique pair index makes the retry read authoritative.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			chat, rerr := s.scanChat(s.db.QueryRow(`
				SELECT id, user_low, user_high, group_id, last_message, last_message_at, created_at
				FROM chats WHERE user_low = ? AND user_high = ?
			`, low, high))
			if rerr != nil {
				return nil, nil, false, rerr
			}
			return chat, other, false, nil
		}
		return nil, nil, false, apperrors.Unavailable("failed to create conversation", err)
	}

	id, _ := result.LastInsertId()
	chat, err = s.ChatByID(int(id))
	if err != nil {
		return nil, nil, false, err
	}
	return chat, other, true, nil
}

func (s *Service) ChatByID(id int) (*models.Chat, error) {
	return s.scanChat(s.db.QueryRow(`
		SELECT id, user_low, user_high, group_id, last_message, last_message_at, created_at
		FROM chats WHERE id = ?
	`, id))
}

// ChatByGroup returns the conversation record keyed by a group identity.
func (s *Service) ChatByGroup(groupID int) (*models.Chat, error) {
	return s.scanChat(s.db.QueryRow(`
		SELECT id, user_low, user_high, group_id, last_message, last_message_at, created_at
		FROM chats WHERE group_id = ?
	`, groupID))
}

func (s *Service) scanChat(row *sql.Row) (*models.Chat, error) {
	var c models.Chat
	err := row.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.GroupID, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("conversation not found")
		}
		return nil, apperrors.Unavailable("failed to fetch conversation", err)
	}
	return &c, nil
}

// CanAccess reports whether userID may read and post to the conversation.
func (s *Service) CanAccess(ref models.ConversationRef, userID int) (bool, error) {
	if ref.IsGroup() {
		return s.IsMember(ref.GroupID, userID)
	}
	chat, err := s.ChatByID(ref.ChatID)
	if err != nil {
		return false, err
	}
	if chat.IsGroup() {
		return s.IsMember(*chat.GroupID, userID)
	}
	return chat.OtherUser(userID) != 0, nil
}

// ConversationPreview is one row of the conversation list.
type ConversationPreview struct {
	ChatID        int        `json:"chat_id"`
	GroupID       *int       `json:"group_id,omitempty"`
	Name          string     `json:"name"`
	UserID        *int       `json:"user_id,omitempty"`
	Email         *string    `json:"email,omitempty"`
	AvatarURL     *string    `json:"avatar_url,omitempty"`
	IsOnline      bool       `json:"is_online"`
	LastMessage   *string    `json:"last_message,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int        `json:"unread_count"`
}

// ListConversations returns direct and group conversations for selfID with
// their denormalized last-message summaries, most recent activity first.
// The online callback may be nil.
func (s *Service) ListConversations(selfID int, online func(int) bool) ([]ConversationPreview, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.user_low, c.user_high, c.group_id, c.last_message, c.last_message_at, c.created_at
		FROM chats c
		LEFT JOIN group_members gm ON gm.group_id = c.group_id AND gm.user_id = ?
		WHERE c.user_low = ? OR c.user_high = ? OR gm.user_id IS NOT NULL
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`, selfID, selfID, selfID)
	if err != nil {
		return nil, apperrors.Unavailable("failed to fetch conversations", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.GroupID, &c.LastMessage, &c.LastMessageAt, &c.CreatedAt); err != nil {
			continue
		}
		chats = append(chats, c)
	}
	rows.Close()

	previews := []ConversationPreview{}
	for i := range chats {
		c := &chats[i]
		p := ConversationPreview{
			ChatID:        c.ID,
			LastMessage:   c.LastMessage,
			LastMessageAt: c.LastMessageAt,
		}

		if c.IsGroup() {
			var name string
			if err := s.db.QueryRow("SELECT name FROM groups WHERE id = ?", *c.GroupID).Scan(&name); err != nil {
				continue
			}
			p.GroupID = c.GroupID
			p.Name = name
			s.db.QueryRow(`
				SELECT COUNT(*) FROM messages
				WHERE group_id = ? AND sender_id != ? AND read_at IS NULL
			`, *c.GroupID, selfID).Scan(&p.UnreadCount)
		} else {
			otherID := c.OtherUser(selfID)
			var u models.User
			err := s.db.QueryRow(`
				SELECT id, email, display_name, avatar_url FROM users WHERE id = ?
			`, otherID).Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL)
			if err != nil {
				continue
			}
			p.UserID = &u.ID
			p.Email = &u.Email
			p.Name = u.DisplayName
			p.AvatarURL = u.AvatarURL
			p.IsOnline = online != nil && online(otherID)
			s.db.QueryRow(`
				SELECT COUNT(*) FROM messages
				WHERE chat_id = ? AND sender_id = ? AND read_at IS NULL
			`, c.ID, otherID).Scan(&p.UnreadCount)
		}

		previews = append(previews, p)
	}

	return previews, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
