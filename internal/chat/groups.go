package chat

import (
	"database/sql"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
	"github.com/wavelink-chat/wavelink/internal/models"
)

// CreateGroup validates its inputs, then writes the group, the creator's
// owner membership, the member memberships and the group-scoped chat row in
// one transaction. A failure in any step leaves no partial state behind.
func (s *Service) CreateGroup(name, description string, creatorID int, memberIDs []int) (*models.Group, *models.Chat, error) {
	if name == "" {
		return nil, nil, apperrors.Invalid("group name is required")
	}

	members := dedupeMembers(memberIDs, creatorID)
	if len(members) == 0 {
		return nil, nil, apperrors.Invalid("select at least one member")
	}

	for _, id := range members {
		var exists bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", id).Scan(&exists); err != nil {
			return nil, nil, apperrors.Unavailable("failed to check members", err)
		}
		if !exists {
			return nil, nil, apperrors.NotFound("member not found")
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, apperrors.Unavailable("failed to create group", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO groups (name, description, created_by) VALUES (?, ?, ?)
	`, name, description, creatorID)
	if err != nil {
		return nil, nil, apperrors.Unavailable("failed to create group", err)
	}
	groupID64, _ := result.LastInsertId()
	groupID := int(groupID64)

	if _, err := tx.Exec(`
		INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)
	`, groupID, creatorID, models.RoleOwner); err != nil {
		return nil, nil, apperrors.Unavailable("failed to add group owner", err)
	}

	for _, id := range members {
		if _, err := tx.Exec(`
			INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)
		`, groupID, id, models.RoleMember); err != nil {
			return nil, nil, apperrors.Unavailable("failed to add group member", err)
		}
	}

	result, err = tx.Exec("INSERT INTO chats (group_id) VALUES (?)", groupID)
	if err != nil {
		return nil, nil, apperrors.Unavailable("failed to create group conversation", err)
	}
	chatID64, _ := result.LastInsertId()

	if err := tx.Commit(); err != nil {
		return nil, nil, apperrors.Unavailable("failed to create group", err)
	}

	group, err := s.GroupByID(groupID)
	if err != nil {
		return nil, nil, err
	}
	chat, err := s.ChatByID(int(chatID64))
	if err != nil {
		return nil, nil, err
	}
	return group, chat, nil
}

// dedupeMembers drops duplicates and the creator, preserving order.
func dedupeMembers(memberIDs []int, creatorID int) []int {
	seen := map[int]struct{}{creatorID: {}}
	var out []int
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) GroupByID(id int) (*models.Group, error) {
	var g models.Group
	err := s.db.QueryRow(`
		SELECT id, name, description, created_by, created_at FROM groups WHERE id = ?
	`, id).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedBy, &g.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("group not found")
		}
		return nil, apperrors.Unavailable("failed to fetch group", err)
	}
	return &g, nil
}

// GroupMember is a membership joined with its user profile.
type GroupMember struct {
	models.Membership
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

func (s *Service) GroupMembers(groupID int) ([]GroupMember, error) {
	rows, err := s.db.Query(`
		SELECT gm.group_id, gm.user_id, gm.role, gm.joined_at, u.email, u.display_name, u.avatar_url
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = ?
		ORDER BY gm.joined_at
	`, groupID)
	if err != nil {
		return nil, apperrors.Unavailable("failed to fetch group members", err)
	}
	defer rows.Close()

	members := []GroupMember{}
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Role, &m.JoinedAt, &m.Email, &m.DisplayName, &m.AvatarURL); err != nil {
			continue
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Service) IsMember(groupID, userID int) (bool, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = ? AND user_id = ?)
	`, groupID, userID).Scan(&exists)
	if err != nil {
		return false, apperrors.Unavailable("failed to check membership", err)
	}
	return exists, nil
}

func (s *Service) memberRole(groupID, userID int) (string, error) {
	var role string
	err := s.db.QueryRow(`
		SELECT role FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", apperrors.NotFound("not a member of this group")
		}
		return "", apperrors.Unavailable("failed to check membership", err)
	}
	return role, nil
}

// AddMember adds userID to the group. Owner only. Adding an existing member
// is a no-op: a user appears at most once per group.
func (s *Service) AddMember(groupID, actorID, userID int) error {
	role, err := s.memberRole(groupID, actorID)
	if err != nil {
		return err
	}
	if role != models.RoleOwner {
		return apperrors.Invalid("only the group owner can add members")
	}

	var exists bool
	if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists); err != nil {
		return apperrors.Unavailable("failed to check user", err)
	}
	if !exists {
		return apperrors.NotFound("user not found")
	}

	_, err = s.db.Exec(`
		INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO NOTHING
	`, groupID, userID, models.RoleMember)
	if err != nil {
		return apperrors.Unavailable("failed to add member", err)
	}
	return nil
}

// RemoveMember removes userID from the group. Owner only; the owner cannot
// remove themselves (use LeaveGroup semantics or DeleteGroup instead).
func (s *Service) RemoveMember(groupID, actorID, userID int) error {
	role, err := s.memberRole(groupID, actorID)
	if err != nil {
		return err
	}
	if role != models.RoleOwner {
		return apperrors.Invalid("only the group owner can remove members")
	}
	if userID == actorID {
		return apperrors.Invalid("the owner cannot remove themselves")
	}

	result, err := s.db.Exec(`
		DELETE FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID)
	if err != nil {
		return apperrors.Unavailable("failed to remove member", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.NotFound("not a member of this group")
	}
	return nil
}

func (s *Service) LeaveGroup(groupID, userID int) error {
	role, err := s.memberRole(groupID, userID)
	if err != nil {
		return err
	}
	if role == models.RoleOwner {
		return apperrors.Invalid("the owner cannot leave the group; delete it instead")
	}

	_, err = s.db.Exec(`
		DELETE FROM group_members WHERE group_id = ? AND user_id = ?
	`, groupID, userID)
	if err != nil {
		return apperrors.Unavailable("failed to leave group", err)
	}
	return nil
}

// DeleteGroup removes the group and, via cascading foreign keys, its
// memberships, chat record and messages. Creator only.
func (s *Service) DeleteGroup(groupID, actorID int) error {
	group, err := s.GroupByID(groupID)
	if err != nil {
		return err
	}
	if group.CreatedBy != actorID {
		return apperrors.Invalid("only the group creator can delete the group")
	}

	_, err = s.db.Exec("DELETE FROM groups WHERE id = ?", groupID)
	if err != nil {
		return apperrors.Unavailable("failed to delete group", err)
	}
	return nil
}
