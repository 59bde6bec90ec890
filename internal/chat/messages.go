package chat

import (
	"database/sql"
	"strings"

	"github.com/wavelink-chat/wavelink/internal/apperrors"
	"github.com/wavelink-chat/wavelink/internal/models"
)

// SaveMessage persists a new message and refreshes the conversation's
// last-message summary. The message must be scoped to exactly one
// conversation. When the caller supplied a client id that was already stored,
// the original row is returned unchanged (idempotent resend).
//
// The summary update is a second write: if it fails after the insert
// succeeded, the message exists but the conversation list is stale, which is
// reported as a partial failure rather than hidden.
func (s *Service) SaveMessage(m *models.Message) error {
	if (m.ChatID == nil) == (m.GroupID == nil) {
		return apperrors.Invalid("message must target exactly one conversation")
	}
	if strings.TrimSpace(m.Content) == "" {
		return apperrors.Invalid("message content is required")
	}

	clientID := sql.NullString{String: m.ClientID, Valid: m.ClientID != ""}

	result, err := s.db.Exec(`
		INSERT INTO messages (chat_id, group_id, sender_id, client_id, content, status)
		VALUES (?, ?, ?, ?, ?, 'sent')
	`, m.ChatID, m.GroupID, m.SenderID, clientID, m.Content)
	if err != nil {
		if clientID.Valid && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, rerr := s.messageByClientID(m.ClientID)
			if rerr != nil {
				return rerr
			}
			*m = *existing
			return nil
		}
		return apperrors.Unavailable("failed to save message", err)
	}

	id, _ := result.LastInsertId()
	saved, err := s.MessageByID(int(id))
	if err != nil {
		return err
	}
	*m = *saved

	var summaryErr error
	if m.ChatID != nil {
		_, summaryErr = s.db.Exec(`
			UPDATE chats SET last_message = ?, last_message_at = ? WHERE id = ?
		`, m.Content, m.CreatedAt, *m.ChatID)
	} else {
		_, summaryErr = s.db.Exec(`
			UPDATE chats SET last_message = ?, last_message_at = ? WHERE group_id = ?
		`, m.Content, m.CreatedAt, *m.GroupID)
	}
	if summaryErr != nil {
		return apperrors.Partial("message saved but conversation summary update failed", summaryErr)
	}

	return nil
}

const messageColumns = `
	m.id, m.chat_id, m.group_id, m.sender_id, m.client_id, m.content, m.status,
	m.created_at, m.delivered_at, m.read_at,
	a.file_name, a.stored_name, a.content_type
`

func (s *Service) scanMessage(scan func(dest ...any) error) (*models.Message, error) {
	var m models.Message
	var clientID sql.NullString
	var fileName, storedName, fileType sql.NullString
	err := scan(
		&m.ID, &m.ChatID, &m.GroupID, &m.SenderID, &clientID, &m.Content, &m.Status,
		&m.CreatedAt, &m.DeliveredAt, &m.ReadAt,
		&fileName, &storedName, &fileType,
	)
	if err != nil {
		return nil, err
	}
	m.ClientID = clientID.String
	if fileName.Valid {
		m.FileName = &fileName.String
		url := "/api/files/" + storedName.String
		m.FileURL = &url
		if fileType.Valid {
			m.FileType = &fileType.String
		}
	}
	return &m, nil
}

func (s *Service) MessageByID(id int) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN attachments a ON a.message_id = m.id
		WHERE m.id = ?
	`, id)
	m, err := s.scanMessage(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("message not found")
		}
		return nil, apperrors.Unavailable("failed to fetch message", err)
	}
	return m, nil
}

func (s *Service) messageByClientID(clientID string) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN attachments a ON a.message_id = m.id
		WHERE m.client_id = ?
	`, clientID)
	m, err := s.scanMessage(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("message not found")
		}
		return nil, apperrors.Unavailable("failed to fetch message", err)
	}
	return m, nil
}

// History returns the latest page of messages in the conversation, oldest
// first, ordered by creation time with ties broken by insertion order.
func (s *Service) History(ref models.ConversationRef, limit, offset int) ([]models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var where string
	var scope int
	if ref.IsGroup() {
		where = "m.group_id = ?"
		scope = ref.GroupID
	} else {
		where = "m.chat_id = ?"
		scope = ref.ChatID
	}

	rows, err := s.db.Query(`
		SELECT `+messageColumns+`
		FROM messages m LEFT JOIN attachments a ON a.message_id = m.id
		WHERE `+where+`
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`, scope, limit, offset)
	if err != nil {
		return nil, apperrors.Unavailable("failed to fetch messages", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := s.scanMessage(rows.Scan)
		if err != nil {
			return nil, apperrors.Unavailable("failed to scan message", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Unavailable("failed to fetch messages", err)
	}

	// Reverse to ascending order
	for i := len(messages)/2 - 1; i >= 0; i-- {
		opp := len(messages) - 1 - i
		messages[i], messages[opp] = messages[opp], messages[i]
	}

	return messages, nil
}

// MarkDelivered transitions a message to delivered. Only a participant other
// than the sender may mark it.
func (s *Service) MarkDelivered(messageID, userID int) (*models.Message, error) {
	return s.markStatus(messageID, userID, `
		UPDATE messages SET status = 'delivered', delivered_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'sent'
	`)
}

// MarkRead transitions a message to read.
func (s *Service) MarkRead(messageID, userID int) (*models.Message, error) {
	return s.markStatus(messageID, userID, `
		UPDATE messages SET status = 'read', read_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != 'read'
	`)
}

func (s *Service) markStatus(messageID, userID int, query string) (*models.Message, error) {
	m, err := s.MessageByID(messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID == userID {
		return nil, apperrors.Invalid("cannot mark your own message")
	}
	ok, err := s.CanAccess(m.Ref(), userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Invalid("cannot mark this message")
	}

	if _, err := s.db.Exec(query, messageID); err != nil {
		return nil, apperrors.Unavailable("failed to update message", err)
	}
	return s.MessageByID(messageID)
}

// DeleteMessage removes a message and its attachment rows. Sender only.
// Stored blob names of removed attachments are returned so the caller can
// delete the blobs.
func (s *Service) DeleteMessage(messageID, userID int) ([]string, error) {
	m, err := s.MessageByID(messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, apperrors.Invalid("can only delete your own messages")
	}

	rows, err := s.db.Query("SELECT stored_name FROM attachments WHERE message_id = ?", messageID)
	if err != nil {
		return nil, apperrors.Unavailable("failed to fetch attachments", err)
	}
	var storedNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			storedNames = append(storedNames, name)
		}
	}
	rows.Close()

	if _, err := s.db.Exec("DELETE FROM attachments WHERE message_id = ?", messageID); err != nil {
		return nil, apperrors.Unavailable("failed to delete attachments", err)
	}
	if _, err := s.db.Exec("DELETE FROM messages WHERE id = ?", messageID); err != nil {
		return nil, apperrors.Unavailable("failed to delete message", err)
	}

	return storedNames, nil
}

// SaveAttachment records an attachment row for an existing message.
func (s *Service) SaveAttachment(a *models.Attachment) error {
	result, err := s.db.Exec(`
		INSERT INTO attachments (message_id, file_name, stored_name, file_size, content_type)
		VALUES (?, ?, ?, ?, ?)
	`, a.MessageID, a.FileName, a.StoredName, a.FileSize, a.ContentType)
	if err != nil {
		return apperrors.Unavailable("failed to save attachment", err)
	}
	id, _ := result.LastInsertId()
	a.ID = int(id)
	return nil
}
