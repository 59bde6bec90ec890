package main

import (
	"database/sql"
	"fmt"
	"io"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wavelink-chat/wavelink/pkg/config"
)

type chatPairMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

// legacyChatRecord is a direct chat stored with its pair in the wrong order
// (user_low > user_high), written before pair normalization.
type legacyChatRecord struct {
	ID            int64
	UserLow       int64
	UserHigh      int64
	CanonicalID   int64 // 0 when no normalized duplicate exists
	MessageCount  int64
	LastMessageAt sql.NullString
}

func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: normalize-chat-pairs)")
	}

	switch args[0] {
	case "normalize-chat-pairs":
		opts, err := parseChatPairMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runChatPairMigration(out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseChatPairMigrationArgs(cfg *config.Config, args []string) (chatPairMigrationOptions, error) {
	opts := chatPairMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runChatPairMigration(out io.Writer, opts chatPairMigrationOptions) error {
	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	records, err := loadLegacyChatRecords(dbConn)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		if _, err := dbConn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("failed to finish migration transaction: %w", err)
		}
		inTx = false
		fmt.Fprintln(out, "Chat pair migration: already migrated (no reversed pairs).")
		return nil
	}

	var swapCount, mergeCount, movedMessages int64
	for _, record := range records {
		if record.CanonicalID == 0 {
			swapCount++
		} else {
			mergeCount++
			movedMessages += record.MessageCount
		}
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		fmt.Fprintf(out, "Would normalize %d chats: %d swapped in place, %d merged into their normalized duplicate (%d messages re-pointed).\n",
			len(records), swapCount, mergeCount, movedMessages)
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	for _, record := range records {
		if record.CanonicalID == 0 {
			if err := swapChatPair(dbConn, record); err != nil {
				return err
			}
		} else {
			if err := mergeChatIntoCanonical(dbConn, record); err != nil {
				return err
			}
		}
	}

	if err := validateChatPairMigration(dbConn); err != nil {
		return err
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Migration completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Normalized %d chats: %d swapped in place, %d merged (%d messages re-pointed).\n",
		len(records), swapCount, mergeCount, movedMessages)
	return nil
}

func loadLegacyChatRecords(dbConn *sql.DB) ([]legacyChatRecord, error) {
	rows, err := dbConn.Query(`
		SELECT
			c.id, c.user_low, c.user_high,
			COALESCE(dup.id, 0),
			(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id),
			c.last_message_at
		FROM chats c
		LEFT JOIN chats dup
			ON dup.user_low = c.user_high AND dup.user_high = c.user_low
		WHERE c.user_low IS NOT NULL AND c.user_low > c.user_high
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read reversed chat pairs: %w", err)
	}
	defer rows.Close()

	records := make([]legacyChatRecord, 0)
	for rows.Next() {
		var record legacyChatRecord
		if err := rows.Scan(&record.ID, &record.UserLow, &record.UserHigh,
			&record.CanonicalID, &record.MessageCount, &record.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan reversed chat pair: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while reading reversed chat pairs: %w", err)
	}

	return records, nil
}

func swapChatPair(dbConn *sql.DB, record legacyChatRecord) error {
	if _, err := dbConn.Exec(`
		UPDATE chats SET user_low = ?, user_high = ? WHERE id = ?
	`, record.UserHigh, record.UserLow, record.ID); err != nil {
		return fmt.Errorf("failed to normalize chat %d: %w", record.ID, err)
	}
	return nil
}

// mergeChatIntoCanonical re-points the reversed chat's messages at the
// normalized duplicate, keeps the newer last-message summary and drops the
// reversed row.
func mergeChatIntoCanonical(dbConn *sql.DB, record legacyChatRecord) error {
	if _, err := dbConn.Exec(`
		UPDATE messages SET chat_id = ? WHERE chat_id = ?
	`, record.CanonicalID, record.ID); err != nil {
		return fmt.Errorf("failed to re-point messages of chat %d: %w", record.ID, err)
	}

	if _, err := dbConn.Exec(`
		UPDATE chats SET
			last_message = (
				SELECT m.content FROM messages m WHERE m.chat_id = chats.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1
			),
			last_message_at = (
				SELECT m.created_at FROM messages m WHERE m.chat_id = chats.id
				ORDER BY m.created_at DESC, m.id DESC LIMIT 1
			)
		WHERE id = ?
	`, record.CanonicalID); err != nil {
		return fmt.Errorf("failed to refresh summary of chat %d: %w", record.CanonicalID, err)
	}

	if _, err := dbConn.Exec("DELETE FROM chats WHERE id = ?", record.ID); err != nil {
		return fmt.Errorf("failed to delete merged chat %d: %w", record.ID, err)
	}

	return nil
}

func validateChatPairMigration(dbConn *sql.DB) error {
	var reversed int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*) FROM chats WHERE user_low IS NOT NULL AND user_low > user_high
	`).Scan(&reversed); err != nil {
		return fmt.Errorf("failed to validate pair order: %w", err)
	}
	if reversed != 0 {
		return fmt.Errorf("%d reversed pairs remain after migration", reversed)
	}

	var duplicates int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT user_low, user_high FROM chats
			WHERE user_low IS NOT NULL
			GROUP BY user_low, user_high
			HAVING COUNT(*) > 1
		)
	`).Scan(&duplicates); err != nil {
		return fmt.Errorf("failed to validate pair uniqueness: %w", err)
	}
	if duplicates != 0 {
		return fmt.Errorf("%d duplicate pairs remain after migration", duplicates)
	}

	var orphans int
	if err := dbConn.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.chat_id IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM chats c WHERE c.id = m.chat_id)
	`).Scan(&orphans); err != nil {
		return fmt.Errorf("failed to validate message ownership: %w", err)
	}
	if orphans != 0 {
		return fmt.Errorf("%d messages point at deleted chats after migration", orphans)
	}

	return nil
}
