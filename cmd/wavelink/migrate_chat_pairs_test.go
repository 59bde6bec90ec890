package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wavelink-chat/wavelink/internal/db"
	"github.com/wavelink-chat/wavelink/pkg/config"
)

func newMigrationFixture(t *testing.T) (string, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wavelink.db")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	conn := database.Conn()

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"} {
		if _, err := conn.Exec(`
			INSERT INTO users (email, display_name, password_hash) VALUES (?, 'User', 'x')
		`, email); err != nil {
			t.Fatalf("Failed to seed user: %v", err)
		}
	}

	return path, conn
}

func TestParseChatPairMigrationArgs(t *testing.T) {
	cfg := &config.Config{DatabasePath: "/default.db"}

	opts, err := parseChatPairMigrationArgs(cfg, []string{"--dry-run", "--database", "/other.db"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !opts.DryRun || opts.DatabasePath != "/other.db" {
		t.Errorf("Unexpected options: %+v", opts)
	}

	if _, err := parseChatPairMigrationArgs(cfg, []string{"--database"}); err == nil {
		t.Error("Expected error for --database without a path")
	}
	if _, err := parseChatPairMigrationArgs(cfg, []string{"--bogus"}); err == nil {
		t.Error("Expected error for unknown flag")
	}
}

func TestMigrateUnknownTarget(t *testing.T) {
	cfg := &config.Config{DatabasePath: "/x.db"}
	var out bytes.Buffer

	if err := runMigrate(cfg, &out, nil); err == nil {
		t.Error("Expected error for missing target")
	}
	if err := runMigrate(cfg, &out, []string{"bogus"}); err == nil {
		t.Error("Expected error for unknown target")
	}
}

func TestChatPairMigrationSwapsReversedRows(t *testing.T) {
	path, conn := newMigrationFixture(t)

	// A reversed pair without a normalized duplicate
	if _, err := conn.Exec("INSERT INTO chats (user_low, user_high) VALUES (2, 1)"); err != nil {
		t.Fatalf("Failed to seed reversed chat: %v", err)
	}

	var out bytes.Buffer
	err := runChatPairMigration(&out, chatPairMigrationOptions{DatabasePath: path})
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	var low, high int
	if err := conn.QueryRow("SELECT user_low, user_high FROM chats").Scan(&low, &high); err != nil {
		t.Fatalf("Failed to read chat: %v", err)
	}
	if low != 1 || high != 2 {
		t.Errorf("Expected normalized pair (1,2), got (%d,%d)", low, high)
	}
	if !strings.Contains(out.String(), "1 swapped in place") {
		t.Errorf("Expected swap report, got: %s", out.String())
	}
}

func TestChatPairMigrationMergesDuplicates(t *testing.T) {
	path, conn := newMigrationFixture(t)

	// The same pair stored both ways, each with messages
	if _, err := conn.Exec("INSERT INTO chats (id, user_low, user_high) VALUES (1, 1, 2), (2, 2, 1)"); err != nil {
		t.Fatalf("Failed to seed chats: %v", err)
	}
	if _, err := conn.Exec(`
		INSERT INTO messages (chat_id, sender_id, content, status, created_at) VALUES
			(1, 1, 'older', 'sent', '2025-01-01 10:00:00'),
			(2, 2, 'newer', 'sent', '2025-01-02 10:00:00')
	`); err != nil {
		t.Fatalf("Failed to seed messages: %v", err)
	}

	var out bytes.Buffer
	err := runChatPairMigration(&out, chatPairMigrationOptions{DatabasePath: path})
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}

	var chats int
	conn.QueryRow("SELECT COUNT(*) FROM chats").Scan(&chats)
	if chats != 1 {
		t.Fatalf("Expected 1 chat after merge, got %d", chats)
	}

	var messages int
	conn.QueryRow("SELECT COUNT(*) FROM messages WHERE chat_id = 1").Scan(&messages)
	if messages != 2 {
		t.Errorf("Expected both messages on the surviving chat, got %d", messages)
	}

	var lastMessage string
	conn.QueryRow("SELECT last_message FROM chats WHERE id = 1").Scan(&lastMessage)
	if lastMessage != "newer" {
		t.Errorf("Expected summary from the newest message, got %q", lastMessage)
	}

	if !strings.Contains(out.String(), "1 merged") {
		t.Errorf("Expected merge report, got: %s", out.String())
	}
}

func TestChatPairMigrationDryRunChangesNothing(t *testing.T) {
	path, conn := newMigrationFixture(t)

	if _, err := conn.Exec("INSERT INTO chats (user_low, user_high) VALUES (2, 1)"); err != nil {
		t.Fatalf("Failed to seed reversed chat: %v", err)
	}

	var out bytes.Buffer
	err := runChatPairMigration(&out, chatPairMigrationOptions{DatabasePath: path, DryRun: true})
	if err != nil {
		t.Fatalf("Dry-run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Dry-run successful") {
		t.Errorf("Expected dry-run report, got: %s", out.String())
	}

	var low, high int
	if err := conn.QueryRow("SELECT user_low, user_high FROM chats").Scan(&low, &high); err != nil {
		t.Fatalf("Failed to read chat: %v", err)
	}
	if low != 2 || high != 1 {
		t.Error("Expected dry-run to leave the reversed pair untouched")
	}
}

func TestChatPairMigrationNoop(t *testing.T) {
	path, conn := newMigrationFixture(t)

	if _, err := conn.Exec("INSERT INTO chats (user_low, user_high) VALUES (1, 2), (3, 4)"); err != nil {
		t.Fatalf("Failed to seed chats: %v", err)
	}

	var out bytes.Buffer
	err := runChatPairMigration(&out, chatPairMigrationOptions{DatabasePath: path})
	if err != nil {
		t.Fatalf("Migration failed: %v", err)
	}
	if !strings.Contains(out.String(), "already migrated") {
		t.Errorf("Expected no-op report, got: %s", out.String())
	}
}
