package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode allows readers to work while a writer is writing
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait up to 5s instead of returning SQLITE_BUSY on concurrent writes
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// Schema is the full table set. Exported so tests and the migration command
// can create it against their own connections.
const Schema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		avatar_url TEXT,
		status TEXT NOT NULL DEFAULT 'offline',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (created_by) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (group_id, user_id),
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_low INTEGER,
		user_high INTEGER,
		group_id INTEGER,
		last_message TEXT,
		last_message_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_low) REFERENCES users(id),
		FOREIGN KEY (user_high) REFERENCES users(id),
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
		CHECK (
			(user_low IS NOT NULL AND user_high IS NOT NULL AND group_id IS NULL)
			OR (user_low IS NULL AND user_high IS NULL AND group_id IS NOT NULL)
		)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER,
		group_id INTEGER,
		sender_id INTEGER NOT NULL,
		client_id TEXT,
		content TEXT NOT NULL,
		status TEXT DEFAULT 'sent',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		delivered_at TIMESTAMP,
		read_at TIMESTAMP,
		FOREIGN KEY (chat_id) REFERENCES chats(id),
		FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE,
		FOREIGN KEY (sender_id) REFERENCES users(id),
		CHECK ((chat_id IS NULL) != (group_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		file_name TEXT NOT NULL,
		stored_name TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		endpoint TEXT UNIQUE NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		revoked_at TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	-- One direct chat per unordered pair. Pairs are stored normalized
	-- (user_low < user_high) so the unique index is authoritative even when
	-- two clients race to create the same conversation.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_pair ON chats(user_low, user_high)
		WHERE user_low IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_group ON chats(group_id)
		WHERE group_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id ON messages(client_id)
		WHERE client_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(chat_id, sender_id, read_at);
	CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id);
	CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(Schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}
