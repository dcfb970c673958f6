package chat

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// History is a local SQLite cache of conversation logs. The store stays
// authoritative; the cache only makes past conversations readable while
// offline. Each snapshot replaces the cached conversation wholesale, so
// edits and deletes need no special handling here.
type History struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// OpenHistory opens or creates the cache database in dir.
func OpenHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	dbPath := filepath.Join(dir, "chat.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT NOT NULL,
			conversation  TEXT NOT NULL,
			sender_id     TEXT NOT NULL,
			sender_name   TEXT DEFAULT '',
			receiver_id   TEXT NOT NULL,
			receiver_name TEXT DEFAULT '',
			text          TEXT NOT NULL,
			timestamp     INTEGER NOT NULL,
			edited        INTEGER DEFAULT 0,
			deleted_for   TEXT DEFAULT '',
			PRIMARY KEY (conversation, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_timeline
			ON messages (conversation, timestamp, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &History{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (h *History) Path() string { return h.path }

// ReplaceConversation swaps the cached log of one conversation for msgs
// in a single transaction.
func (h *History) ReplaceConversation(key string, msgs []Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation = ?`, key); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages
			(id, conversation, sender_id, sender_name, receiver_id, receiver_name, text, timestamp, edited, deleted_for)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		deletedFor := ""
		if len(msg.DeletedFor) > 0 {
			b, err := json.Marshal(msg.DeletedFor)
			if err != nil {
				return fmt.Errorf("encode deletedFor for %s: %w", msg.ID, err)
			}
			deletedFor = string(b)
		}
		edited := 0
		if msg.Edited {
			edited = 1
		}
		if _, err := stmt.Exec(
			msg.ID, key, msg.SenderID, msg.SenderName,
			msg.ReceiverID, msg.ReceiverName,
			msg.Text, msg.Timestamp, edited, deletedFor,
		); err != nil {
			return fmt.Errorf("insert %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// Recent returns up to limit cached messages of a conversation in
// timeline order. limit <= 0 returns the whole conversation.
func (h *History) Recent(key string, limit int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `
		SELECT id, sender_id, sender_name, receiver_id, receiver_name, text, timestamp, edited, deleted_for
		FROM messages WHERE conversation = ?
		ORDER BY timestamp, id
	`
	args := []any{key}
	if limit > 0 {
		// Last N in timeline order: take the newest N, then re-sort.
		query = `
			SELECT id, sender_id, sender_name, receiver_id, receiver_name, text, timestamp, edited, deleted_for
			FROM (
				SELECT * FROM messages WHERE conversation = ?
				ORDER BY timestamp DESC, id DESC LIMIT ?
			)
			ORDER BY timestamp, id
		`
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var edited int
		var deletedFor string
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.SenderName,
			&msg.ReceiverID, &msg.ReceiverName,
			&msg.Text, &msg.Timestamp, &edited, &deletedFor,
		); err != nil {
			return nil, err
		}
		msg.Edited = edited != 0
		if deletedFor != "" {
			if err := json.Unmarshal([]byte(deletedFor), &msg.DeletedFor); err != nil {
				return nil, fmt.Errorf("decode deletedFor for %s: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
