// Package store provides SQLite-backed persistence for conversations and
// their messages. It owns identity generation for both record types;
// everything else in the system treats conversation and message ids as
// opaque strings.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a referenced conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Sender role values for messages.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// timeFormat is the TEXT representation of timestamps in the database.
// Unlike RFC3339Nano it never strips trailing zeros from the fraction,
// so the stored strings are fixed-width and lexicographic comparison in
// SQL matches chronological order. RFC3339Nano would misorder values in
// the same second ("…00.52Z" sorts before "…00.5Z").
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Conversation is a persisted thread of messages.
type Conversation struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Message is a single turn in a conversation. Messages are immutable
// once persisted.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"` // user or assistant
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Store is a SQLite-backed conversation store. It accepts any
// database/sql handle whose driver speaks SQLite; production code opens
// one via [Open], tests typically use an in-memory modernc database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path using the mattn driver
// with WAL journaling, and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and migrates the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
//
// Messages carry no explicit sequence column: within equal timestamps,
// insertion order is recovered from the implicit SQLite rowid, which is
// monotonic for this insert-only table.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other stores (device tokens) can
// share the same database file and lifecycle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateConversation creates a new conversation and returns it. The id
// is generated here (UUIDv7, time-ordered).
func (s *Store) CreateConversation(name string) (*Conversation, error) {
	if name == "" {
		name = "New conversation"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, name, created_at, last_activity)
		VALUES (?, ?, ?, ?)
	`, id.String(), name, now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &Conversation{ID: id.String(), Name: name, CreatedAt: now, LastActivity: now}, nil
}

// GetConversation retrieves a conversation by id. Returns ErrNotFound
// if it does not exist.
func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, name, created_at, last_activity FROM conversations WHERE id = ?
	`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

// ListConversations returns all conversations, most recently active first.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, name, created_at, last_activity
		FROM conversations
		ORDER BY last_activity DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// Rename changes a conversation's display name. Returns ErrNotFound if
// the conversation does not exist.
func (s *Store) Rename(id, name string) error {
	res, err := s.db.Exec(`UPDATE conversations SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a conversation and all of its messages. Deleting a
// conversation that does not exist returns ErrNotFound.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AddMessage appends a message to a conversation and bumps the
// conversation's last_activity. The message id is generated here.
// Returns ErrNotFound if the conversation does not exist.
func (s *Store) AddMessage(conversationID, sender, content string) (*Message, error) {
	if _, err := s.GetConversation(conversationID); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), conversationID, sender, content, now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE conversations SET last_activity = ? WHERE id = ?
	`, now.Format(timeFormat), conversationID)
	if err != nil {
		return nil, fmt.Errorf("update last_activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Timestamp:      now,
	}, nil
}

// GetMessages returns a conversation's messages in chronological order.
// When since is non-zero, only messages strictly after that instant are
// returned.
func (s *Store) GetMessages(conversationID string, since time.Time) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, sender, content, timestamp
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp ASC, rowid ASC
		`, conversationID)
	} else {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, sender, content, timestamp
			FROM messages
			WHERE conversation_id = ? AND timestamp > ?
			ORDER BY timestamp ASC, rowid ASC
		`, conversationID, since.UTC().Format(timeFormat))
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetRecentMessages returns the newest limit messages for a
// conversation, newest first. The context windower reverses this into
// chronological order before rendering.
func (s *Store) GetRecentMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MessageCount returns the number of messages in a conversation.
func (s *Store) MessageCount(conversationID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&n)
	return n, err
}

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*Conversation, error) {
	var conv Conversation
	var createdAt, lastActivity string
	if err := sc.Scan(&conv.ID, &conv.Name, &createdAt, &lastActivity); err != nil {
		return nil, err
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	conv.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
	return &conv, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
