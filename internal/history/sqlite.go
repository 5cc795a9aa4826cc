// Package history is a SQLite-backed conversation store. The relay reads
// history through the ConversationStore port; writes come from whatever
// front-end owns the conversation lifecycle.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relayguard/relayguard/internal/core/domain"
	"github.com/relayguard/relayguard/internal/core/ports"
)

// Store is a SQLite conversation store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the conversation database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// BeginConversation creates a conversation for a session and returns its id.
func (s *Store) BeginConversation(ctx context.Context, session string) (string, error) {
	id := "conv_" + uuid.New().String()
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, session, now, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// AppendMessage adds one turn to a conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		"msg_"+uuid.New().String(), conversationID, msg.Role, msg.Content, now)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// CurrentConversationID returns the most recently active conversation for a
// session, or empty when the session has none.
func (s *Store) CurrentConversationID(ctx context.Context, session string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE session = ? ORDER BY updated_at DESC LIMIT 1`,
		session).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query current conversation: %w", err)
	}
	return id, nil
}

// History returns a conversation's turns in order.
func (s *Store) History(ctx context.Context, session, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.role, m.content FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE m.conversation_id = ? AND c.session = ?
		 ORDER BY m.created_at, m.id`,
		conversationID, session)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ ports.ConversationStore = (*Store)(nil)
