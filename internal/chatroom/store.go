// Package chatroom persists chat messages in PostgreSQL. Chatroom creation,
// deletion, and membership management live in a separate service; this store
// only covers what the live delivery path needs.
package chatroom

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parley/chat-app/internal/user"
)

// Message is a persisted chat message with its sender resolved.
type Message struct {
	ID         int          `json:"id"`
	ChatroomID int          `json:"chatroomId"`
	Sender     user.Summary `json:"sender"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Store manages message persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveMessage persists a message and returns it with the generated ID and
// timestamp. The sender summary is filled in by the caller.
func (s *Store) SaveMessage(ctx context.Context, chatroomID int, sender user.Summary, content string) (Message, error) {
	const q = `
		INSERT INTO messages (chatroom_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	m := Message{ChatroomID: chatroomID, Sender: sender, Content: content}
	err := s.db.QueryRowContext(ctx, q, chatroomID, sender.ID, content).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("chatroom: save message in %d: %w", chatroomID, err)
	}
	return m, nil
}

// RecentMessages returns up to limit messages for a chatroom, oldest first,
// with sender summaries joined in.
func (s *Store) RecentMessages(ctx context.Context, chatroomID, limit int) ([]Message, error) {
	const q = `
		SELECT m.id, m.chatroom_id, m.content, m.created_at,
		       u.id, u.fullname, COALESCE(u.avatar_url, ''), u.email
		FROM (
			SELECT id, chatroom_id, sender_id, content, created_at
			FROM messages
			WHERE chatroom_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) m
		JOIN users u ON u.id = m.sender_id
		ORDER BY m.created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, chatroomID, limit)
	if err != nil {
		return nil, fmt.Errorf("chatroom: recent messages for %d: %w", chatroomID, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ChatroomID, &m.Content, &m.CreatedAt,
			&m.Sender.ID, &m.Sender.Fullname, &m.Sender.AvatarURL, &m.Sender.Email,
		); err != nil {
			return nil, fmt.Errorf("chatroom: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatroom: iterate messages: %w", err)
	}
	return msgs, nil
}
