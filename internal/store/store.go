// Package store persists conversations and messages in PostgreSQL.
//
// It implements the conversation.Persistence collaborator. Each message
// gets a server-assigned UUID on save; the conversation layer correlates it
// with the client-local id asynchronously.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wakeside/skipper/internal/conversation"
	"github.com/wakeside/skipper/internal/log"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store manages conversation persistence. Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates a Store over an open connection pool.
func New(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// LoadMessages returns all messages of a conversation in send order.
func (s *Store) LoadMessages(ctx context.Context, conversationID uuid.UUID) ([]conversation.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, reaction, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []conversation.Record
	for rows.Next() {
		var rec conversation.Record
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Role, &rec.Text, &rec.Reaction, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	s.logger.Debug("loaded messages",
		"conversation_id", conversationID,
		"count", len(records))
	return records, nil
}

// SaveMessage appends a message and returns its persisted id. The parent
// conversation row is created on first write.
func (s *Store) SaveMessage(ctx context.Context, conversationID uuid.UUID, role, text string) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("rollback", "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`, conversationID); err != nil {
		return uuid.Nil, fmt.Errorf("upsert conversation: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, seq)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = $1))
		RETURNING id`, conversationID, role, text).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("saved message",
		"conversation_id", conversationID,
		"message_id", id,
		"role", role)
	return id, nil
}

// UpdateReaction sets the reaction on a persisted message.
func (s *Store) UpdateReaction(ctx context.Context, messageID uuid.UUID, reaction string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET reaction = $2 WHERE id = $1`, messageID, reaction)
	if err != nil {
		return fmt.Errorf("update reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// ClearConversation deletes all messages of a conversation. The
// conversation row itself survives so the subject category can be updated.
func (s *Store) ClearConversation(ctx context.Context, conversationID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	s.logger.Debug("cleared conversation", "conversation_id", conversationID)
	return nil
}

// Subject returns the stored subject category, or "" if the conversation
// is unknown.
func (s *Store) Subject(ctx context.Context, conversationID uuid.UUID) (string, error) {
	var subject *string
	err := s.pool.QueryRow(ctx,
		`SELECT subject_category FROM conversations WHERE id = $1`, conversationID).Scan(&subject)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query subject: %w", err)
	}
	if subject == nil {
		return "", nil
	}
	return *subject, nil
}

// SetSubject stores the subject category for the lifecycle decision on the
// next open.
func (s *Store) SetSubject(ctx context.Context, conversationID uuid.UUID, subject string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, subject_category) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET subject_category = $2, updated_at = now()`,
		conversationID, subject); err != nil {
		return fmt.Errorf("set subject: %w", err)
	}
	return nil
}
