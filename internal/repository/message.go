package repository

import (
	"context"
	"fmt"

	"velora-sync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepository handles database operations for chat messages
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// InsertMessage stores a message; storage assigns the id and timestamp
func (r *MessageRepository) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.Kind == "" {
		msg.Kind = models.KindText
	}
	query := `
		INSERT INTO messages (couple_id, sender_id, content, type)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, msg.CoupleID, msg.SenderID, msg.Content, string(msg.Kind)).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return mapError(err, "message")
	}
	return nil
}

// ListMessages retrieves the newest limit messages in ascending order
func (r *MessageRepository) ListMessages(ctx context.Context, coupleID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, couple_id, sender_id, content, type, created_at
		FROM (
			SELECT id, couple_id, sender_id, content, type, created_at
			FROM messages
			WHERE couple_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, coupleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var (
			m    models.Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.CoupleID, &m.SenderID, &m.Content, &kind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Kind = models.MessageKind(kind)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}
