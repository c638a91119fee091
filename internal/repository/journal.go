package repository

import (
	"context"
	"fmt"

	"velora-sync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// JournalRepository handles database operations for journal entries
type JournalRepository struct {
	db *pgxpool.Pool
}

// NewJournalRepository creates a new journal repository
func NewJournalRepository(db *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{db: db}
}

// InsertJournalEntry stores an entry; storage assigns the id and timestamp
func (r *JournalRepository) InsertJournalEntry(ctx context.Context, entry *models.JournalEntry) error {
	query := `
		INSERT INTO journal_entries (couple_id, user_id, prompt, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, entry.CoupleID, entry.AuthorID, entry.Prompt, entry.Content).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return mapError(err, "journal entry")
	}
	return nil
}

// ListJournalEntries retrieves a couple's entries, newest first
func (r *JournalRepository) ListJournalEntries(ctx context.Context, coupleID string) ([]*models.JournalEntry, error) {
	query := `
		SELECT id, couple_id, user_id, prompt, content, created_at
		FROM journal_entries
		WHERE couple_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, coupleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get journal entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.CoupleID, &e.AuthorID, &e.Prompt, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal entries: %w", err)
	}
	return entries, nil
}
