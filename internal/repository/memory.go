package repository

import (
	"context"
	"fmt"
	"time"

	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryRepository handles database operations for photo memories
type MemoryRepository struct {
	db *pgxpool.Pool
}

// NewMemoryRepository creates a new memory repository
func NewMemoryRepository(db *pgxpool.Pool) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// CreateMemory creates a new memory
func (r *MemoryRepository) CreateMemory(ctx context.Context, memory *models.Memory) error {
	if memory.ID == "" {
		memory.ID = uuid.New().String()
	}
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO memories (id, couple_id, user_id, photo_url, caption, moment_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		memory.ID, memory.CoupleID, memory.UserID, memory.PhotoURL,
		memory.Caption, memory.MomentDate, memory.CreatedAt,
	)
	if err != nil {
		return mapError(err, "memory")
	}
	return nil
}

// ListMemories retrieves the user's own memories plus the couple's shared
// ones, newest first, with the total count for pagination.
func (r *MemoryRepository) ListMemories(ctx context.Context, userID string, coupleID *string, limit, offset int) ([]*models.Memory, int, error) {
	// Get total count
	countQuery := `SELECT COUNT(*) FROM memories WHERE user_id = $1 OR ($2::uuid IS NOT NULL AND couple_id = $2)`
	var total int
	if err := r.db.QueryRow(ctx, countQuery, userID, coupleID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count memories: %w", err)
	}

	// Get memories
	query := `
		SELECT id, couple_id, user_id, photo_url, caption, moment_date, created_at
		FROM memories
		WHERE user_id = $1 OR ($2::uuid IS NOT NULL AND couple_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, userID, coupleID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get memories: %w", err)
	}
	defer rows.Close()

	var memories []*models.Memory
	for rows.Next() {
		var m models.Memory
		err := rows.Scan(
			&m.ID, &m.CoupleID, &m.UserID, &m.PhotoURL,
			&m.Caption, &m.MomentDate, &m.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan memory: %w", err)
		}
		memories = append(memories, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating memories: %w", err)
	}

	return memories, total, nil
}
