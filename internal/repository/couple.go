package repository

import (
	"context"
	"fmt"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const coupleColumns = `id, pairing_code, user_1_id, user_2_id, sticky_note, created_at`

// CoupleRepository handles database operations for couples
type CoupleRepository struct {
	db *pgxpool.Pool
}

// NewCoupleRepository creates a new couple repository
func NewCoupleRepository(db *pgxpool.Pool) *CoupleRepository {
	return &CoupleRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCouple(row rowScanner) (*models.Couple, error) {
	var c models.Couple
	err := row.Scan(&c.ID, &c.PairingCode, &c.User1ID, &c.User2ID, &c.SharedNote, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCouple creates an unredeemed couple. A duplicate pairing code
// returns backend.ErrConflict.
func (r *CoupleRepository) CreateCouple(ctx context.Context, couple *models.Couple) error {
	if couple.ID == "" {
		couple.ID = uuid.New().String()
	}
	if couple.CreatedAt.IsZero() {
		couple.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO couples (id, pairing_code, user_1_id, user_2_id, sticky_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		couple.ID, couple.PairingCode, couple.User1ID, couple.User2ID, couple.SharedNote, couple.CreatedAt,
	)
	if err != nil {
		return mapError(err, "couple")
	}
	return nil
}

// GetCouple retrieves a couple by ID
func (r *CoupleRepository) GetCouple(ctx context.Context, id string) (*models.Couple, error) {
	query := `SELECT ` + coupleColumns + ` FROM couples WHERE id = $1`
	c, err := scanCouple(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "couple")
	}
	return c, nil
}

// GetCoupleByCode retrieves a couple by its pairing code
func (r *CoupleRepository) GetCoupleByCode(ctx context.Context, code string) (*models.Couple, error) {
	query := `SELECT ` + coupleColumns + ` FROM couples WHERE pairing_code = $1`
	c, err := scanCouple(r.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, mapError(err, "couple")
	}
	return c, nil
}

// CodeExists checks if a pairing code is already taken
func (r *CoupleRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM couples WHERE pairing_code = $1)`
	var exists bool
	if err := r.db.QueryRow(ctx, query, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code existence: %w", err)
	}
	return exists, nil
}

// FindCoupleByMember retrieves the newest couple the identity belongs to
func (r *CoupleRepository) FindCoupleByMember(ctx context.Context, userID string) (*models.Couple, error) {
	query := `
		SELECT ` + coupleColumns + `
		FROM couples
		WHERE user_1_id = $1 OR user_2_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	c, err := scanCouple(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, mapError(err, "couple")
	}
	return c, nil
}

// ClaimCouple sets the second member in one conditional statement; a
// concurrent claimer that loses sees zero affected rows.
func (r *CoupleRepository) ClaimCouple(ctx context.Context, coupleID, memberID string) (bool, error) {
	query := `UPDATE couples SET user_2_id = $1 WHERE id = $2 AND user_2_id IS NULL`
	result, err := r.db.Exec(ctx, query, memberID, coupleID)
	if err != nil {
		return false, fmt.Errorf("failed to claim couple: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateSharedNote replaces the couple's sticky note as a whole
func (r *CoupleRepository) UpdateSharedNote(ctx context.Context, coupleID string, note models.SharedNote) error {
	query := `UPDATE couples SET sticky_note = $1 WHERE id = $2`
	result, err := r.db.Exec(ctx, query, note, coupleID)
	if err != nil {
		return mapError(err, "couple")
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("couple not found: %w", backend.ErrNotFound)
	}
	return nil
}
