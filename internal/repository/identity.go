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

// IdentityRepository handles database operations for identities
type IdentityRepository struct {
	db *pgxpool.Pool
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// CreateIdentity creates a new identity with its password hash
func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity *models.Identity, passwordHash string) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO identities (id, email, password_hash, push_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query,
		identity.ID, identity.Email, passwordHash, identity.PushToken, identity.CreatedAt,
	)
	if err != nil {
		return mapError(err, "identity")
	}
	return nil
}

// GetIdentity retrieves an identity by ID
func (r *IdentityRepository) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	query := `
		SELECT id, email, push_token, created_at
		FROM identities
		WHERE id = $1
	`
	var identity models.Identity
	err := r.db.QueryRow(ctx, query, id).Scan(
		&identity.ID, &identity.Email, &identity.PushToken, &identity.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err, "identity")
	}
	return &identity, nil
}

// GetIdentityByEmail retrieves an identity and its password hash by email
func (r *IdentityRepository) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, string, error) {
	query := `
		SELECT id, email, push_token, created_at, password_hash
		FROM identities
		WHERE email = $1
	`
	var (
		identity models.Identity
		hash     string
	)
	err := r.db.QueryRow(ctx, query, email).Scan(
		&identity.ID, &identity.Email, &identity.PushToken, &identity.CreatedAt, &hash,
	)
	if err != nil {
		return nil, "", mapError(err, "identity")
	}
	return &identity, hash, nil
}

// UpdatePushToken updates the push token for an identity
func (r *IdentityRepository) UpdatePushToken(ctx context.Context, id string, pushToken *string) error {
	query := `UPDATE identities SET push_token = $1 WHERE id = $2`
	result, err := r.db.Exec(ctx, query, pushToken, id)
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("identity not found: %w", backend.ErrNotFound)
	}
	return nil
}
