package repository

import (
	"context"
	"fmt"
	"strings"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProfileRepository handles database operations for profiles
type ProfileRepository struct {
	db *pgxpool.Pool
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// CreateProfile creates the profile row for an identity
func (r *ProfileRepository) CreateProfile(ctx context.Context, profile *models.Profile) error {
	query := `
		INSERT INTO profiles (id, nickname, avatar_url, current_mood, last_pulse, couple_id, partner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		profile.ID, profile.Nickname, profile.AvatarURL, profile.CurrentMood,
		profile.LastPulse, profile.CoupleID, profile.PartnerID,
	)
	if err != nil {
		return mapError(err, "profile")
	}
	return nil
}

// GetProfile retrieves a profile by identity ID
func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	query := `
		SELECT id, nickname, avatar_url, current_mood, last_pulse, couple_id, partner_id
		FROM profiles
		WHERE id = $1
	`
	var p models.Profile
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Nickname, &p.AvatarURL, &p.CurrentMood, &p.LastPulse, &p.CoupleID, &p.PartnerID,
	)
	if err != nil {
		return nil, mapError(err, "profile")
	}
	return &p, nil
}

// UpdateProfile overwrites the columns set in patch. The update fires the
// profiles notify trigger.
func (r *ProfileRepository) UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) error {
	if patch.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Nickname != nil {
		set("nickname", *patch.Nickname)
	}
	if patch.AvatarURL != nil {
		set("avatar_url", *patch.AvatarURL)
	}
	if patch.CurrentMood != nil {
		set("current_mood", patch.CurrentMood)
	}
	if patch.LastPulse != nil {
		set("last_pulse", *patch.LastPulse)
	}
	if patch.CoupleID != nil {
		set("couple_id", *patch.CoupleID)
	}
	if patch.PartnerID != nil {
		set("partner_id", *patch.PartnerID)
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE profiles SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, "profile")
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("profile not found: %w", backend.ErrNotFound)
	}
	return nil
}
