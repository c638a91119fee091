// Package pairing binds two identities into one couple through a short
// human-typeable code.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"velora-sync/internal/backend"
	"velora-sync/internal/metrics"
	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	codePrefix      = "LOVE-"
	codeMin         = 1000
	codeSpan        = 9000
	maxCodeAttempts = 10
)

var (
	// ErrNotAuthenticated is returned when no live identity is supplied.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrCodeNotFound is returned when no couple carries the code.
	ErrCodeNotFound = errors.New("invalid code")

	// ErrCodeAlreadyUsed is returned when the couple already has a second member.
	ErrCodeAlreadyUsed = errors.New("code already used")

	// ErrSelfPairing is returned when the creator of a code tries to redeem it.
	ErrSelfPairing = errors.New("cannot pair with yourself")

	// ErrAlreadyPaired is returned when the redeemer already has a partner.
	ErrAlreadyPaired = errors.New("already paired")
)

// Service runs the pairing protocol against storage
type Service struct {
	couples  backend.CoupleStore
	profiles backend.ProfileStore
	newCode  func() (string, error)
	log      zerolog.Logger
}

// NewService creates a new pairing service
func NewService(couples backend.CoupleStore, profiles backend.ProfileStore) *Service {
	return &Service{
		couples:  couples,
		profiles: profiles,
		newCode:  generateCode,
		log:      log.With().Str("component", "pairing").Logger(),
	}
}

// generateCode returns a random LOVE-NNNN code
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("failed to read random: %w", err)
	}
	return fmt.Sprintf("%s%d", codePrefix, codeMin+n.Int64()), nil
}

// NormalizeCode trims and upper-cases a typed code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GenerateCode creates a half-formed couple owned by identityID and returns its code
func (s *Service) GenerateCode(ctx context.Context, identityID string) (string, error) {
	if identityID == "" {
		return "", ErrNotAuthenticated
	}

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}

		exists, err := s.couples.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code existence: %w", err)
		}
		if exists {
			continue
		}

		c := code
		couple := &models.Couple{
			ID:          uuid.New().String(),
			PairingCode: &c,
			User1ID:     identityID,
		}
		if err := s.couples.CreateCouple(ctx, couple); err != nil {
			if errors.Is(err, backend.ErrConflict) {
				continue
			}
			return "", fmt.Errorf("failed to create couple: %w", err)
		}

		s.log.Info().
			Str("user_id", identityID).
			Str("couple_id", couple.ID).
			Str("code", code).
			Msg("Pairing code generated")
		return code, nil
	}
	return "", fmt.Errorf("failed to generate unique code after %d attempts", maxCodeAttempts)
}

// RedeemCode joins identityID to the couple behind code as its second member.
// The join is a single conditional write; the profile updates that follow are
// not transactional with it.
func (s *Service) RedeemCode(ctx context.Context, identityID, code string) (*models.Couple, error) {
	couple, err := s.redeem(ctx, identityID, code)
	metrics.PairingRedemptions.WithLabelValues(outcome(err)).Inc()
	return couple, err
}

func (s *Service) redeem(ctx context.Context, identityID, code string) (*models.Couple, error) {
	if identityID == "" {
		return nil, ErrNotAuthenticated
	}
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrCodeNotFound
	}

	couple, err := s.couples.GetCoupleByCode(ctx, code)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to find couple: %w", err)
	}
	if couple.User1ID == identityID {
		return nil, ErrSelfPairing
	}
	if couple.Formed() {
		return nil, ErrCodeAlreadyUsed
	}

	redeemer, err := s.profiles.GetProfile(ctx, identityID)
	switch {
	case err != nil && !errors.Is(err, backend.ErrNotFound):
		return nil, fmt.Errorf("failed to load profile: %w", err)
	case err == nil && redeemer.Paired():
		return nil, ErrAlreadyPaired
	}

	claimed, err := s.couples.ClaimCouple(ctx, couple.ID, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim couple: %w", err)
	}
	if !claimed {
		return nil, ErrCodeAlreadyUsed
	}
	member := identityID
	couple.User2ID = &member

	coupleID, partnerID := couple.ID, couple.User1ID
	if err := s.profiles.UpdateProfile(ctx, identityID, models.ProfilePatch{
		CoupleID:  &coupleID,
		PartnerID: &partnerID,
	}); err != nil {
		// the couple is formed; Refresh on either side heals the profile
		s.log.Error().Err(err).
			Str("user_id", identityID).
			Str("couple_id", couple.ID).
			Msg("Failed to link redeemer profile")
		return couple, fmt.Errorf("failed to link profile: %w", err)
	}

	if err := s.profiles.UpdateProfile(ctx, couple.User1ID, models.ProfilePatch{
		CoupleID:  &coupleID,
		PartnerID: &member,
	}); err != nil {
		s.log.Warn().Err(err).
			Str("user_id", couple.User1ID).
			Str("couple_id", couple.ID).
			Msg("Failed to link first member profile")
	}

	s.log.Info().
		Str("user_id", identityID).
		Str("partner_id", couple.User1ID).
		Str("couple_id", couple.ID).
		Msg("Pairing code redeemed")
	return couple, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrSelfPairing):
		return "self"
	case errors.Is(err, ErrAlreadyPaired):
		return "already_paired"
	case errors.Is(err, ErrNotAuthenticated):
		return "unauthenticated"
	}
	return "error"
}
