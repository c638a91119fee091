package couple

import (
	"context"
	"errors"
	"fmt"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/rs/zerolog"
)

// Session rehydrates the store's baseline from durable storage. It is the only
// writer of identity, profile, partner and note baselines.
type Session struct {
	store   *Store
	auth    backend.Auth
	storage backend.Storage
	pulse   *PulseTracker
	log     zerolog.Logger
}

// NewSession creates a session cache over store
func NewSession(store *Store, auth backend.Auth, storage backend.Storage, pulse *PulseTracker, logger zerolog.Logger) *Session {
	return &Session{
		store:   store,
		auth:    auth,
		storage: storage,
		pulse:   pulse,
		log:     logger.With().Str("component", "session").Logger(),
	}
}

// Refresh re-derives identity, profile, partner and shared note. A failure
// loading partner or couple data leaves a degraded, unpaired-looking view and
// returns an error wrapping ErrPartialHydration alongside the state.
func (s *Session) Refresh(ctx context.Context) (State, error) {
	sess, err := s.auth.CurrentSession(ctx)
	if err != nil {
		return s.store.State(), fmt.Errorf("failed to get session: %w", err)
	}
	if sess == nil {
		s.store.clear()
		s.pulse.Reset()
		return StateUnauthenticated, nil
	}
	identity := sess.Identity

	profile, err := s.storage.GetProfile(ctx, identity.ID)
	if err != nil {
		return s.store.State(), fmt.Errorf("failed to get profile: %w", err)
	}

	var (
		partner     *models.Profile
		note        *models.SharedNote
		pendingCode string
		partial     []error
	)

	if !profile.Paired() {
		code, err := s.heal(ctx, profile)
		if err != nil {
			partial = append(partial, err)
		}
		pendingCode = code
	}

	if profile.Paired() {
		partner, err = s.storage.GetProfile(ctx, *profile.PartnerID)
		if err != nil {
			partner = nil
			partial = append(partial, fmt.Errorf("failed to get partner: %w", err))
		}

		couple, err := s.storage.GetCouple(ctx, *profile.CoupleID)
		if err != nil {
			partial = append(partial, fmt.Errorf("failed to get couple: %w", err))
		} else {
			note = couple.SharedNote
		}
	}

	s.store.setBaseline(identity, profile, partner, note, pendingCode)
	if partner != nil {
		s.pulse.Observe(partner.LastPulse)
	}

	state := s.store.State()
	if len(partial) > 0 {
		err := errors.Join(partial...)
		s.log.Warn().Err(err).Str("user_id", identity.ID).Msg("Session hydrated partially")
		return state, fmt.Errorf("%w: %w", ErrPartialHydration, err)
	}

	s.log.Debug().Str("user_id", identity.ID).Str("state", state.String()).Msg("Session refreshed")
	return state, nil
}

// heal links an unpaired profile to a couple it already belongs to. This is
// how the first member picks up a redemption whose best-effort profile link
// failed. It returns the pending code of an unredeemed couple this identity
// created.
func (s *Session) heal(ctx context.Context, profile *models.Profile) (string, error) {
	couple, err := s.storage.FindCoupleByMember(ctx, profile.ID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find couple: %w", err)
	}

	if !couple.Formed() {
		if couple.User1ID == profile.ID && couple.PairingCode != nil {
			return *couple.PairingCode, nil
		}
		return "", nil
	}

	coupleID, partnerID := couple.ID, couple.PartnerOf(profile.ID)
	patch := models.ProfilePatch{CoupleID: &coupleID, PartnerID: &partnerID}
	if err := s.storage.UpdateProfile(ctx, profile.ID, patch); err != nil {
		return "", fmt.Errorf("failed to link profile: %w", err)
	}
	patch.Apply(profile)

	s.log.Info().
		Str("user_id", profile.ID).
		Str("partner_id", partnerID).
		Str("couple_id", coupleID).
		Msg("Profile linked to couple")
	return "", nil
}

// HandleAuthEvent reacts to a session lifecycle event
func (s *Session) HandleAuthEvent(ctx context.Context, event backend.AuthEvent) {
	switch event {
	case backend.AuthSignedIn, backend.AuthTokenRefreshed:
		if _, err := s.Refresh(ctx); err != nil {
			s.log.Error().Err(err).Str("event", string(event)).Msg("Failed to refresh session")
		}
	case backend.AuthSignedOut:
		s.store.clear()
		s.pulse.Reset()
	}
}
