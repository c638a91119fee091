package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL   = 7 * 24 * time.Hour
	minPasswordLength = 8
)

var (
	// ErrInvalidCredentials is returned when email or password do not match.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidToken is returned for a malformed, expired or forged token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidSignUp is returned when sign-up fields fail validation.
	ErrInvalidSignUp = errors.New("invalid sign up")
)

// AuthService issues and validates session tokens
type AuthService struct {
	identities backend.IdentityStore
	profiles   backend.ProfileStore
	jwtSecret  string
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(identities backend.IdentityStore, profiles backend.ProfileStore, jwtSecret string, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &AuthService{
		identities: identities,
		profiles:   profiles,
		jwtSecret:  jwtSecret,
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
}

// SignUpRequest represents a request to register an identity
type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

// SignInRequest represents a request to open a session
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers an identity with an empty profile and opens a session
func (s *AuthService) SignUp(ctx context.Context, req SignUpRequest) (*backend.Session, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email is not valid", ErrInvalidSignUp)
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignUp, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	identity := &models.Identity{Email: email, CreatedAt: s.now().UTC()}
	if err := s.identities.CreateIdentity(ctx, identity, string(hash)); err != nil {
		if errors.Is(err, backend.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}

	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" {
		nickname = strings.SplitN(email, "@", 2)[0]
	}
	if err := s.profiles.CreateProfile(ctx, &models.Profile{ID: identity.ID, Nickname: nickname}); err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	log.Info().Str("user_id", identity.ID).Msg("Identity registered")
	return s.issue(*identity)
}

// SignIn opens a session for matching credentials
func (s *AuthService) SignIn(ctx context.Context, req SignInRequest) (*backend.Session, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	identity, hash, err := s.identities.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(*identity)
}

// Refresh exchanges a still-valid token for a fresh one
func (s *AuthService) Refresh(ctx context.Context, token string) (*backend.Session, error) {
	userID, err := s.ValidateJWT(token)
	if err != nil {
		return nil, err
	}
	identity, err := s.identities.GetIdentity(ctx, userID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return s.issue(*identity)
}

// Identity returns the identity behind a user id
func (s *AuthService) Identity(ctx context.Context, userID string) (*models.Identity, error) {
	return s.identities.GetIdentity(ctx, userID)
}

// UpdatePushToken stores the device token pushes are delivered to
func (s *AuthService) UpdatePushToken(ctx context.Context, userID string, pushToken *string) error {
	if pushToken != nil && strings.TrimSpace(*pushToken) == "" {
		pushToken = nil
	}
	if err := s.identities.UpdatePushToken(ctx, userID, pushToken); err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	return nil
}

func (s *AuthService) issue(identity models.Identity) (*backend.Session, error) {
	token, expiresAt, err := s.GenerateJWT(identity.ID)
	if err != nil {
		return nil, err
	}
	return &backend.Session{AccessToken: token, ExpiresAt: expiresAt, Identity: identity}, nil
}

// GenerateJWT generates a JWT token for a user
func (s *AuthService) GenerateJWT(userID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     expiresAt.Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, time.Unix(expiresAt.Unix(), 0).UTC(), nil
}

// ValidateJWT validates a JWT token and returns the user ID
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: user_id not found in token", ErrInvalidToken)
	}

	return userID, nil
}
