// Package backend declares the collaborators the sync core depends on: row
// storage with one conditional update, a filtered change-notification stream,
// session issuance, blob storage and text suggestions.
package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"velora-sync/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// IdentityStore persists authenticated identities
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *models.Identity, passwordHash string) error
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, string, error)
	UpdatePushToken(ctx context.Context, id string, pushToken *string) error
}

// ProfileStore persists profiles
type ProfileStore interface {
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) error
}

// CoupleStore persists couples
type CoupleStore interface {
	CreateCouple(ctx context.Context, couple *models.Couple) error
	GetCouple(ctx context.Context, id string) (*models.Couple, error)
	GetCoupleByCode(ctx context.Context, code string) (*models.Couple, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	// FindCoupleByMember returns the most recent couple the identity belongs
	// to, formed or not.
	FindCoupleByMember(ctx context.Context, userID string) (*models.Couple, error)
	// ClaimCouple sets the second member only if it is currently unset. It
	// reports false when another member already claimed the couple.
	ClaimCouple(ctx context.Context, coupleID, memberID string) (bool, error)
	UpdateSharedNote(ctx context.Context, coupleID string, note models.SharedNote) error
}

// MessageStore persists chat messages
type MessageStore interface {
	InsertMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns the newest limit messages in ascending creation order.
	ListMessages(ctx context.Context, coupleID string, limit int) ([]*models.Message, error)
}

// JournalStore persists journal entries
type JournalStore interface {
	InsertJournalEntry(ctx context.Context, entry *models.JournalEntry) error
	// ListJournalEntries returns entries newest first.
	ListJournalEntries(ctx context.Context, coupleID string) ([]*models.JournalEntry, error)
}

// MemoryStore persists photo memories
type MemoryStore interface {
	CreateMemory(ctx context.Context, memory *models.Memory) error
	ListMemories(ctx context.Context, userID string, coupleID *string, limit, offset int) ([]*models.Memory, int, error)
}

// Storage is the durable storage surface used by the sync core
type Storage interface {
	ProfileStore
	CoupleStore
	MessageStore
	JournalStore
}

// ChangeHandler receives changes matching a subscription's filters
type ChangeHandler func(models.Change)

// Subscription is a live change stream. Close is synchronous: once it
// returns, the handler is never invoked again. Close must not be called from
// inside the handler.
type Subscription interface {
	Close() error
}

// Realtime delivers row changes scoped by equality filters
type Realtime interface {
	Subscribe(ctx context.Context, filters []models.Filter, handler ChangeHandler) (Subscription, error)
}

// AuthEvent is a session lifecycle event
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "signed_in"
	AuthTokenRefreshed AuthEvent = "token_refreshed"
	AuthSignedOut      AuthEvent = "signed_out"
)

// Session is an issued session token for an identity
type Session struct {
	AccessToken string          `json:"access_token"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Identity    models.Identity `json:"user"`
}

// Auth exposes the current session and its lifecycle events
type Auth interface {
	// CurrentSession returns nil when nobody is signed in.
	CurrentSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(AuthEvent, *Session)) (cancel func())
}

// BlobStore uploads binary objects and returns a public URL
type BlobStore interface {
	Upload(ctx context.Context, path, contentType string, body io.Reader) (string, error)
}

// Suggester produces free text for a prompt
type Suggester interface {
	Suggest(ctx context.Context, prompt, partnerName string) (string, error)
}
