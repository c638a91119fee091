package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	uploadURLTTL       = 5 * time.Minute
	defaultMemoryLimit = 50
	maxMemoryLimit     = 100
)

// ErrInvalidUpload is returned when an upload request fails validation
var ErrInvalidUpload = errors.New("invalid upload")

// Presigner hands out direct-upload URLs
type Presigner interface {
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (uploadURL, publicURL string, err error)
}

// MemoryService handles photo memories
type MemoryService struct {
	memories  backend.MemoryStore
	profiles  backend.ProfileStore
	presigner Presigner
	now       func() time.Time
}

// NewMemoryService creates a new memory service
func NewMemoryService(memories backend.MemoryStore, profiles backend.ProfileStore, presigner Presigner) *MemoryService {
	return &MemoryService{
		memories:  memories,
		profiles:  profiles,
		presigner: presigner,
		now:       time.Now,
	}
}

// UploadRequest represents a request to get a pre-signed URL
type UploadRequest struct {
	Filename    string     `json:"filename"`
	ContentType string     `json:"content_type"`
	Caption     string     `json:"caption"`
	MomentDate  *time.Time `json:"moment_date,omitempty"`
}

// UploadResponse represents the response with pre-signed URL
type UploadResponse struct {
	UploadURL string         `json:"upload_url"`
	Memory    *models.Memory `json:"memory"`
	ExpiresIn int            `json:"expires_in"`
}

// PresignUpload records a memory and returns where to upload its photo.
// Solo users get a memory without a couple.
func (s *MemoryService) PresignUpload(ctx context.Context, userID string, req UploadRequest) (*UploadResponse, error) {
	if !strings.HasPrefix(req.ContentType, "image/") {
		return nil, fmt.Errorf("%w: content_type must be an image type", ErrInvalidUpload)
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	memoryID := uuid.New().String()
	ext := path.Ext(req.Filename)
	if ext == "" {
		ext = ".jpg"
	}

	// S3 key: memories/{couple_id or user_id}/{memory_id}{ext}
	owner := userID
	if profile.CoupleID != nil {
		owner = *profile.CoupleID
	}
	key := fmt.Sprintf("memories/%s/%s%s", owner, memoryID, ext)

	uploadURL, publicURL, err := s.presigner.PresignUpload(ctx, key, req.ContentType, uploadURLTTL)
	if err != nil {
		return nil, err
	}

	memory := &models.Memory{
		ID:         memoryID,
		CoupleID:   profile.CoupleID,
		UserID:     userID,
		PhotoURL:   publicURL,
		Caption:    strings.TrimSpace(req.Caption),
		MomentDate: req.MomentDate,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.memories.CreateMemory(ctx, memory); err != nil {
		return nil, fmt.Errorf("failed to create memory record: %w", err)
	}

	log.Info().Str("user_id", userID).Str("memory_id", memoryID).Msg("Memory upload presigned")

	return &UploadResponse{
		UploadURL: uploadURL,
		Memory:    memory,
		ExpiresIn: int(uploadURLTTL.Seconds()),
	}, nil
}

// ListMemories retrieves the user's and the couple's memories with pagination
func (s *MemoryService) ListMemories(ctx context.Context, userID string, limit, offset int) ([]*models.Memory, int, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get profile: %w", err)
	}

	// Validate limit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	if limit > maxMemoryLimit {
		limit = maxMemoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	return s.memories.ListMemories(ctx, userID, profile.CoupleID, limit, offset)
}
