package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"velora-sync/internal/backend/memory"
	"velora-sync/internal/models"
	"velora-sync/internal/pairing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresigner struct {
	keys []string
	err  error
}

func (f *fakePresigner) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://upload.example.com/" + key + "?sig=1", "https://cdn.example.com/" + key, nil
}

func TestMemoryService_SoloAndCouple(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.CreateProfile(ctx, &models.Profile{ID: id}))
	}
	presigner := &fakePresigner{}
	s := NewMemoryService(b, b, presigner)

	// solo
	solo, err := s.PresignUpload(ctx, "c", UploadRequest{Filename: "beach.png", ContentType: "image/png", Caption: " sunset "})
	require.NoError(t, err)
	assert.Nil(t, solo.Memory.CoupleID)
	assert.Equal(t, "sunset", solo.Memory.Caption)
	assert.True(t, strings.HasPrefix(presigner.keys[0], "memories/c/"))
	assert.True(t, strings.HasSuffix(presigner.keys[0], ".png"))
	assert.Equal(t, 300, solo.ExpiresIn)

	// paired
	svc := pairing.NewService(b, b)
	code, err := svc.GenerateCode(ctx, "a")
	require.NoError(t, err)
	cp, err := svc.RedeemCode(ctx, "b", code)
	require.NoError(t, err)

	shared, err := s.PresignUpload(ctx, "a", UploadRequest{Filename: "us", ContentType: "image/jpeg"})
	require.NoError(t, err)
	require.NotNil(t, shared.Memory.CoupleID)
	assert.Equal(t, cp.ID, *shared.Memory.CoupleID)
	assert.True(t, strings.HasPrefix(presigner.keys[1], "memories/"+cp.ID+"/"))
	assert.True(t, strings.HasSuffix(presigner.keys[1], ".jpg"))

	// partner sees the shared memory, not the solo one
	list, total, err := s.ListMemories(ctx, "b", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, shared.Memory.ID, list[0].ID)
}

func TestMemoryService_Validation(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	require.NoError(t, b.CreateProfile(ctx, &models.Profile{ID: "a"}))

	s := NewMemoryService(b, b, &fakePresigner{})
	_, err := s.PresignUpload(ctx, "a", UploadRequest{Filename: "notes.txt", ContentType: "text/plain"})
	assert.ErrorIs(t, err, ErrInvalidUpload)

	boom := errors.New("signing failed")
	s = NewMemoryService(b, b, &fakePresigner{err: boom})
	_, err = s.PresignUpload(ctx, "a", UploadRequest{Filename: "x.jpg", ContentType: "image/jpeg"})
	assert.ErrorIs(t, err, boom)

	_, _, err = s.ListMemories(ctx, "missing", 10, 0)
	assert.Error(t, err)
}
