package auth_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"velora-sync/internal/auth"
	"velora-sync/internal/backend"
	"velora-sync/internal/backend/memory"
	"velora-sync/internal/handlers"
	"velora-sync/internal/pairing"
	"velora-sync/internal/realtime"
	"velora-sync/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events struct {
	mu   sync.Mutex
	list []backend.AuthEvent
}

func (e *events) record(ev backend.AuthEvent, _ *backend.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) all() []backend.AuthEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]backend.AuthEvent(nil), e.list...)
}

func newServer(t *testing.T, ttl time.Duration) string {
	t.Helper()
	mem := memory.New()
	svc := services.NewAuthService(mem, mem, "test-secret", ttl)
	srv := httptest.NewServer(handlers.NewRouter(handlers.RouterConfig{
		Auth:    svc,
		Pairing: pairing.NewService(mem, mem),
		Hub:     realtime.NewHub(mem.Broker(), mem),
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := auth.NewManager(newServer(t, time.Hour), nil)
	ev := &events{}
	cancel := m.OnAuthStateChange(ev.record)
	defer cancel()

	sess, err := m.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)

	created, err := m.SignUp(ctx, "alex@example.com", "correct horse", "Alex")
	require.NoError(t, err)
	assert.Equal(t, "alex@example.com", created.Identity.Email)
	assert.Equal(t, created.AccessToken, m.Token())

	sess, err = m.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, created.Identity.ID, sess.Identity.ID)

	_, err = m.Refresh(ctx)
	require.NoError(t, err)

	m.SignOut()
	m.SignOut()
	assert.Empty(t, m.Token())

	signedIn, err := m.SignIn(ctx, "alex@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, created.Identity.ID, signedIn.Identity.ID)

	assert.Equal(t, []backend.AuthEvent{
		backend.AuthSignedIn,
		backend.AuthTokenRefreshed,
		backend.AuthSignedOut,
		backend.AuthSignedIn,
	}, ev.all())
}

func TestManager_RejectedCredentials(t *testing.T) {
	ctx := context.Background()
	m := auth.NewManager(newServer(t, time.Hour), nil)

	_, err := m.SignIn(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = m.SignUp(ctx, "bad", "correct horse", "")
	var apiErr *auth.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	_, err = m.Refresh(ctx)
	assert.ErrorIs(t, err, auth.ErrNoSession)
}

func TestManager_CancelStopsEvents(t *testing.T) {
	ctx := context.Background()
	m := auth.NewManager(newServer(t, time.Hour), nil)
	ev := &events{}
	cancel := m.OnAuthStateChange(ev.record)
	cancel()
	cancel()

	_, err := m.SignUp(ctx, "alex@example.com", "correct horse", "")
	require.NoError(t, err)
	assert.Empty(t, ev.all())
}

func TestManager_RefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	// tokens live for less than the refresh margin, so every read refreshes
	m := auth.NewManager(newServer(t, 2*time.Minute), nil)
	ev := &events{}
	defer m.OnAuthStateChange(ev.record)()

	_, err := m.SignUp(ctx, "alex@example.com", "correct horse", "")
	require.NoError(t, err)

	sess, err := m.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, []backend.AuthEvent{backend.AuthSignedIn, backend.AuthTokenRefreshed}, ev.all())
}
