// Package auth keeps the client-side session for the sync core. It talks to
// the server's /api/v1/auth endpoints and broadcasts lifecycle events.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"velora-sync/internal/backend"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultRefreshMargin = 5 * time.Minute
	defaultHTTPTimeout   = 15 * time.Second
)

var (
	// ErrUnauthorized is returned when the server rejects credentials or a token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoSession is returned when an operation needs a session and none exists.
	ErrNoSession = errors.New("no session")
)

// APIError is a non-2xx response from the auth endpoints
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api: %d %s", e.StatusCode, e.Message)
}

// Manager implements backend.Auth over the HTTP API
type Manager struct {
	baseURL       string
	httpClient    *http.Client
	refreshMargin time.Duration
	now           func() time.Time
	log           zerolog.Logger

	mu        sync.Mutex
	session   *backend.Session
	listeners map[int]func(backend.AuthEvent, *backend.Session)
	nextID    int
}

// NewManager creates a manager for the API at baseURL
func NewManager(baseURL string, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Manager{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    httpClient,
		refreshMargin: defaultRefreshMargin,
		now:           time.Now,
		log:           log.With().Str("component", "auth").Logger(),
		listeners:     make(map[int]func(backend.AuthEvent, *backend.Session)),
	}
}

// SignUp registers an identity and opens a session
func (m *Manager) SignUp(ctx context.Context, email, password, nickname string) (*backend.Session, error) {
	body := map[string]string{"email": email, "password": password, "nickname": nickname}
	sess, err := m.call(ctx, "/api/v1/auth/signup", "", body)
	if err != nil {
		return nil, err
	}
	m.set(sess, backend.AuthSignedIn)
	return sess, nil
}

// SignIn opens a session for email and password
func (m *Manager) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	body := map[string]string{"email": email, "password": password}
	sess, err := m.call(ctx, "/api/v1/auth/signin", "", body)
	if err != nil {
		return nil, err
	}
	m.set(sess, backend.AuthSignedIn)
	return sess, nil
}

// Refresh exchanges the current token for a fresh one. A rejected token
// signs the manager out.
func (m *Manager) Refresh(ctx context.Context) (*backend.Session, error) {
	m.mu.Lock()
	current := m.session
	m.mu.Unlock()
	if current == nil {
		return nil, ErrNoSession
	}

	sess, err := m.call(ctx, "/api/v1/auth/refresh", current.AccessToken, nil)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.SignOut()
		}
		return nil, err
	}
	m.set(sess, backend.AuthTokenRefreshed)
	return sess, nil
}

// SignOut drops the session. Signing out twice emits one event.
func (m *Manager) SignOut() {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.mu.Unlock()
	m.log.Info().Msg("Signed out")
	m.emit(backend.AuthSignedOut, nil)
}

// CurrentSession implements backend.Auth. A session close to expiry is
// refreshed first; an expired one is dropped.
func (m *Manager) CurrentSession(ctx context.Context) (*backend.Session, error) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	now := m.now()
	if !now.Before(sess.ExpiresAt) {
		m.SignOut()
		return nil, nil
	}
	if sess.ExpiresAt.Sub(now) > m.refreshMargin {
		return copySession(sess), nil
	}

	refreshed, err := m.Refresh(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoSession) {
			return nil, nil
		}
		// still valid; try again next time
		m.log.Warn().Err(err).Msg("Failed to refresh session")
		return copySession(sess), nil
	}
	return copySession(refreshed), nil
}

// Token returns the current access token or "" when signed out
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// OnAuthStateChange implements backend.Auth
func (m *Manager) OnAuthStateChange(fn func(backend.AuthEvent, *backend.Session)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) set(sess *backend.Session, event backend.AuthEvent) {
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	m.log.Info().Str("user_id", sess.Identity.ID).Str("event", string(event)).Msg("Session updated")
	m.emit(event, copySession(sess))
}

// emit calls listeners outside the lock so they may call back into the manager
func (m *Manager) emit(event backend.AuthEvent, sess *backend.Session) {
	m.mu.Lock()
	fns := make([]func(backend.AuthEvent, *backend.Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(event, sess)
	}
}

func (m *Manager) call(ctx context.Context, path, token string, body any) (*backend.Session, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: e.Error}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
		}
		return nil, apiErr
	}

	var sess backend.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if sess.AccessToken == "" || sess.Identity.ID == "" {
		return nil, fmt.Errorf("failed to decode session: missing token or user")
	}
	return &sess, nil
}

func copySession(s *backend.Session) *backend.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
