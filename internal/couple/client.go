// Package couple is the client-side sync core: a session cache, an optimistic
// mutation engine and a realtime reconciler sharing one in-memory store.
package couple

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"
	"velora-sync/internal/pairing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps are the collaborators a Client runs against
type Deps struct {
	Storage  backend.Storage
	Realtime backend.Realtime
	Auth     backend.Auth
	// Blobs is optional; avatar uploads fail with ErrNoBlobStore without it.
	Blobs backend.BlobStore
}

// Options tune a Client. Zero values select the defaults.
type Options struct {
	PulseWindow    time.Duration
	PulseDisplay   time.Duration
	HistoryLimit   int
	WriteTimeout   time.Duration
	Clock          Clock
	Logger         *zerolog.Logger
	OnWriteFailure func(op string, err error)
}

// Client is the facade an app shell drives
type Client struct {
	store      *Store
	session    *Session
	engine     *Engine
	reconciler *Reconciler
	pulse      *PulseTracker
	pairing    *pairing.Service
	auth       backend.Auth
	log        zerolog.Logger

	mu         sync.Mutex
	cancelAuth func()
}

// NewClient assembles the sync core
func NewClient(deps Deps, opts Options) *Client {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	store := NewStore()
	pulse := NewPulseTracker(store, opts.Clock, opts.PulseWindow, opts.PulseDisplay)
	return &Client{
		store:   store,
		session: NewSession(store, deps.Auth, deps.Storage, pulse, logger),
		engine: NewEngine(store, deps.Storage, EngineConfig{
			Blobs:        deps.Blobs,
			Clock:        opts.Clock,
			HistoryLimit: opts.HistoryLimit,
			WriteTimeout: opts.WriteTimeout,
			OnFailure:    opts.OnWriteFailure,
		}, logger),
		reconciler: NewReconciler(store, deps.Realtime, pulse, logger),
		pulse:      pulse,
		pairing:    pairing.NewService(deps.Storage, deps.Storage),
		auth:       deps.Auth,
		log:        logger.With().Str("component", "client").Logger(),
	}
}

// Start listens for session lifecycle events and hydrates the store once.
// A partial hydration error is returned but leaves the client running.
func (c *Client) Start(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.cancelAuth == nil {
		c.cancelAuth = c.auth.OnAuthStateChange(func(event backend.AuthEvent, _ *backend.Session) {
			c.onAuthEvent(context.WithoutCancel(ctx), event)
		})
	}
	c.mu.Unlock()
	return c.session.Refresh(ctx)
}

func (c *Client) onAuthEvent(ctx context.Context, event backend.AuthEvent) {
	if event == backend.AuthSignedOut {
		if err := c.reconciler.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to stop realtime on sign out")
		}
	}
	c.session.HandleAuthEvent(ctx, event)
}

// Refresh re-derives the session baseline
func (c *Client) Refresh(ctx context.Context) (State, error) {
	return c.session.Refresh(ctx)
}

// Snapshot returns the current view
func (c *Client) Snapshot() View {
	return c.store.Snapshot()
}

// Watch registers fn for every view change
func (c *Client) Watch(fn func(View)) (cancel func()) {
	return c.store.Watch(fn)
}

// GenerateCode creates a pairing code owned by the signed-in identity
func (c *Client) GenerateCode(ctx context.Context) (string, error) {
	sc := c.store.scope()
	if sc.selfID == "" {
		return "", ErrNotAuthenticated
	}
	code, err := c.pairing.GenerateCode(ctx, sc.selfID)
	if err != nil {
		return "", err
	}
	if _, err := c.session.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Refresh after code generation failed")
	}
	return code, nil
}

// RedeemCode joins the couple behind code and refreshes the session. The
// returned state is the post-refresh state.
func (c *Client) RedeemCode(ctx context.Context, code string) (State, error) {
	sc := c.store.scope()
	if sc.selfID == "" {
		return StateUnauthenticated, ErrNotAuthenticated
	}
	if _, err := c.pairing.RedeemCode(ctx, sc.selfID, code); err != nil {
		// A failed profile link after a successful claim still leaves a
		// formed couple; refresh picks it up.
		if _, rerr := c.session.Refresh(ctx); rerr != nil && !errors.Is(rerr, ErrPartialHydration) {
			c.log.Warn().Err(rerr).Msg("Refresh after failed redemption failed")
		}
		return c.store.State(), err
	}
	return c.session.Refresh(ctx)
}

// OpenChat loads recent history and starts the realtime subscription
func (c *Client) OpenChat(ctx context.Context) error {
	if _, err := c.engine.LoadHistory(ctx); err != nil {
		return err
	}
	return c.reconciler.Start(ctx)
}

// StartRealtime opens the subscription without loading history
func (c *Client) StartRealtime(ctx context.Context) error {
	return c.reconciler.Start(ctx)
}

// StopRealtime tears the subscription down
func (c *Client) StopRealtime() error {
	return c.reconciler.Stop()
}

// SendMessage sends chat text
func (c *Client) SendMessage(ctx context.Context, content string) (*Write, error) {
	return c.engine.SendMessage(ctx, content, models.KindText)
}

// SendTouch sends a touch gesture
func (c *Client) SendTouch(ctx context.Context, gesture string) (*Write, error) {
	return c.engine.SendTouch(ctx, gesture)
}

// UpdateMood sets the own mood
func (c *Client) UpdateMood(ctx context.Context, mood models.Mood) (*Write, error) {
	return c.engine.UpdateMood(ctx, mood)
}

// SelectMood sets the own mood from the k-th step of the scale
func (c *Client) SelectMood(ctx context.Context, k int) (*Write, error) {
	return c.engine.SelectMood(ctx, k)
}

// SendPulse signals "thinking of you"
func (c *Client) SendPulse(ctx context.Context) (*Write, error) {
	return c.engine.SendPulse(ctx)
}

// UpdateSharedNote replaces the couple's sticky note
func (c *Client) UpdateSharedNote(ctx context.Context, content, color string) (*Write, error) {
	return c.engine.UpdateSharedNote(ctx, content, color)
}

// UpdateProfile edits nickname or avatar
func (c *Client) UpdateProfile(ctx context.Context, edit ProfileEdit) error {
	return c.engine.UpdateProfile(ctx, edit)
}

// Engine exposes the mutation engine for journal and avatar operations
func (c *Client) Engine() *Engine {
	return c.engine
}

// Close stops realtime, detaches from auth events and waits for in-flight
// writes.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancelAuth
	c.cancelAuth = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := c.reconciler.Stop()
	c.engine.Wait()
	if err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}
