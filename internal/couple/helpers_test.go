package couple

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/backend/memory"
	"velora-sync/internal/models"
	"velora-sync/internal/pairing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *fakeClock
	at    time.Time
	f     func()
	done  bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

type fakeAuth struct {
	mu        sync.Mutex
	session   *backend.Session
	listeners map[int]func(backend.AuthEvent, *backend.Session)
	next      int
}

func newFakeAuth(id string) *fakeAuth {
	a := &fakeAuth{listeners: make(map[int]func(backend.AuthEvent, *backend.Session))}
	if id != "" {
		a.session = sessionFor(id)
	}
	return a
}

func sessionFor(id string) *backend.Session {
	return &backend.Session{
		AccessToken: "token-" + id,
		ExpiresAt:   time.Now().Add(time.Hour),
		Identity:    models.Identity{ID: id, Email: id + "@example.com"},
	}
}

func (a *fakeAuth) CurrentSession(ctx context.Context) (*backend.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, nil
	}
	s := *a.session
	return &s, nil
}

func (a *fakeAuth) OnAuthStateChange(fn func(backend.AuthEvent, *backend.Session)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *fakeAuth) emit(event backend.AuthEvent) {
	a.mu.Lock()
	session := a.session
	fns := make([]func(backend.AuthEvent, *backend.Session), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}

func (a *fakeAuth) SignIn(id string) {
	a.mu.Lock()
	a.session = sessionFor(id)
	a.mu.Unlock()
	a.emit(backend.AuthSignedIn)
}

func (a *fakeAuth) SignOut() {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
	a.emit(backend.AuthSignedOut)
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeBlobs) Upload(ctx context.Context, path, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[path] = bytes.Clone(data)
	return fmt.Sprintf("https://cdn.example.com/%s", path), nil
}

type harness struct {
	backend *memory.Backend
	clock   *fakeClock
}

func newHarness(t *testing.T, users map[string]string) *harness {
	t.Helper()
	h := &harness{backend: memory.New(), clock: newFakeClock()}
	h.backend.SetNow(h.clock.Now)
	for id, nickname := range users {
		require.NoError(t, h.backend.CreateProfile(context.Background(), &models.Profile{ID: id, Nickname: nickname}))
	}
	return h
}

func (h *harness) client(t *testing.T, auth *fakeAuth, opts Options) *Client {
	t.Helper()
	logger := zerolog.Nop()
	opts.Clock = h.clock
	opts.Logger = &logger
	c := NewClient(Deps{Storage: h.backend, Realtime: h.backend, Auth: auth, Blobs: &fakeBlobs{}}, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) pair(t *testing.T, first, second string) string {
	t.Helper()
	svc := pairing.NewService(h.backend, h.backend)
	code, err := svc.GenerateCode(context.Background(), first)
	require.NoError(t, err)
	_, err = svc.RedeemCode(context.Background(), second, code)
	require.NoError(t, err)
	return code
}

// newPaired returns two started clients, already paired and subscribed
func newPaired(t *testing.T, opts Options) (*harness, *Client, *Client) {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t, map[string]string{"a": "Alex", "b": "Blair"})
	h.pair(t, "a", "b")

	a := h.client(t, newFakeAuth("a"), opts)
	b := h.client(t, newFakeAuth("b"), opts)
	for _, c := range []*Client{a, b} {
		state, err := c.Start(ctx)
		require.NoError(t, err)
		require.Equal(t, StatePaired, state)
		require.NoError(t, c.OpenChat(ctx))
	}
	return h, a, b
}

func wait(t *testing.T, w *Write) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-w.Done():
	case <-ctx.Done():
		t.Fatal("write did not settle")
	}
	return w.Err()
}
