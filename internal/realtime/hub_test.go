package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/backend/memory"
	"velora-sync/internal/couple"
	"velora-sync/internal/models"
	"velora-sync/internal/pairing"
	"velora-sync/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relay struct {
	backend  *memory.Backend
	hub      *realtime.Hub
	url      string
	coupleID string
}

// newRelay serves the hub over httptest; the token query parameter is
// taken as the user id.
func newRelay(t *testing.T) *relay {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	for id, nick := range map[string]string{"a": "Alex", "b": "Blair", "c": "Casey"} {
		require.NoError(t, mem.CreateProfile(ctx, &models.Profile{ID: id, Nickname: nick}))
	}
	svc := pairing.NewService(mem, mem)
	code, err := svc.GenerateCode(ctx, "a")
	require.NoError(t, err)
	cp, err := svc.RedeemCode(ctx, "b", code)
	require.NoError(t, err)

	hub := realtime.NewHub(mem.Broker(), mem)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), r.URL.Query().Get("token"), ws)
	}))
	t.Cleanup(srv.Close)

	return &relay{
		backend:  mem,
		hub:      hub,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		coupleID: cp.ID,
	}
}

func (r *relay) dial(t *testing.T, user string) *realtime.Client {
	t.Helper()
	c, err := realtime.Dial(context.Background(), r.url, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type collected struct {
	mu      sync.Mutex
	changes []models.Change
}

func (c *collected) add(ch models.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *collected) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func TestHub_RelaysEntitledChanges(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	client := r.dial(t, "a")

	var got collected
	sub, err := client.Subscribe(ctx, couple.Filters("b", r.coupleID), got.add)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.hub.IsOnline("a") }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.backend.InsertMessage(ctx, &models.Message{CoupleID: r.coupleID, SenderID: "b", Content: "hey"}))
	nick := "Bee"
	require.NoError(t, r.backend.UpdateProfile(ctx, "b", models.ProfilePatch{Nickname: &nick}))
	// not covered by the filters
	require.NoError(t, r.backend.UpdateProfile(ctx, "c", models.ProfilePatch{Nickname: &nick}))

	assert.Eventually(t, func() bool { return got.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.NoError(t, r.backend.InsertMessage(ctx, &models.Message{CoupleID: r.coupleID, SenderID: "b", Content: "after"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, got.count())
}

func TestHub_RejectsForeignScope(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	client := r.dial(t, "c")

	_, err := client.Subscribe(ctx, couple.Filters("b", r.coupleID), func(models.Change) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not entitled")

	// own profile is always allowed
	_, err = client.Subscribe(ctx, []models.Filter{
		{Table: models.TableProfiles, Op: models.OpUpdate, Column: "id", Value: "c"},
	}, func(models.Change) {})
	require.NoError(t, err)

	// unfiltered table subscriptions are never allowed
	_, err = client.Subscribe(ctx, []models.Filter{
		{Table: models.TableMessages, Op: models.OpInsert},
	}, func(models.Change) {})
	assert.Error(t, err)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	r := newRelay(t)
	client, err := realtime.Dial(context.Background(), r.url, "a")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.hub.IsOnline("a") }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return !r.hub.IsOnline("a") }, time.Second, 10*time.Millisecond)

	_, err = client.Subscribe(context.Background(), couple.Filters("b", r.coupleID), func(models.Change) {})
	assert.ErrorIs(t, err, realtime.ErrClientClosed)
}

func TestHub_StalledSubscriberDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)

	// b subscribes over a raw socket and never reads again
	stalled, _, err := websocket.DefaultDialer.Dial(r.url+"?token=b", nil)
	require.NoError(t, err)
	t.Cleanup(func() { stalled.Close() })
	require.NoError(t, stalled.WriteJSON(realtime.Frame{
		Type:    realtime.FrameSubscribe,
		Ref:     "stalled",
		Filters: couple.Filters("a", r.coupleID),
	}))
	var ack realtime.Frame
	require.NoError(t, stalled.ReadJSON(&ack))
	require.Equal(t, realtime.FrameSubscribed, ack.Type)

	var got collected
	_, err = r.dial(t, "a").Subscribe(ctx, couple.Filters("b", r.coupleID), got.add)
	require.NoError(t, err)

	const total = 5000
	body := strings.Repeat("x", models.MaxContentBytes)
	start := time.Now()
	for i := 0; i < total; i++ {
		require.NoError(t, r.backend.InsertMessage(ctx, &models.Message{CoupleID: r.coupleID, SenderID: "a", Content: body}))
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Eventually(t, func() bool { return got.count() == total }, 10*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !r.hub.IsOnline("b") }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, r.hub.IsOnline("a"))
}

type staticAuth struct {
	session *backend.Session
}

func (a staticAuth) CurrentSession(context.Context) (*backend.Session, error) {
	return a.session, nil
}

func (a staticAuth) OnAuthStateChange(func(backend.AuthEvent, *backend.Session)) func() {
	return func() {}
}

func TestHub_CoupleClientsOverRelay(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	logger := zerolog.Nop()

	newClient := func(id string) *couple.Client {
		auth := staticAuth{session: &backend.Session{Identity: models.Identity{ID: id}}}
		c := couple.NewClient(couple.Deps{
			Storage:  r.backend,
			Realtime: r.dial(t, id),
			Auth:     auth,
		}, couple.Options{Logger: &logger})
		t.Cleanup(func() { _ = c.Close() })

		state, err := c.Start(ctx)
		require.NoError(t, err)
		require.Equal(t, couple.StatePaired, state)
		require.NoError(t, c.OpenChat(ctx))
		return c
	}
	a := newClient("a")
	b := newClient("b")

	w, err := a.SendMessage(ctx, "hi")
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx))

	assert.Eventually(t, func() bool { return len(b.Snapshot().Messages) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, a.Snapshot().Messages, 1)

	w, err = b.SelectMood(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, w.Wait(ctx))
	assert.Eventually(t, func() bool {
		p := a.Snapshot().Partner
		return p != nil && p.CurrentMood != nil && p.CurrentMood.Label == "Loved"
	}, 2*time.Second, 10*time.Millisecond)
}
