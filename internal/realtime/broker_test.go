package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"velora-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageChange(t *testing.T, id, coupleID, sender string) models.Change {
	t.Helper()
	c, err := models.NewChange(models.TableMessages, models.OpInsert, models.Message{
		ID: id, CoupleID: coupleID, SenderID: sender, Content: "hi", Kind: models.KindText,
	})
	require.NoError(t, err)
	return c
}

type recorder struct {
	mu      sync.Mutex
	changes []models.Change
}

func (r *recorder) handle(c models.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func TestBroker_FiltersByColumn(t *testing.T) {
	b := NewBroker()
	var rec recorder
	_, err := b.Subscribe(context.Background(), []models.Filter{
		{Table: models.TableMessages, Op: models.OpInsert, Column: "couple_id", Value: "c1"},
	}, rec.handle)
	require.NoError(t, err)

	b.Publish(messageChange(t, "m1", "c1", "a"))
	b.Publish(messageChange(t, "m2", "c2", "a"))
	assert.Equal(t, 1, rec.len())
}

func TestBroker_OperationMustMatch(t *testing.T) {
	b := NewBroker()
	var rec recorder
	_, err := b.Subscribe(context.Background(), []models.Filter{
		{Table: models.TableMessages, Op: models.OpUpdate},
	}, rec.handle)
	require.NoError(t, err)

	b.Publish(messageChange(t, "m1", "c1", "a"))
	assert.Zero(t, rec.len())
}

func TestBroker_CloseStopsDelivery(t *testing.T) {
	b := NewBroker()
	var rec recorder
	sub, err := b.Subscribe(context.Background(), []models.Filter{
		{Table: models.TableMessages, Op: models.OpInsert},
	}, rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())

	require.NoError(t, sub.Close())
	assert.Zero(t, b.Len())
	b.Publish(messageChange(t, "m1", "c1", "a"))
	assert.Zero(t, rec.len())

	// closing twice is harmless
	require.NoError(t, sub.Close())
}

func TestBroker_ContextCancelCloses(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(ctx, []models.Filter{{Table: models.TableProfiles, Op: models.OpUpdate}}, func(models.Change) {})
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroker_RejectsEmptySubscription(t *testing.T) {
	b := NewBroker()
	_, err := b.Subscribe(context.Background(), nil, func(models.Change) {})
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), []models.Filter{{Table: models.TableProfiles, Op: models.OpUpdate}}, nil)
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	change := models.Change{Table: models.TableProfiles, Op: models.OpUpdate}
	record := map[string]any{"id": "b", "nickname": "Blair"}

	assert.True(t, Matches(models.Filter{Table: models.TableProfiles, Op: models.OpUpdate, Column: "id", Value: "b"}, change, record))
	assert.False(t, Matches(models.Filter{Table: models.TableProfiles, Op: models.OpUpdate, Column: "id", Value: "a"}, change, record))
	assert.False(t, Matches(models.Filter{Table: models.TableProfiles, Op: models.OpUpdate, Column: "missing", Value: "b"}, change, record))
	assert.True(t, Matches(models.Filter{Table: models.TableProfiles, Op: models.OpUpdate}, change, record))
}

func TestDecodeNotification(t *testing.T) {
	change, err := DecodeNotification(`{"table":"messages","op":"INSERT","record":{"id":"m1","couple_id":"c1","sender_id":"a","content":"hi","type":"text","created_at":"2024-02-14T09:00:00.123456+00:00"}}`)
	require.NoError(t, err)
	assert.Equal(t, models.TableMessages, change.Table)
	assert.Equal(t, models.OpInsert, change.Op)

	ev, err := models.DecodeChange(change)
	require.NoError(t, err)
	msg := ev.(models.MessageInserted).Message
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, 123456000, msg.CreatedAt.Nanosecond())

	_, err = DecodeNotification(`not json`)
	assert.Error(t, err)
	_, err = DecodeNotification(`{"table":"messages"}`)
	assert.Error(t, err)
}
