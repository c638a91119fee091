package couple

import (
	"errors"
	"testing"
	"time"

	"velora-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func pairedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	s.setBaseline(
		models.Identity{ID: "a"},
		&models.Profile{ID: "a", Nickname: "Alex", CoupleID: strPtr("c1"), PartnerID: strPtr("b")},
		&models.Profile{ID: "b", Nickname: "Blair", CoupleID: strPtr("c1"), PartnerID: strPtr("a")},
		nil, "",
	)
	require.Equal(t, StatePaired, s.State())
	return s
}

func msg(id, sender, content string, at time.Time) models.Message {
	return models.Message{ID: id, CoupleID: "c1", SenderID: sender, Content: content, Kind: models.KindText, CreatedAt: at}
}

func TestStore_StateTransitions(t *testing.T) {
	s := NewStore()
	assert.Equal(t, StateUnauthenticated, s.State())

	s.setBaseline(models.Identity{ID: "a"}, &models.Profile{ID: "a"}, nil, nil, "")
	assert.Equal(t, StateAuthenticated, s.State())

	// couple set but partner missing looks unpaired
	s.setBaseline(models.Identity{ID: "a"}, &models.Profile{ID: "a", CoupleID: strPtr("c1"), PartnerID: strPtr("b")}, nil, nil, "")
	assert.Equal(t, StateAuthenticated, s.State())

	s = pairedStore(t)
	s.clear()
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestStore_StaleGenerationDropped(t *testing.T) {
	s := pairedStore(t)
	now := time.Now()

	gen := s.beginSubscription()
	assert.Equal(t, "applied", s.appendRemote(gen, msg("m1", "b", "hi", now)))

	s.endSubscription()
	assert.Equal(t, "stale", s.appendRemote(gen, msg("m2", "b", "late", now)))
	assert.Equal(t, "stale", s.replacePartner(gen, models.Profile{ID: "b", Nickname: "late"}))
	assert.Len(t, s.Snapshot().Messages, 1)
	assert.Equal(t, "Blair", s.Snapshot().Partner.Nickname)
}

func TestStore_AppendRemoteOutcomes(t *testing.T) {
	s := pairedStore(t)
	gen := s.beginSubscription()
	now := time.Now()

	assert.Equal(t, "self_echo", s.appendRemote(gen, msg("m1", "a", "mine", now)))
	other := msg("m2", "b", "elsewhere", now)
	other.CoupleID = "c2"
	assert.Equal(t, "ignored", s.appendRemote(gen, other))
	assert.Equal(t, "applied", s.appendRemote(gen, msg("m3", "b", "hi", now)))
	assert.Equal(t, "duplicate", s.appendRemote(gen, msg("m3", "b", "hi", now)))

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "Blair", msgs[0].Sender.Nickname)
}

func TestStore_ReplacePartnerIgnoresOthers(t *testing.T) {
	s := pairedStore(t)
	gen := s.beginSubscription()
	assert.Equal(t, "ignored", s.replacePartner(gen, models.Profile{ID: "z", Nickname: "Zed"}))
	assert.Equal(t, "applied", s.replacePartner(gen, models.Profile{ID: "b", Nickname: "Bee"}))
	assert.Equal(t, "Bee", s.Snapshot().Partner.Nickname)
}

func TestStore_MergeHistoryAdoptsPendingSend(t *testing.T) {
	s := pairedStore(t)
	t0 := time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)

	s.appendLocal(ChatMessage{Message: msg(TempIDPrefix+"1", "a", "hi", t0.Add(2*time.Second)), State: WritePending})

	added := s.mergeHistory([]*models.Message{
		ptr(msg("m0", "b", "morning", t0)),
		ptr(msg("m1", "a", "hi", t0.Add(time.Second))),
	})
	assert.Equal(t, 1, added)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
	assert.Equal(t, WriteConfirmed, msgs[1].State)

	// the insert settling afterwards finds nothing left to confirm
	s.confirmLocal(TempIDPrefix+"1", msg("m1", "a", "hi", t0.Add(time.Second)))
	assert.Len(t, s.Snapshot().Messages, 2)
}

func ptr(m models.Message) *models.Message { return &m }

func TestStore_MergeHistoryKeepsFailedSend(t *testing.T) {
	s := pairedStore(t)
	t0 := time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)

	s.appendLocal(ChatMessage{Message: msg(TempIDPrefix+"1", "a", "hi", t0), State: WritePending})
	s.failLocal(TempIDPrefix+"1", errors.New("network down"))

	added := s.mergeHistory([]*models.Message{ptr(msg("m1", "a", "hi", t0.Add(-24*time.Hour)))})
	assert.Equal(t, 1, added)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, WriteConfirmed, msgs[0].State)
	assert.Equal(t, TempIDPrefix+"1", msgs[1].ID)
	assert.Equal(t, WriteFailed, msgs[1].State)
	assert.EqualError(t, msgs[1].Err, "network down")
}

func TestStore_MergeHistoryOlderRowNotAdopted(t *testing.T) {
	s := pairedStore(t)
	t0 := time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)

	s.appendLocal(ChatMessage{Message: msg(TempIDPrefix+"1", "a", "hi", t0), State: WritePending})

	added := s.mergeHistory([]*models.Message{ptr(msg("old", "a", "hi", t0.Add(-time.Hour)))})
	assert.Equal(t, 1, added)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", msgs[0].ID)
	assert.Equal(t, WritePending, msgs[1].State)
	assert.True(t, msgs[1].Temporary())

	// the send's own row still confirms it
	s.confirmLocal(TempIDPrefix+"1", msg("m2", "a", "hi", t0.Add(time.Second)))
	msgs = s.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, WriteConfirmed, msgs[1].State)
}

func TestStore_OverlaySettle(t *testing.T) {
	s := pairedStore(t)
	loved, err := models.MoodAt(4)
	require.NoError(t, err)
	low, err := models.MoodAt(1)
	require.NoError(t, err)

	first := s.setMood(loved)
	second := s.setMood(low)

	// a superseded write settling does not touch the newer overlay
	s.settleMood(first, errors.New("boom"))
	view := s.Snapshot()
	assert.Equal(t, "Low", view.Profile.CurrentMood.Label)
	assert.Equal(t, WritePending, view.MoodState)

	s.settleMood(second, errors.New("boom"))
	assert.Equal(t, WriteFailed, s.Snapshot().MoodState)

	// failed overlays survive a refresh, confirmed ones are dropped
	s.setBaseline(models.Identity{ID: "a"}, &models.Profile{ID: "a"}, nil, nil, "")
	assert.Equal(t, "Low", s.Snapshot().Profile.CurrentMood.Label)

	third := s.setMood(loved)
	s.settleMood(third, nil)
	s.setBaseline(models.Identity{ID: "a"}, &models.Profile{ID: "a"}, nil, nil, "")
	assert.Nil(t, s.Snapshot().Profile.CurrentMood)
}

func TestStore_ReplaceNoteKeepsPendingOverlay(t *testing.T) {
	s := pairedStore(t)
	gen := s.beginSubscription()

	seq := s.setNote(models.SharedNote{Content: "mine", Color: models.NoteBlue, AuthorID: "a"})
	assert.Equal(t, "applied", s.replaceNote(gen, "c1", &models.SharedNote{Content: "theirs", AuthorID: "b"}))
	assert.Equal(t, "mine", s.Snapshot().Note.Content)

	s.settleNote(seq, nil)
	assert.Equal(t, "applied", s.replaceNote(gen, "c1", &models.SharedNote{Content: "theirs again", AuthorID: "b"}))
	assert.Equal(t, "theirs again", s.Snapshot().Note.Content)

	assert.Equal(t, "ignored", s.replaceNote(gen, "c9", &models.SharedNote{Content: "x"}))
}

func TestStore_WatchRunsOnChange(t *testing.T) {
	s := NewStore()
	var states []State
	cancel := s.Watch(func(v View) { states = append(states, v.State) })

	s.setBaseline(models.Identity{ID: "a"}, &models.Profile{ID: "a"}, nil, nil, "")
	s.setPartnerPulsing(false)
	cancel()
	s.clear()

	assert.Equal(t, []State{StateAuthenticated}, states)
}
