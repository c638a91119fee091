package couple

import (
	"sort"
	"strings"
	"sync"
	"time"

	"velora-sync/internal/models"
)

// TempIDPrefix marks message ids synthesized locally before storage assigns one
const TempIDPrefix = "temp-"

// State is the session state every component keys its availability off
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StatePaired:
		return "paired"
	}
	return "unauthenticated"
}

// WriteState is the phase of an optimistic write
type WriteState int

const (
	WriteConfirmed WriteState = iota
	WritePending
	WriteFailed
)

func (w WriteState) String() string {
	switch w {
	case WritePending:
		return "pending"
	case WriteFailed:
		return "failed"
	}
	return "confirmed"
}

// Tracked is an optimistic value layered over the baseline
type Tracked[T any] struct {
	Value T
	State WriteState
	Err   error
	seq   uint64
}

// ChatMessage is a message in the local transcript
type ChatMessage struct {
	models.Message
	State WriteState
	Err   error
}

// Temporary reports whether the message still carries a local id
func (m ChatMessage) Temporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// View is a consistent snapshot of the local state
type View struct {
	State    State
	Identity *models.Identity
	// Profile is the own profile with optimistic mood and pulse applied.
	Profile        *models.Profile
	Partner        *models.Profile
	Note           *models.SharedNote
	NoteState      WriteState
	MoodState      WriteState
	PulseState     WriteState
	Messages       []ChatMessage
	PendingCode    string
	PartnerPulsing bool
}

// Store is the in-memory read model shared by the session cache, the
// mutation engine and the reconciler. Field ownership:
//
//	identity, profile, partner, note, pendingCode  Session (baseline)
//	mood, pulse, noteOverlay                        Engine
//	partner, note (remote replacement)              Reconciler
//	messages                                        Engine and Reconciler
//	partnerPulsing                                  PulseTracker
//
// All access goes through one mutex, which stands in for a single task queue.
type Store struct {
	mu sync.Mutex

	identity    *models.Identity
	profile     *models.Profile
	partner     *models.Profile
	note        *models.SharedNote
	pendingCode string

	mood        *Tracked[models.Mood]
	pulse       *Tracked[time.Time]
	noteOverlay *Tracked[models.SharedNote]
	seq         uint64

	messages []*ChatMessage
	index    map[string]int

	generation     uint64
	partnerPulsing bool

	watchers  map[int]func(View)
	nextWatch int
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		index:    make(map[string]int),
		watchers: make(map[int]func(View)),
	}
}

// Watch registers fn to be called with a fresh snapshot after every change.
// fn runs outside the store lock.
func (s *Store) Watch(fn func(View)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// update runs f under the lock and notifies watchers if f reports a change
func (s *Store) update(f func() bool) {
	s.mu.Lock()
	changed := f()
	if !changed || len(s.watchers) == 0 {
		s.mu.Unlock()
		return
	}
	view := s.snapshotLocked()
	fns := make([]func(View), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(view)
	}
}

// Snapshot returns a copy of the current view
func (s *Store) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current session state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	switch {
	case s.identity == nil:
		return StateUnauthenticated
	case s.profile.Paired() && s.partner != nil:
		return StatePaired
	}
	return StateAuthenticated
}

func (s *Store) snapshotLocked() View {
	v := View{
		State:          s.stateLocked(),
		Partner:        s.partner.Clone(),
		PendingCode:    s.pendingCode,
		PartnerPulsing: s.partnerPulsing,
	}
	if s.identity != nil {
		id := *s.identity
		v.Identity = &id
	}
	if p := s.profile.Clone(); p != nil {
		if s.mood != nil {
			m := s.mood.Value
			p.CurrentMood = &m
			v.MoodState = s.mood.State
		}
		if s.pulse != nil {
			t := s.pulse.Value
			p.LastPulse = &t
			v.PulseState = s.pulse.State
		}
		v.Profile = p
	}
	switch {
	case s.noteOverlay != nil:
		n := s.noteOverlay.Value
		v.Note = &n
		v.NoteState = s.noteOverlay.State
	case s.note != nil:
		n := *s.note
		v.Note = &n
	}
	v.Messages = make([]ChatMessage, len(s.messages))
	for i, m := range s.messages {
		v.Messages[i] = *m
		if m.Sender != nil {
			snd := *m.Sender
			v.Messages[i].Sender = &snd
		}
	}
	return v
}

type scope struct {
	state    State
	selfID   string
	coupleID string
	partner  string
	nickname string
	avatar   string
}

func (s *Store) scope() scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := scope{state: s.stateLocked()}
	if s.identity != nil {
		sc.selfID = s.identity.ID
	}
	if s.profile != nil {
		sc.nickname = s.profile.Nickname
		sc.avatar = s.profile.AvatarURL
		if s.profile.CoupleID != nil {
			sc.coupleID = *s.profile.CoupleID
		}
		if s.profile.PartnerID != nil {
			sc.partner = *s.profile.PartnerID
		}
	}
	return sc
}

// Session-owned writes.

func (s *Store) setBaseline(identity models.Identity, profile *models.Profile, partner *models.Profile, note *models.SharedNote, pendingCode string) {
	s.update(func() bool {
		s.identity = &identity
		s.profile = profile.Clone()
		s.partner = partner.Clone()
		s.note = nil
		if note != nil {
			n := *note
			s.note = &n
		}
		s.pendingCode = pendingCode
		if s.mood != nil && s.mood.State == WriteConfirmed {
			s.mood = nil
		}
		if s.pulse != nil && s.pulse.State == WriteConfirmed {
			s.pulse = nil
		}
		if s.noteOverlay != nil && s.noteOverlay.State == WriteConfirmed {
			s.noteOverlay = nil
		}
		return true
	})
}

func (s *Store) applyProfileEdit(id string, patch models.ProfilePatch) {
	s.update(func() bool {
		if s.profile == nil || s.profile.ID != id {
			return false
		}
		patch.Apply(s.profile)
		return true
	})
}

func (s *Store) clear() {
	s.update(func() bool {
		s.identity = nil
		s.profile = nil
		s.partner = nil
		s.note = nil
		s.pendingCode = ""
		s.mood = nil
		s.pulse = nil
		s.noteOverlay = nil
		s.messages = nil
		s.index = make(map[string]int)
		s.partnerPulsing = false
		s.generation++
		return true
	})
}

// Engine-owned writes. Each set returns a sequence number; a settle whose
// sequence is no longer current belongs to a superseded write and is ignored.

func (s *Store) setMood(m models.Mood) uint64 {
	var seq uint64
	s.update(func() bool {
		s.seq++
		seq = s.seq
		s.mood = &Tracked[models.Mood]{Value: m, State: WritePending, seq: seq}
		return true
	})
	return seq
}

func (s *Store) settleMood(seq uint64, err error) {
	s.update(func() bool {
		return settle(s.mood, seq, err)
	})
}

func (s *Store) setPulse(t time.Time) uint64 {
	var seq uint64
	s.update(func() bool {
		s.seq++
		seq = s.seq
		s.pulse = &Tracked[time.Time]{Value: t, State: WritePending, seq: seq}
		return true
	})
	return seq
}

func (s *Store) settlePulse(seq uint64, err error) {
	s.update(func() bool {
		return settle(s.pulse, seq, err)
	})
}

func (s *Store) setNote(n models.SharedNote) uint64 {
	var seq uint64
	s.update(func() bool {
		s.seq++
		seq = s.seq
		s.noteOverlay = &Tracked[models.SharedNote]{Value: n, State: WritePending, seq: seq}
		return true
	})
	return seq
}

func (s *Store) settleNote(seq uint64, err error) {
	s.update(func() bool {
		return settle(s.noteOverlay, seq, err)
	})
}

func settle[T any](t *Tracked[T], seq uint64, err error) bool {
	if t == nil || t.seq != seq {
		return false
	}
	if err != nil {
		t.State = WriteFailed
		t.Err = err
		return true
	}
	t.State = WriteConfirmed
	return true
}

func (s *Store) appendLocal(m ChatMessage) {
	s.update(func() bool {
		s.appendLocked(m)
		return true
	})
}

func (s *Store) appendLocked(m ChatMessage) {
	msg := m
	s.messages = append(s.messages, &msg)
	s.index[msg.ID] = len(s.messages) - 1
}

func (s *Store) confirmLocal(tempID string, stored models.Message) {
	s.update(func() bool {
		i, ok := s.index[tempID]
		if !ok {
			return false
		}
		m := s.messages[i]
		m.State = WriteConfirmed
		m.Err = nil
		if _, taken := s.index[stored.ID]; taken || stored.ID == "" {
			return true
		}
		delete(s.index, tempID)
		m.ID = stored.ID
		if !stored.CreatedAt.IsZero() {
			m.CreatedAt = stored.CreatedAt
		}
		s.index[m.ID] = i
		return true
	})
}

func (s *Store) failLocal(tempID string, err error) {
	s.update(func() bool {
		i, ok := s.index[tempID]
		if !ok {
			return false
		}
		s.messages[i].State = WriteFailed
		s.messages[i].Err = err
		return true
	})
}

// mergeHistory folds stored rows into the transcript without removing or
// duplicating entries. A pending local entry matching a row from self, sent
// no later than the row was stored, adopts that row's id.
func (s *Store) mergeHistory(rows []*models.Message) int {
	added := 0
	s.update(func() bool {
		selfID := ""
		if s.identity != nil {
			selfID = s.identity.ID
		}
		for _, row := range rows {
			if _, ok := s.index[row.ID]; ok {
				continue
			}
			if row.SenderID == selfID && s.adoptLocked(row) {
				continue
			}
			s.messages = append(s.messages, &ChatMessage{Message: *row, State: WriteConfirmed})
			added++
		}
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
		})
		s.reindexLocked()
		return added > 0
	})
	return added
}

// adoptSkew bounds how far a stored row's timestamp may precede the local
// send time and still be that send's row.
const adoptSkew = 5 * time.Second

// adoptLocked only matches in-flight sends. A failed send stays failed, and a
// row older than the send is someone else's history.
func (s *Store) adoptLocked(row *models.Message) bool {
	for _, m := range s.messages {
		if !m.Temporary() || m.State != WritePending {
			continue
		}
		if row.CreatedAt.Before(m.CreatedAt.Add(-adoptSkew)) {
			continue
		}
		if m.Content == row.Content && m.Kind == row.Kind && m.SenderID == row.SenderID {
			m.ID = row.ID
			m.CreatedAt = row.CreatedAt
			m.State = WriteConfirmed
			m.Err = nil
			return true
		}
	}
	return false
}

func (s *Store) reindexLocked() {
	s.index = make(map[string]int, len(s.messages))
	for i, m := range s.messages {
		s.index[m.ID] = i
	}
}

// Reconciler-owned writes. gen is the subscription generation the event was
// received under; events from a torn-down subscription are dropped.

func (s *Store) beginSubscription() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

func (s *Store) endSubscription() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

func (s *Store) replacePartner(gen uint64, p models.Profile) string {
	outcome := "applied"
	s.update(func() bool {
		switch {
		case gen != s.generation:
			outcome = "stale"
		case s.profile == nil || s.profile.PartnerID == nil || *s.profile.PartnerID != p.ID:
			outcome = "ignored"
		default:
			s.partner = p.Clone()
			return true
		}
		return false
	})
	return outcome
}

func (s *Store) replaceNote(gen uint64, coupleID string, note *models.SharedNote) string {
	outcome := "applied"
	s.update(func() bool {
		switch {
		case gen != s.generation:
			outcome = "stale"
		case s.profile == nil || s.profile.CoupleID == nil || *s.profile.CoupleID != coupleID:
			outcome = "ignored"
		case note == nil:
			outcome = "ignored"
		default:
			n := *note
			s.note = &n
			if s.noteOverlay != nil && s.noteOverlay.State != WritePending {
				s.noteOverlay = nil
			}
			return true
		}
		return false
	})
	return outcome
}

// appendRemote applies a message insert event. The self-echo check and the
// append happen in the same critical section.
func (s *Store) appendRemote(gen uint64, m models.Message) string {
	outcome := "applied"
	s.update(func() bool {
		switch {
		case gen != s.generation:
			outcome = "stale"
			return false
		case s.identity != nil && m.SenderID == s.identity.ID:
			outcome = "self_echo"
			return false
		case s.profile == nil || s.profile.CoupleID == nil || *s.profile.CoupleID != m.CoupleID:
			outcome = "ignored"
			return false
		}
		if _, ok := s.index[m.ID]; ok {
			outcome = "duplicate"
			return false
		}
		msg := m
		if s.partner != nil {
			msg.Sender = &models.Sender{Nickname: s.partner.Nickname, AvatarURL: s.partner.AvatarURL}
		}
		s.appendLocked(ChatMessage{Message: msg, State: WriteConfirmed})
		return true
	})
	return outcome
}

func (s *Store) setPartnerPulsing(on bool) {
	s.update(func() bool {
		if s.partnerPulsing == on {
			return false
		}
		s.partnerPulsing = on
		return true
	})
}
