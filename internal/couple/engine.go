package couple

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/metrics"
	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultHistoryLimit is how many messages LoadHistory fetches
	DefaultHistoryLimit = 50

	// DefaultWriteTimeout bounds each durable write behind an optimistic update
	DefaultWriteTimeout = 15 * time.Second
)

// Write is the handle of a durable write issued behind an optimistic update
type Write struct {
	done chan struct{}
	err  error
}

func newWrite() *Write {
	return &Write{done: make(chan struct{})}
}

// Done is closed once the durable write has settled
func (w *Write) Done() <-chan struct{} {
	return w.done
}

// Err returns the write's failure; it is nil until Done is closed
func (w *Write) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the write settles or ctx is done
func (w *Write) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProfileEdit lists the profile fields a user edits directly
type ProfileEdit struct {
	Nickname  *string
	AvatarURL *string
}

// Engine applies user writes to the store first and persists them after.
// A failed durable write is logged, reported and marked WriteFailed; the
// optimistic value is not rolled back.
type Engine struct {
	store        *Store
	storage      backend.Storage
	blobs        backend.BlobStore
	clock        Clock
	historyLimit int
	writeTimeout time.Duration
	onFailure    func(op string, err error)
	log          zerolog.Logger

	wg sync.WaitGroup
}

// EngineConfig configures an Engine
type EngineConfig struct {
	Blobs        backend.BlobStore
	Clock        Clock
	HistoryLimit int
	WriteTimeout time.Duration
	OnFailure    func(op string, err error)
}

// NewEngine creates a mutation engine over store
func NewEngine(store *Store, storage backend.Storage, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Engine{
		store:        store,
		storage:      storage,
		blobs:        cfg.Blobs,
		clock:        cfg.Clock,
		historyLimit: cfg.HistoryLimit,
		writeTimeout: cfg.WriteTimeout,
		onFailure:    cfg.OnFailure,
		log:          logger.With().Str("component", "engine").Logger(),
	}
}

// Wait blocks until every issued durable write has settled
func (e *Engine) Wait() {
	e.wg.Wait()
}

// persist runs write on its own goroutine, detached from the caller's
// cancellation, then hands the outcome to settle.
func (e *Engine) persist(ctx context.Context, op string, write func(context.Context) error, settle func(error)) *Write {
	w := newWrite()
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(w.done)

		wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		defer cancel()

		err := write(wctx)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrOptimisticWrite, op, err)
			metrics.OptimisticWrites.WithLabelValues(op, "failed").Inc()
			e.log.Error().Err(err).Str("op", op).Msg("Durable write failed; optimistic state kept")
			if e.onFailure != nil {
				e.onFailure(op, err)
			}
		} else {
			metrics.OptimisticWrites.WithLabelValues(op, "confirmed").Inc()
		}
		settle(err)
		w.err = err
	}()
	return w
}

// SendMessage appends the message under a temporary id and inserts it
func (e *Engine) SendMessage(ctx context.Context, content string, kind models.MessageKind) (*Write, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if sc.coupleID == "" {
		return nil, ErrNotPaired
	}

	if kind == "" {
		kind = models.KindText
	}
	switch kind {
	case models.KindText:
		if strings.TrimSpace(content) == "" {
			return nil, ErrEmptyMessage
		}
		if err := models.CheckContentLength(content); err != nil {
			return nil, err
		}
	case models.KindTouch:
		if !models.ValidGesture(content) {
			return nil, fmt.Errorf("%w: %q", models.ErrInvalidGesture, content)
		}
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}

	tempID := TempIDPrefix + uuid.New().String()
	e.store.appendLocal(ChatMessage{
		Message: models.Message{
			ID:        tempID,
			CoupleID:  sc.coupleID,
			SenderID:  sc.selfID,
			Content:   content,
			Kind:      kind,
			CreatedAt: e.clock.Now().UTC(),
			Sender:    &models.Sender{Nickname: sc.nickname, AvatarURL: sc.avatar},
		},
		State: WritePending,
	})

	row := &models.Message{
		CoupleID: sc.coupleID,
		SenderID: sc.selfID,
		Content:  content,
		Kind:     kind,
	}
	return e.persist(ctx, "send_message",
		func(ctx context.Context) error {
			return e.storage.InsertMessage(ctx, row)
		},
		func(err error) {
			if err != nil {
				e.store.failLocal(tempID, err)
				return
			}
			e.store.confirmLocal(tempID, *row)
		},
	), nil
}

// SendTouch sends one of the fixed touch gestures
func (e *Engine) SendTouch(ctx context.Context, gesture string) (*Write, error) {
	return e.SendMessage(ctx, gesture, models.KindTouch)
}

// UpdateMood overwrites the own mood locally, then persists it
func (e *Engine) UpdateMood(ctx context.Context, mood models.Mood) (*Write, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if err := mood.Validate(); err != nil {
		return nil, err
	}

	seq := e.store.setMood(mood)
	return e.persist(ctx, "update_mood",
		func(ctx context.Context) error {
			return e.storage.UpdateProfile(ctx, sc.selfID, models.ProfilePatch{CurrentMood: &mood})
		},
		func(err error) { e.store.settleMood(seq, err) },
	), nil
}

// SelectMood applies the k-th step of the mood scale
func (e *Engine) SelectMood(ctx context.Context, k int) (*Write, error) {
	mood, err := models.MoodAt(k)
	if err != nil {
		return nil, err
	}
	return e.UpdateMood(ctx, mood)
}

// SendPulse stamps the own last-pulse timestamp with now
func (e *Engine) SendPulse(ctx context.Context) (*Write, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}

	now := e.clock.Now().UTC()
	seq := e.store.setPulse(now)
	return e.persist(ctx, "send_pulse",
		func(ctx context.Context) error {
			return e.storage.UpdateProfile(ctx, sc.selfID, models.ProfilePatch{LastPulse: &now})
		},
		func(err error) { e.store.settlePulse(seq, err) },
	), nil
}

// UpdateSharedNote replaces the couple's note as a whole
func (e *Engine) UpdateSharedNote(ctx context.Context, content, color string) (*Write, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if sc.coupleID == "" {
		return nil, ErrNotPaired
	}
	if color == "" {
		color = models.NoteYellow
	}
	if !models.ValidNoteColor(color) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidNoteColor, color)
	}
	if err := models.CheckContentLength(content); err != nil {
		return nil, err
	}

	note := models.SharedNote{
		Content:   content,
		Color:     color,
		AuthorID:  sc.selfID,
		UpdatedAt: e.clock.Now().UTC(),
	}
	seq := e.store.setNote(note)
	return e.persist(ctx, "update_note",
		func(ctx context.Context) error {
			return e.storage.UpdateSharedNote(ctx, sc.coupleID, note)
		},
		func(err error) { e.store.settleNote(seq, err) },
	), nil
}

// UpdateProfile persists a nickname or avatar edit, then applies it
func (e *Engine) UpdateProfile(ctx context.Context, edit ProfileEdit) error {
	sc := e.store.scope()
	if sc.selfID == "" {
		return ErrNotAuthenticated
	}
	patch := models.ProfilePatch{Nickname: edit.Nickname, AvatarURL: edit.AvatarURL}
	if patch.Empty() {
		return nil
	}
	if err := e.storage.UpdateProfile(ctx, sc.selfID, patch); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	e.store.applyProfileEdit(sc.selfID, patch)
	return nil
}

// UploadAvatar stores the image and points the profile at its URL
func (e *Engine) UploadAvatar(ctx context.Context, filename, contentType string, body io.Reader) (string, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return "", ErrNotAuthenticated
	}
	if e.blobs == nil {
		return "", ErrNoBlobStore
	}

	key := fmt.Sprintf("avatars/%s/%s%s", sc.selfID, uuid.New().String(), path.Ext(filename))
	url, err := e.blobs.Upload(ctx, key, contentType, body)
	if err != nil {
		return "", fmt.Errorf("failed to upload avatar: %w", err)
	}
	if err := e.UpdateProfile(ctx, ProfileEdit{AvatarURL: &url}); err != nil {
		return "", err
	}
	return url, nil
}

// LoadHistory merges the newest stored messages into the transcript and
// returns how many were added.
func (e *Engine) LoadHistory(ctx context.Context) (int, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return 0, ErrNotAuthenticated
	}
	if sc.coupleID == "" {
		return 0, ErrNotPaired
	}

	rows, err := e.storage.ListMessages(ctx, sc.coupleID, e.historyLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages: %w", err)
	}

	view := e.store.Snapshot()
	for _, row := range rows {
		switch {
		case row.SenderID == sc.selfID:
			row.Sender = &models.Sender{Nickname: sc.nickname, AvatarURL: sc.avatar}
		case view.Partner != nil && row.SenderID == view.Partner.ID:
			row.Sender = &models.Sender{Nickname: view.Partner.Nickname, AvatarURL: view.Partner.AvatarURL}
		}
		if row.Kind == "" {
			row.Kind = models.KindText
		}
	}
	return e.store.mergeHistory(rows), nil
}

// AddJournalEntry records an answer on the couple's timeline
func (e *Engine) AddJournalEntry(ctx context.Context, content, prompt string) (*models.JournalEntry, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if sc.coupleID == "" {
		return nil, ErrNotPaired
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyEntry
	}

	entry := &models.JournalEntry{
		CoupleID: sc.coupleID,
		AuthorID: sc.selfID,
		Content:  content,
	}
	if prompt != "" {
		p := prompt
		entry.Prompt = &p
	}
	if err := e.storage.InsertJournalEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to add journal entry: %w", err)
	}
	return entry, nil
}

// JournalEntries lists the couple's entries, newest first
func (e *Engine) JournalEntries(ctx context.Context) ([]*models.JournalEntry, error) {
	sc := e.store.scope()
	if sc.selfID == "" {
		return nil, ErrNotAuthenticated
	}
	if sc.coupleID == "" {
		return nil, ErrNotPaired
	}
	entries, err := e.storage.ListJournalEntries(ctx, sc.coupleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	return entries, nil
}
