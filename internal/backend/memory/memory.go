// Package memory is an in-process backend: row storage guarded by one mutex
// and a change feed published through a realtime.Broker after each write. It
// backs the sync core in tests and in local runs without Postgres.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"
	"velora-sync/internal/realtime"

	"github.com/google/uuid"
)

type identityRow struct {
	identity models.Identity
	hash     string
}

// Backend implements every storage interface plus backend.Realtime
type Backend struct {
	mu         sync.Mutex
	identities map[string]*identityRow
	profiles   map[string]*models.Profile
	couples    map[string]*models.Couple
	messages   []*models.Message
	journal    []*models.JournalEntry
	memories   []*models.Memory
	failures   map[string]error

	broker *realtime.Broker
	now    func() time.Time
}

var (
	_ backend.Storage       = (*Backend)(nil)
	_ backend.IdentityStore = (*Backend)(nil)
	_ backend.MemoryStore   = (*Backend)(nil)
	_ backend.Realtime      = (*Backend)(nil)
)

// New creates an empty backend
func New() *Backend {
	return &Backend{
		identities: make(map[string]*identityRow),
		profiles:   make(map[string]*models.Profile),
		couples:    make(map[string]*models.Couple),
		failures:   make(map[string]error),
		broker:     realtime.NewBroker(),
		now:        time.Now,
	}
}

// Broker returns the change feed
func (b *Backend) Broker() *realtime.Broker {
	return b.broker
}

// SetNow replaces the time source used to stamp rows
func (b *Backend) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// SetFailure makes every call of the named operation fail with err until it
// is cleared with a nil err.
func (b *Backend) SetFailure(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

func (b *Backend) failure(op string) error {
	if err, ok := b.failures[op]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Subscribe implements backend.Realtime
func (b *Backend) Subscribe(ctx context.Context, filters []models.Filter, handler backend.ChangeHandler) (backend.Subscription, error) {
	b.mu.Lock()
	err := b.failure("Subscribe")
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.broker.Subscribe(ctx, filters, handler)
}

// Publish pushes a change into the feed, as a storage trigger would
func (b *Backend) Publish(table models.Table, op models.Operation, row any) {
	change, err := models.NewChange(table, op, row)
	if err != nil {
		return
	}
	b.broker.Publish(change)
}

// CreateIdentity implements backend.IdentityStore
func (b *Backend) CreateIdentity(ctx context.Context, identity *models.Identity, passwordHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("CreateIdentity"); err != nil {
		return err
	}
	email := strings.ToLower(identity.Email)
	for _, row := range b.identities {
		if strings.ToLower(row.identity.Email) == email {
			return fmt.Errorf("failed to create identity: %w", backend.ErrConflict)
		}
	}
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = b.now()
	}
	b.identities[identity.ID] = &identityRow{identity: *identity, hash: passwordHash}
	return nil
}

// GetIdentity implements backend.IdentityStore
func (b *Backend) GetIdentity(ctx context.Context, id string) (*models.Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("GetIdentity"); err != nil {
		return nil, err
	}
	row, ok := b.identities[id]
	if !ok {
		return nil, fmt.Errorf("identity not found: %w", backend.ErrNotFound)
	}
	identity := row.identity
	return &identity, nil
}

// GetIdentityByEmail implements backend.IdentityStore
func (b *Backend) GetIdentityByEmail(ctx context.Context, email string) (*models.Identity, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("GetIdentityByEmail"); err != nil {
		return nil, "", err
	}
	email = strings.ToLower(email)
	for _, row := range b.identities {
		if strings.ToLower(row.identity.Email) == email {
			identity := row.identity
			return &identity, row.hash, nil
		}
	}
	return nil, "", fmt.Errorf("identity not found: %w", backend.ErrNotFound)
}

// UpdatePushToken implements backend.IdentityStore
func (b *Backend) UpdatePushToken(ctx context.Context, id string, pushToken *string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.identities[id]
	if !ok {
		return fmt.Errorf("identity not found: %w", backend.ErrNotFound)
	}
	if pushToken == nil {
		row.identity.PushToken = nil
		return nil
	}
	t := *pushToken
	row.identity.PushToken = &t
	return nil
}

// CreateProfile implements backend.ProfileStore
func (b *Backend) CreateProfile(ctx context.Context, profile *models.Profile) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("CreateProfile"); err != nil {
		return err
	}
	if _, ok := b.profiles[profile.ID]; ok {
		return fmt.Errorf("failed to create profile: %w", backend.ErrConflict)
	}
	b.profiles[profile.ID] = profile.Clone()
	return nil
}

// GetProfile implements backend.ProfileStore
func (b *Backend) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("GetProfile"); err != nil {
		return nil, err
	}
	if err := b.failure("GetProfile:" + id); err != nil {
		return nil, err
	}
	p, ok := b.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile not found: %w", backend.ErrNotFound)
	}
	return p.Clone(), nil
}

// UpdateProfile implements backend.ProfileStore
func (b *Backend) UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) error {
	b.mu.Lock()
	if err := b.failure("UpdateProfile"); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.failure("UpdateProfile:" + id); err != nil {
		b.mu.Unlock()
		return err
	}
	p, ok := b.profiles[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("profile not found: %w", backend.ErrNotFound)
	}
	patch.Apply(p)
	row := p.Clone()
	b.mu.Unlock()

	b.Publish(models.TableProfiles, models.OpUpdate, row)
	return nil
}

// CreateCouple implements backend.CoupleStore
func (b *Backend) CreateCouple(ctx context.Context, couple *models.Couple) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("CreateCouple"); err != nil {
		return err
	}
	if couple.ID == "" {
		couple.ID = uuid.New().String()
	}
	if couple.CreatedAt.IsZero() {
		couple.CreatedAt = b.now()
	}
	for _, c := range b.couples {
		if couple.PairingCode != nil && c.PairingCode != nil && *c.PairingCode == *couple.PairingCode {
			return fmt.Errorf("failed to create couple: %w", backend.ErrConflict)
		}
	}
	b.couples[couple.ID] = cloneCouple(couple)
	return nil
}

// GetCouple implements backend.CoupleStore
func (b *Backend) GetCouple(ctx context.Context, id string) (*models.Couple, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("GetCouple"); err != nil {
		return nil, err
	}
	c, ok := b.couples[id]
	if !ok {
		return nil, fmt.Errorf("couple not found: %w", backend.ErrNotFound)
	}
	return cloneCouple(c), nil
}

// GetCoupleByCode implements backend.CoupleStore
func (b *Backend) GetCoupleByCode(ctx context.Context, code string) (*models.Couple, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("GetCoupleByCode"); err != nil {
		return nil, err
	}
	for _, c := range b.couples {
		if c.PairingCode != nil && *c.PairingCode == code {
			return cloneCouple(c), nil
		}
	}
	return nil, fmt.Errorf("couple not found: %w", backend.ErrNotFound)
}

// CodeExists implements backend.CoupleStore
func (b *Backend) CodeExists(ctx context.Context, code string) (bool, error) {
	_, err := b.GetCoupleByCode(ctx, code)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, backend.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// FindCoupleByMember implements backend.CoupleStore
func (b *Backend) FindCoupleByMember(ctx context.Context, userID string) (*models.Couple, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("FindCoupleByMember"); err != nil {
		return nil, err
	}
	var found *models.Couple
	for _, c := range b.couples {
		member := c.User1ID == userID || (c.User2ID != nil && *c.User2ID == userID)
		if !member {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("couple not found: %w", backend.ErrNotFound)
	}
	return cloneCouple(found), nil
}

// ClaimCouple implements backend.CoupleStore
func (b *Backend) ClaimCouple(ctx context.Context, coupleID, memberID string) (bool, error) {
	b.mu.Lock()
	if err := b.failure("ClaimCouple"); err != nil {
		b.mu.Unlock()
		return false, err
	}
	c, ok := b.couples[coupleID]
	if !ok || c.User2ID != nil {
		b.mu.Unlock()
		return false, nil
	}
	m := memberID
	c.User2ID = &m
	row := cloneCouple(c)
	b.mu.Unlock()

	b.Publish(models.TableCouples, models.OpUpdate, row)
	return true, nil
}

// UpdateSharedNote implements backend.CoupleStore
func (b *Backend) UpdateSharedNote(ctx context.Context, coupleID string, note models.SharedNote) error {
	b.mu.Lock()
	if err := b.failure("UpdateSharedNote"); err != nil {
		b.mu.Unlock()
		return err
	}
	c, ok := b.couples[coupleID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("couple not found: %w", backend.ErrNotFound)
	}
	n := note
	c.SharedNote = &n
	row := cloneCouple(c)
	b.mu.Unlock()

	b.Publish(models.TableCouples, models.OpUpdate, row)
	return nil
}

// InsertMessage implements backend.MessageStore
func (b *Backend) InsertMessage(ctx context.Context, msg *models.Message) error {
	b.mu.Lock()
	if err := b.failure("InsertMessage"); err != nil {
		b.mu.Unlock()
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	stored := *msg
	stored.Sender = nil
	b.messages = append(b.messages, &stored)
	row := stored
	b.mu.Unlock()

	b.Publish(models.TableMessages, models.OpInsert, row)
	return nil
}

// ListMessages implements backend.MessageStore
func (b *Backend) ListMessages(ctx context.Context, coupleID string, limit int) ([]*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("ListMessages"); err != nil {
		return nil, err
	}
	var out []*models.Message
	for _, m := range b.messages {
		if m.CoupleID == coupleID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// InsertJournalEntry implements backend.JournalStore
func (b *Backend) InsertJournalEntry(ctx context.Context, entry *models.JournalEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("InsertJournalEntry"); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = b.now()
	}
	e := *entry
	b.journal = append(b.journal, &e)
	return nil
}

// ListJournalEntries implements backend.JournalStore
func (b *Backend) ListJournalEntries(ctx context.Context, coupleID string) ([]*models.JournalEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("ListJournalEntries"); err != nil {
		return nil, err
	}
	var out []*models.JournalEntry
	for _, e := range b.journal {
		if e.CoupleID == coupleID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateMemory implements backend.MemoryStore
func (b *Backend) CreateMemory(ctx context.Context, memory *models.Memory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failure("CreateMemory"); err != nil {
		return err
	}
	m := *memory
	b.memories = append(b.memories, &m)
	return nil
}

// ListMemories implements backend.MemoryStore
func (b *Backend) ListMemories(ctx context.Context, userID string, coupleID *string, limit, offset int) ([]*models.Memory, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []*models.Memory
	for _, m := range b.memories {
		mine := m.UserID == userID
		shared := coupleID != nil && m.CoupleID != nil && *m.CoupleID == *coupleID
		if mine || shared {
			c := *m
			all = append(all, &c)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// CountMessages returns how many messages are stored for a couple
func (b *Backend) CountMessages(coupleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.CoupleID == coupleID {
			n++
		}
	}
	return n
}

func cloneCouple(c *models.Couple) *models.Couple {
	out := *c
	if c.PairingCode != nil {
		s := *c.PairingCode
		out.PairingCode = &s
	}
	if c.User2ID != nil {
		s := *c.User2ID
		out.User2ID = &s
	}
	if c.SharedNote != nil {
		n := *c.SharedNote
		out.SharedNote = &n
	}
	return &out
}
