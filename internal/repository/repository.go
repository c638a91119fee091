// Package repository implements the storage interfaces on PostgreSQL. Row
// changes are announced by the triggers in schema.sql on the row_changes
// notification channel.
package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChangeChannel is the LISTEN channel the notify triggers publish on
const ChangeChannel = "row_changes"

//go:embed schema.sql
var schema string

// Migrate creates tables and notify triggers if they are missing
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Postgres bundles every repository into one backend.Storage
type Postgres struct {
	*IdentityRepository
	*ProfileRepository
	*CoupleRepository
	*MessageRepository
	*JournalRepository
	*MemoryRepository
}

var (
	_ backend.Storage       = (*Postgres)(nil)
	_ backend.IdentityStore = (*Postgres)(nil)
	_ backend.MemoryStore   = (*Postgres)(nil)
)

// NewPostgres creates the repositories over one pool
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{
		IdentityRepository: NewIdentityRepository(db),
		ProfileRepository:  NewProfileRepository(db),
		CoupleRepository:   NewCoupleRepository(db),
		MessageRepository:  NewMessageRepository(db),
		JournalRepository:  NewJournalRepository(db),
		MemoryRepository:   NewMemoryRepository(db),
	}
}

// mapError translates driver errors into backend sentinels
func mapError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s not found: %w", what, backend.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", what, backend.ErrConflict, pgErr.ConstraintName)
		case "23514":
			// every check constraint in schema.sql is a length cap
			return fmt.Errorf("%s: %w: %s", what, models.ErrContentTooLong, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("failed to access %s: %w", what, err)
}
