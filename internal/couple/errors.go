package couple

import (
	"errors"

	"velora-sync/internal/pairing"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a live identity.
	ErrNotAuthenticated = pairing.ErrNotAuthenticated

	// ErrCodeNotFound and ErrCodeAlreadyUsed are the user-correctable
	// redemption failures.
	ErrCodeNotFound    = pairing.ErrCodeNotFound
	ErrCodeAlreadyUsed = pairing.ErrCodeAlreadyUsed

	// ErrAlreadyPaired is returned when the redeemer already has a partner.
	ErrAlreadyPaired = pairing.ErrAlreadyPaired

	// ErrNotPaired is returned when an operation needs a couple context.
	ErrNotPaired = errors.New("not paired")

	// ErrPartialHydration is returned by Refresh when the own profile loaded
	// but partner or couple data did not. The view is still usable.
	ErrPartialHydration = errors.New("partial hydration")

	// ErrOptimisticWrite wraps a failed durable write behind an optimistic
	// update. The optimistic value is not rolled back.
	ErrOptimisticWrite = errors.New("optimistic write failed")

	// ErrSubscriptionEstablish is returned when the realtime channel could not
	// be opened. It is not fatal; Start may be called again.
	ErrSubscriptionEstablish = errors.New("realtime subscription not established")

	// ErrEmptyMessage is returned for blank chat text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrEmptyEntry is returned for a blank journal entry.
	ErrEmptyEntry = errors.New("journal entry is empty")

	// ErrNoBlobStore is returned by uploads when no blob store is configured.
	ErrNoBlobStore = errors.New("blob storage not configured")
)
