package couple

import (
	"context"
	"fmt"
	"sync"

	"velora-sync/internal/backend"
	"velora-sync/internal/metrics"
	"velora-sync/internal/models"

	"github.com/rs/zerolog"
)

// Reconciler subscribes to the partner's profile, the couple row and the
// couple's message inserts, and folds each change into the store.
type Reconciler struct {
	store    *Store
	realtime backend.Realtime
	pulse    *PulseTracker
	log      zerolog.Logger

	mu    sync.Mutex
	sub   backend.Subscription
	after func() bool
}

// NewReconciler creates a reconciler over store
func NewReconciler(store *Store, rt backend.Realtime, pulse *PulseTracker, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		realtime: rt,
		pulse:    pulse,
		log:      logger.With().Str("component", "reconciler").Logger(),
	}
}

// Filters returns the three change filters for a paired scope
func Filters(partnerID, coupleID string) []models.Filter {
	return []models.Filter{
		{Table: models.TableProfiles, Op: models.OpUpdate, Column: "id", Value: partnerID},
		{Table: models.TableCouples, Op: models.OpUpdate, Column: "id", Value: coupleID},
		{Table: models.TableMessages, Op: models.OpInsert, Column: "couple_id", Value: coupleID},
	}
}

// Start opens the subscription for the current paired scope. Calling it
// while a subscription is live is a no-op. When ctx is done the subscription
// is torn down as by Stop, so a later Start subscribes again.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}

	sc := r.store.scope()
	if sc.state != StatePaired || sc.partner == "" || sc.coupleID == "" {
		return fmt.Errorf("%w: %w", ErrSubscriptionEstablish, ErrNotPaired)
	}

	gen := r.store.beginSubscription()
	sub, err := r.realtime.Subscribe(ctx, Filters(sc.partner, sc.coupleID), func(change models.Change) {
		r.handle(gen, change)
	})
	if err != nil {
		r.store.endSubscription()
		return fmt.Errorf("%w: %w", ErrSubscriptionEstablish, err)
	}
	r.sub = sub
	r.after = context.AfterFunc(ctx, func() {
		if err := r.release(sub); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close subscription after context end")
		}
	})

	r.log.Info().
		Str("user_id", sc.selfID).
		Str("couple_id", sc.coupleID).
		Msg("Realtime subscription established")
	return nil
}

// Running reports whether a subscription is live
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

// Stop tears down the subscription. No change is applied after it returns.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	return r.release(sub)
}

// release tears down sub if it is still the live subscription
func (r *Reconciler) release(sub backend.Subscription) error {
	r.mu.Lock()
	if sub == nil || r.sub != sub {
		r.mu.Unlock()
		return nil
	}
	r.sub = nil
	after := r.after
	r.after = nil
	r.mu.Unlock()

	if after != nil {
		after()
	}
	r.store.endSubscription()
	err := sub.Close()
	r.pulse.Reset()
	if err != nil {
		return fmt.Errorf("failed to close subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) handle(gen uint64, change models.Change) {
	event, err := models.DecodeChange(change)
	if err != nil {
		metrics.RealtimeEvents.WithLabelValues(string(change.Table), "invalid").Inc()
		r.log.Warn().Err(err).Str("table", string(change.Table)).Msg("Dropping undecodable change")
		return
	}

	var outcome string
	switch ev := event.(type) {
	case models.ProfileUpdated:
		outcome = r.store.replacePartner(gen, ev.Profile)
		if outcome == "applied" {
			r.pulse.Observe(ev.Profile.LastPulse)
		}
	case models.CoupleUpdated:
		outcome = r.store.replaceNote(gen, ev.Couple.ID, ev.Couple.SharedNote)
	case models.MessageInserted:
		outcome = r.store.appendRemote(gen, ev.Message)
	default:
		outcome = "ignored"
	}

	metrics.RealtimeEvents.WithLabelValues(string(change.Table), outcome).Inc()
	r.log.Debug().Str("table", string(change.Table)).Str("outcome", outcome).Msg("Change reconciled")
}
