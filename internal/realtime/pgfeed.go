package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"velora-sync/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// PGFeed listens on a Postgres notification channel and publishes each
// notification into a broker as a row change
type PGFeed struct {
	db      *pgxpool.Pool
	broker  *Broker
	channel string
}

// NewPGFeed creates a feed for channel
func NewPGFeed(db *pgxpool.Pool, broker *Broker, channel string) *PGFeed {
	return &PGFeed{db: db, broker: broker, channel: channel}
}

// Run listens until ctx is done, reconnecting with backoff when the
// connection drops
func (f *PGFeed) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Error().Err(err).Dur("retry_in", backoff).Msg("Change feed interrupted")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (f *PGFeed) listen(ctx context.Context) error {
	conn, err := f.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %q", f.channel)); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("channel", f.channel).Msg("Change feed listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for notification: %w", err)
		}
		change, err := DecodeNotification(n.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed notification")
			continue
		}
		f.broker.Publish(change)
	}
}

// DecodeNotification parses a notify-trigger payload
func DecodeNotification(payload string) (models.Change, error) {
	var change models.Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return models.Change{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if change.Table == "" || change.Op == "" || len(change.Record) == 0 {
		return models.Change{}, errors.New("failed to decode notification: missing table, op or record")
	}
	return change, nil
}
