package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
)

const pushTimeout = 10 * time.Second

// Pusher delivers one APNs notification
type Pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// PulseNotifier pushes "thinking of you" to a partner who is not connected
// to the relay when a profile's last pulse moves forward
type PulseNotifier struct {
	identities backend.IdentityStore
	pusher     Pusher
	online     func(userID string) bool
	topic      string
	window     time.Duration
	now        func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
	wg       sync.WaitGroup
}

// NewPulseNotifier creates a notifier. online reports relay presence.
func NewPulseNotifier(identities backend.IdentityStore, pusher Pusher, online func(string) bool, topic string, window time.Duration) *PulseNotifier {
	return &PulseNotifier{
		identities: identities,
		pusher:     pusher,
		online:     online,
		topic:      topic,
		window:     window,
		now:        time.Now,
		lastSeen:   make(map[string]time.Time),
	}
}

// Filters returns the change filters the notifier consumes
func (n *PulseNotifier) Filters() []models.Filter {
	return []models.Filter{{Table: models.TableProfiles, Op: models.OpUpdate}}
}

// HandleChange is a backend.ChangeHandler. The push itself runs on its own
// goroutine so the feed is never blocked on APNs.
func (n *PulseNotifier) HandleChange(change models.Change) {
	event, err := models.DecodeChange(change)
	if err != nil {
		return
	}
	updated, ok := event.(models.ProfileUpdated)
	if !ok {
		return
	}
	p := updated.Profile
	if p.LastPulse == nil || p.PartnerID == nil {
		return
	}
	if n.now().Sub(*p.LastPulse) >= n.window {
		return
	}

	n.mu.Lock()
	if !p.LastPulse.After(n.lastSeen[p.ID]) {
		n.mu.Unlock()
		return
	}
	n.lastSeen[p.ID] = *p.LastPulse
	n.mu.Unlock()

	partnerID := *p.PartnerID
	if n.online != nil && n.online(partnerID) {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := n.push(ctx, partnerID, p.Nickname); err != nil {
			log.Warn().Err(err).Str("user_id", p.ID).Str("partner_id", partnerID).Msg("Failed to push pulse")
		}
	}()
}

// Wait blocks until in-flight pushes finish
func (n *PulseNotifier) Wait() {
	n.wg.Wait()
}

func (n *PulseNotifier) push(ctx context.Context, partnerID, nickname string) error {
	identity, err := n.identities.GetIdentity(ctx, partnerID)
	if err != nil {
		return fmt.Errorf("failed to get partner identity: %w", err)
	}
	if identity.PushToken == nil || *identity.PushToken == "" {
		return nil
	}

	if nickname == "" {
		nickname = "Your partner"
	}
	notification := &apns2.Notification{
		DeviceToken: *identity.PushToken,
		Topic:       n.topic,
		Priority:    apns2.PriorityHigh,
		PushType:    apns2.PushTypeAlert,
		Payload: payload.NewPayload().
			AlertTitle("Thinking of you").
			AlertBody(nickname + " is thinking of you").
			Sound("default").
			Custom("kind", "pulse"),
	}

	res, err := n.pusher.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("failed to push notification: %w", err)
	}
	if !res.Sent() {
		return fmt.Errorf("push rejected: %d %s", res.StatusCode, res.Reason)
	}

	log.Info().Str("partner_id", partnerID).Str("apns_id", res.ApnsID).Msg("Pulse pushed")
	return nil
}
