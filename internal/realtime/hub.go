package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/metrics"
	"velora-sync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 10 * time.Second

	// sendBuffer is how many frames a connection may have queued before it
	// is treated as stalled and dropped.
	sendBuffer = 64
)

var (
	// ErrNotEntitled is returned when a subscriber asks for rows outside its couple
	ErrNotEntitled = errors.New("not entitled to subscribe")

	// ErrSlowConsumer is returned when a connection's send queue is full
	ErrSlowConsumer = errors.New("subscriber send queue full")

	errConnClosed = errors.New("connection closed")
)

// Hub relays broker changes to websocket subscribers. Each connection may
// only subscribe to its own profile, its partner's profile, and its couple's
// row and messages.
type Hub struct {
	broker   *Broker
	profiles backend.ProfileStore

	mu          sync.RWMutex
	connections map[string]*hubConn
}

// hubConn owns one websocket. Frames go through out and are written by
// writePump alone, so broker handlers never block on the network.
type hubConn struct {
	userID string
	ws     *websocket.Conn

	out       chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]backend.Subscription
}

// NewHub creates a new websocket hub
func NewHub(broker *Broker, profiles backend.ProfileStore) *Hub {
	return &Hub{
		broker:      broker,
		profiles:    profiles,
		connections: make(map[string]*hubConn),
	}
}

// IsOnline checks if a user has a live connection
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.connections[userID]
	return exists
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Serve runs the read loop for an upgraded connection until it closes. A
// newer connection for the same user replaces the older one.
func (h *Hub) Serve(ctx context.Context, userID string, ws *websocket.Conn) {
	c := &hubConn{
		userID: userID,
		ws:     ws,
		out:    make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]backend.Subscription),
	}
	h.register(c)
	defer h.unregister(c)
	go c.writePump()

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}

		switch frame.Type {
		case FrameSubscribe:
			if err := h.subscribe(ctx, c, frame); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Str("ref", frame.Ref).Msg("Subscription rejected")
				c.send(Frame{Type: FrameError, Ref: frame.Ref, Message: err.Error()})
			}
		case FrameUnsubscribe:
			c.closeSub(frame.Ref)
		default:
			c.send(Frame{Type: FrameError, Ref: frame.Ref, Message: "unknown frame type"})
		}
	}
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	existing := h.connections[c.userID]
	h.connections[c.userID] = c
	h.mu.Unlock()

	// Close existing connection if any
	if existing != nil {
		existing.shutdown()
	}
	metrics.WSConnections.Inc()
	log.Info().Str("user_id", c.userID).Msg("WebSocket connection registered")
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if h.connections[c.userID] == c {
		delete(h.connections, c.userID)
	}
	h.mu.Unlock()

	c.closeAll()
	c.shutdown()
	metrics.WSConnections.Dec()
	log.Info().Str("user_id", c.userID).Msg("WebSocket connection unregistered")
}

func (h *Hub) subscribe(ctx context.Context, c *hubConn, frame Frame) error {
	if frame.Ref == "" {
		return fmt.Errorf("ref required")
	}
	if len(frame.Filters) == 0 {
		return fmt.Errorf("at least one filter required")
	}
	if err := h.authorize(ctx, c.userID, frame.Filters); err != nil {
		return err
	}

	ref := frame.Ref
	sub, err := h.broker.Subscribe(ctx, frame.Filters, func(change models.Change) {
		ch := change
		if err := c.send(Frame{Type: FrameChange, Ref: ref, Change: &ch}); err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				log.Warn().Str("user_id", c.userID).Msg("Dropping stalled websocket subscriber")
			}
			return
		}
		metrics.RelayedChanges.WithLabelValues(string(change.Table)).Inc()
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if old, ok := c.subs[ref]; ok {
		old.Close()
	}
	c.subs[ref] = sub
	c.mu.Unlock()

	return c.send(Frame{Type: FrameSubscribed, Ref: ref})
}

// authorize checks every filter against the subscriber's current profile
func (h *Hub) authorize(ctx context.Context, userID string, filters []models.Filter) error {
	profile, err := h.profiles.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	coupleID, partnerID := "", ""
	if profile.CoupleID != nil {
		coupleID = *profile.CoupleID
	}
	if profile.PartnerID != nil {
		partnerID = *profile.PartnerID
	}

	for _, f := range filters {
		ok := false
		switch f.Table {
		case models.TableProfiles:
			ok = f.Column == "id" && (f.Value == userID || (partnerID != "" && f.Value == partnerID))
		case models.TableCouples:
			ok = f.Column == "id" && coupleID != "" && f.Value == coupleID
		case models.TableMessages:
			ok = f.Column == "couple_id" && coupleID != "" && f.Value == coupleID
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotEntitled, f)
		}
	}
	return nil
}

// send queues frame without blocking. A full queue closes the connection;
// the client resubscribes and reloads history after reconnecting.
func (c *hubConn) send(frame Frame) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *hubConn) writePump() {
	for {
		select {
		case frame := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("Failed to write frame")
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// shutdown stops the writer and closes the socket, which ends the read loop
func (c *hubConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *hubConn) closeSub(ref string) {
	c.mu.Lock()
	sub, ok := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *hubConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]backend.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
