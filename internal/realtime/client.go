package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClientClosed is returned once the relay connection has gone away
var ErrClientClosed = errors.New("realtime connection closed")

// Client is a relay websocket connection implementing backend.Realtime. All
// subscriptions share the one connection.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[string]*clientSub
	pending map[string]chan error
	err     error

	done chan struct{}
}

var _ backend.Realtime = (*Client)(nil)

type clientSub struct {
	client  *Client
	ref     string
	handler backend.ChangeHandler
	stop    func() bool

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the relay at endpoint, authenticating with token
func Dial(ctx context.Context, endpoint, token string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime relay: %w", err)
	}

	c := &Client{
		ws:      ws,
		subs:    make(map[string]*clientSub),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe implements backend.Realtime. It returns once the relay has
// accepted or rejected the filters.
func (c *Client) Subscribe(ctx context.Context, filters []models.Filter, handler backend.ChangeHandler) (backend.Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}

	sub := &clientSub{client: c, ref: uuid.New().String(), handler: handler}
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[sub.ref] = sub
	c.pending[sub.ref] = ack
	c.mu.Unlock()

	fail := func(err error) (backend.Subscription, error) {
		c.mu.Lock()
		delete(c.subs, sub.ref)
		delete(c.pending, sub.ref)
		c.mu.Unlock()
		return nil, err
	}

	if err := c.send(Frame{Type: FrameSubscribe, Ref: sub.ref, Filters: filters}); err != nil {
		return fail(err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fail(err)
		}
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-c.done:
		return fail(ErrClientClosed)
	}

	sub.mu.Lock()
	sub.stop = context.AfterFunc(ctx, func() { sub.Close() })
	sub.mu.Unlock()
	return sub, nil
}

// Close shuts the connection down and waits for the read loop to exit
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.shutdown(fmt.Errorf("%w: %w", ErrClientClosed, err))
			return
		}

		switch frame.Type {
		case FrameSubscribed:
			c.ack(frame.Ref, nil)
		case FrameError:
			if !c.ack(frame.Ref, errors.New(frame.Message)) {
				log.Warn().Str("ref", frame.Ref).Str("message", frame.Message).Msg("Realtime relay error")
			}
		case FrameChange:
			if frame.Change == nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[frame.Ref]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(*frame.Change)
			}
		}
	}
}

func (c *Client) ack(ref string, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for ref, ch := range c.pending {
		ch <- err
		delete(c.pending, ref)
	}
}

func (s *clientSub) deliver(change models.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.handler(change)
}

// Close stops delivery and tells the relay to drop the subscription
func (s *clientSub) Close() error {
	c := s.client
	c.mu.Lock()
	delete(c.subs, s.ref)
	closed := c.err != nil
	c.mu.Unlock()

	s.mu.Lock()
	already := s.closed
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if already || closed {
		return nil
	}
	if err := c.send(Frame{Type: FrameUnsubscribe, Ref: s.ref}); err != nil {
		return err
	}
	return nil
}
