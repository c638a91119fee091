package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"velora-sync/internal/backend"
	"velora-sync/internal/models"

	"github.com/rs/zerolog/log"
)

// Broker fans row changes out to in-process subscribers whose filters match
type Broker struct {
	mu   sync.RWMutex
	subs map[*brokerSub]struct{}
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[*brokerSub]struct{})}
}

type brokerSub struct {
	broker  *Broker
	filters []models.Filter
	handler backend.ChangeHandler
	stop    func() bool

	// held for reading while the handler runs so Close can wait it out
	mu     sync.RWMutex
	closed bool
}

// Subscribe registers handler for changes matching any of filters. The
// subscription is closed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, filters []models.Filter, handler backend.ChangeHandler) (backend.Subscription, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("at least one filter required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &brokerSub{
		broker:  b,
		filters: append([]models.Filter(nil), filters...),
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.mu.Lock()
	sub.stop = context.AfterFunc(ctx, func() { sub.Close() })
	sub.mu.Unlock()
	return sub, nil
}

// Len returns the number of live subscriptions
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers change synchronously to every matching subscriber
func (b *Broker) Publish(change models.Change) {
	b.mu.RLock()
	targets := make([]*brokerSub, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var record map[string]any
	if err := json.Unmarshal(change.Record, &record); err != nil {
		log.Warn().Err(err).Str("table", string(change.Table)).Msg("Dropping undecodable change")
		return
	}

	for _, s := range targets {
		if s.matches(change, record) {
			s.deliver(change)
		}
	}
}

func (s *brokerSub) matches(change models.Change, record map[string]any) bool {
	for _, f := range s.filters {
		if Matches(f, change, record) {
			return true
		}
	}
	return false
}

func (s *brokerSub) deliver(change models.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.handler(change)
}

// Close removes the subscription and waits for an in-flight delivery to finish
func (s *brokerSub) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}

// Matches reports whether a change, with its record decoded, passes filter f
func Matches(f models.Filter, change models.Change, record map[string]any) bool {
	if f.Table != change.Table || f.Op != change.Op {
		return false
	}
	if f.Column == "" {
		return true
	}
	return columnValue(record, f.Column) == f.Value
}

func columnValue(record map[string]any, column string) string {
	switch v := record[column].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
