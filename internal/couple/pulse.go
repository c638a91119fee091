package couple

import (
	"sync"
	"time"
)

const (
	// DefaultPulseWindow is how old a partner pulse may be and still count as now.
	DefaultPulseWindow = 10 * time.Second

	// DefaultPulseDisplay is how long the signal stays on once triggered.
	DefaultPulseDisplay = 3 * time.Second
)

// PulseTracker turns the partner's last-pulse timestamp into a transient
// "thinking of you" signal with one cancellable expiry.
type PulseTracker struct {
	store   *Store
	clock   Clock
	window  time.Duration
	display time.Duration

	mu       sync.Mutex
	timer    Timer
	token    uint64
	lastSeen time.Time
}

// NewPulseTracker creates a tracker writing its signal into store
func NewPulseTracker(store *Store, clock Clock, window, display time.Duration) *PulseTracker {
	if clock == nil {
		clock = realClock{}
	}
	if window <= 0 {
		window = DefaultPulseWindow
	}
	if display <= 0 {
		display = DefaultPulseDisplay
	}
	return &PulseTracker{store: store, clock: clock, window: window, display: display}
}

// Recent reports whether ts falls inside the recency window
func (p *PulseTracker) Recent(ts time.Time) bool {
	return p.clock.Now().Sub(ts) < p.window
}

// Observe feeds a partner last-pulse value. A timestamp already seen, or one
// older than the window, leaves the signal alone. Store writes happen under
// the tracker lock.
func (p *PulseTracker) Observe(ts *time.Time) bool {
	if ts == nil {
		return false
	}

	p.mu.Lock()
	if ts.Equal(p.lastSeen) {
		p.mu.Unlock()
		return false
	}
	p.lastSeen = *ts
	if !p.Recent(*ts) {
		p.mu.Unlock()
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.token++
	token := p.token
	p.timer = p.clock.AfterFunc(p.display, func() { p.expire(token) })
	p.store.setPartnerPulsing(true)
	p.mu.Unlock()
	return true
}

func (p *PulseTracker) expire(token uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if token != p.token {
		return
	}
	p.timer = nil
	p.store.setPartnerPulsing(false)
}

// Reset cancels any scheduled expiry and turns the signal off
func (p *PulseTracker) Reset() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.token++
	p.lastSeen = time.Time{}
	p.store.setPartnerPulsing(false)
	p.mu.Unlock()
}

// Active reports whether the signal is currently on
func (p *PulseTracker) Active() bool {
	return p.store.Snapshot().PartnerPulsing
}
