// Package circuitbreaker sheds traffic to destinations that keep
// failing. The broker runs it in front of outbound notification
// endpoints: a subscription whose deliveries fail back-to-back stops
// receiving attempts for a cooldown window, then gets a single probe
// delivery to see whether the endpoint recovered.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/paybroker/paybroker/internal/metrics"
)

// State of one destination's circuit.
type State int

const (
	StateClosed   State = iota // deliveries flow
	StateOpen                  // shedding, endpoint presumed down
	StateHalfOpen              // one probe delivery in flight
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// destination tracks one key's circuit.
type destination struct {
	state       State
	consecutive int
	lastFailure time.Time
}

// Breaker counts consecutive failures per destination key and stops
// admitting traffic once they reach the trip threshold. After the
// cooldown a single delivery is let through as a probe; its outcome
// decides whether the circuit closes again or re-opens for another
// cooldown.
type Breaker struct {
	mu       sync.Mutex
	dests    map[string]*destination
	trip     int
	cooldown time.Duration
	now      func() time.Time
}

// New creates a breaker that trips after trip consecutive failures and
// sheds for cooldown before probing. Non-positive arguments fall back
// to 5 failures and 30 seconds.
func New(trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		dests:    make(map[string]*destination),
		trip:     trip,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a delivery to key should be attempted. An open
// circuit past its cooldown moves to half-open and admits the caller
// as the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.dests[key]
	if d == nil {
		return true
	}
	switch d.state {
	case StateOpen:
		if b.now().Sub(d.lastFailure) < b.cooldown {
			return false
		}
		b.shift(d, key, StateHalfOpen)
		return true
	case StateHalfOpen:
		// A probe is already out; hold traffic until it reports back.
		return false
	}
	return true
}

// RecordSuccess clears key's failure streak. A successful probe closes
// the circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.dests[key]
	if d == nil {
		return
	}
	d.consecutive = 0
	if d.state == StateHalfOpen {
		b.shift(d, key, StateClosed)
	}
}

// RecordFailure extends key's failure streak, tripping the circuit at
// the threshold. A failed probe re-opens it for another cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.dests[key]
	if d == nil {
		d = &destination{}
		b.dests[key] = d
	}
	d.consecutive++
	d.lastFailure = b.now()

	if d.state == StateHalfOpen || (d.state == StateClosed && d.consecutive >= b.trip) {
		b.shift(d, key, StateOpen)
	}
}

// State returns key's circuit state. Unseen keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d := b.dests[key]; d != nil {
		return d.state
	}
	return StateClosed
}

// shift moves a destination between states. Caller holds b.mu.
func (b *Breaker) shift(d *destination, key string, to State) {
	if d.state == to {
		return
	}
	d.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, to.String()).Inc()
}
