// Package breaker implements the upstream circuit breaker: it tracks
// consecutive upstream transport failures and short-circuits the forwarder
// during an outage instead of letting every request pay the full dial
// timeout.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker is open and the cooldown has
// not yet elapsed.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker tracks upstream transport health and decides whether a call should
// be attempted at all.
//
// State machine: Closed -> (consecutive failures >= threshold) -> Open ->
// (cooldown elapsed) -> HalfOpen -> (trial call succeeds) -> Closed, or
// (trial call fails) -> Open again.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// New builds a Breaker that opens after threshold consecutive transport
// failures and stays open for cooldown before allowing a trial call.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, state: Closed}
}

// Allow reports whether a call should be attempted. When the breaker is open
// and the cooldown has elapsed, it transitions to HalfOpen and allows exactly
// one trial call through; concurrent callers during that trial are rejected
// with ErrOpen so only one probe is in flight at a time.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if now.Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.trialInFlight = true
		return nil
	case HalfOpen:
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful upstream call, closing the circuit and
// resetting the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = Closed
	b.trialInFlight = false
}

// RecordFailure reports a transport-layer failure. Non-transport failures
// (any received HTTP status, including 4xx/5xx) must never be reported here;
// the breaker tracks node reachability, not application-level outcomes.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if b.state == HalfOpen {
		b.openCircuit(now)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openCircuit(now)
	}
}

func (b *Breaker) openCircuit(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.failures = b.threshold
}

// Current reports the current circuit state, for metrics and health endpoints.
func (b *Breaker) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
