// Package storage implements the storage gateway of spec.md §4.1: a single
// acquire/release contract in front of a document store and a vector store,
// with connection pooling, a three-state circuit breaker, and capped
// exponential backoff with jitter on retryable failures. Grounded on the
// teacher's internal/memory.SQLiteMemoryDB (connection-pool tuning via
// sql.DB.SetMaxOpenConns/SetMaxIdleConns) generalized behind an interface so
// the gateway itself never touches database/sql directly.
package storage

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// BreakerState is one of the three states spec.md §4.1 requires.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker implements the Closed -> Open -> HalfOpen -> Closed/Open
// transition table of §4.1 and invariant 6 of §8: "Open => no storage call
// proceeds; HalfOpen => at most one probe in flight."
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	threshold        int
	cooldown         time.Duration
	openedAt         time.Time
	probeInFlight    bool
	onTransition     func(BreakerState)
}

// NewCircuitBreaker builds a breaker that opens after threshold consecutive
// failures and stays open for cooldown before allowing one HalfOpen probe.
func NewCircuitBreaker(threshold int, cooldown time.Duration, onTransition func(BreakerState)) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, onTransition: onTransition}
}

// Allow reports whether a call may proceed, and if so whether it is the one
// permitted HalfOpen probe. Callers that get probe=true MUST report the
// outcome via Success/Failure promptly: a second concurrent probe is refused
// while one is in flight.
func (b *CircuitBreaker) Allow() (proceed bool, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return false, false
		}
		b.transition(HalfOpen)
		fallthrough
	case HalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	}
	return false, false
}

// Success records a successful call, closing the breaker if it was
// half-open.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	if b.state != Closed {
		b.transition(Closed)
	}
	b.probeInFlight = false
}

// Failure records a failed call, opening the breaker once consecutiveFails
// reaches threshold, or immediately re-opening a failed HalfOpen probe.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeInFlight = false
		b.transition(Open)
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.transition(Open)
	}
}

// State reports the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) transition(to BreakerState) {
	b.state = to
	if to == Open {
		b.openedAt = time.Now()
		b.consecutiveFails = 0
	}
	if b.onTransition != nil {
		b.onTransition(to)
	}
}

// Guard runs fn if the breaker allows it, reporting the outcome back to the
// breaker, and returns coreerr.ErrStorageUnavailable without calling fn when
// the breaker is Open. coreerr.ErrNotFound is a successful round trip to a
// healthy store that simply has no matching record — it counts as Success,
// not Failure, so a run of ordinary cache misses can't corrode the breaker
// toward Open.
func (b *CircuitBreaker) Guard(fn func() error) error {
	proceed, _ := b.Allow()
	if !proceed {
		return coreerr.ErrStorageUnavailable
	}
	err := fn()
	if err != nil && !errors.Is(err, coreerr.ErrNotFound) {
		b.Failure()
		return err
	}
	b.Success()
	return err
}

// Backoff computes capped exponential backoff with full jitter for retry
// attempt n (0-indexed), following the monitor's NATS reconnect tuning
// (ReconnectWait) generalized into a reusable helper used by every retrying
// caller in the gateway.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base << attempt
	if d <= 0 || d > cap {
		d = cap
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
