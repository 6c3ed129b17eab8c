// Package observability is the structured-events, counters, and dashboard
// component of spec.md §2's "Observability" row and SPEC_FULL.md §4.19. The
// in-memory fan-out bus is adapted from the teacher's internal/events.Bus:
// same backpressure-with-retry delivery to slow subscribers, same per-target
// subscription model, but events are now zerolog records instead of
// fmt.Printf-formatted strings and Warn/Error events fan further into the
// alert router. The Prometheus counters in metrics.go are registered
// separately; the Bus does not update them.
package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Severity mirrors the monitor's informal log levels as a typed enum.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Event is a structured observability record (SPEC_FULL.md §3 additions).
type Event struct {
	ID            string
	Timestamp     time.Time
	Component     string
	Severity      Severity
	Message       string
	Fields        map[string]any
	CorrelationID string
}

// backpressureRetries/backpressureDelay mirror the monitor's
// MaxBackpressureRetries/BackpressureRetryDelay constants.
const (
	backpressureRetries = 3
	backpressureDelay   = 10 * time.Millisecond
)

// subscription is one listener registered against a component tag, or "all".
type subscription struct {
	ch     chan Event
	target string
}

// Bus fans Events out to subscribers and to a logger. Events reach the
// dashboard and alert router only through Publish: Bus.Logger(component)
// returns a component-tagged zerolog.Logger that writes through the base
// logger and does not publish Events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription
	base        zerolog.Logger
	dropped     uint64
}

// NewBus creates an observability bus writing through base for every event,
// in addition to fan-out.
func NewBus(base zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscription),
		base:        base,
	}
}

// Subscribe registers a listener for a component tag ("all" matches every
// component). The returned channel is closed by Unsubscribe.
func (b *Bus) Subscribe(target string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{ch: make(chan Event, 100), target: target}
	b.subscribers[target] = append(b.subscribers[target], sub)
	return sub.ch
}

// Unsubscribe removes and closes a previously subscribed channel.
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[target]
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}
			return
		}
	}
}

// Publish logs the event through the base logger and fans it out to matching
// subscribers, applying the same bounded-retry backpressure as the teacher's
// event bus so a slow dashboard client cannot stall the publisher.
func (b *Bus) Publish(ev Event) {
	logEvt := b.base.WithLevel(zerologLevel(ev.Severity)).
		Str("component", ev.Component).
		Str("event_id", ev.ID)
	if ev.CorrelationID != "" {
		logEvt = logEvt.Str("correlation_id", ev.CorrelationID)
	}
	for k, v := range ev.Fields {
		logEvt = logEvt.Interface(k, v)
	}
	logEvt.Msg(ev.Message)

	b.mu.RLock()
	defer b.mu.RUnlock()
	var targets []*subscription
	targets = append(targets, b.subscribers[ev.Component]...)
	targets = append(targets, b.subscribers["all"]...)
	for _, sub := range targets {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	for i := 0; i < backpressureRetries; i++ {
		time.Sleep(backpressureDelay)
		select {
		case sub.ch <- ev:
			return
		default:
		}
	}
	atomic.AddUint64(&b.dropped, 1)
}

// DroppedCount reports events dropped because a subscriber's channel stayed
// full through every retry.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Logger returns a component-scoped zerolog.Logger.
func (b *Bus) Logger(component string) zerolog.Logger {
	return b.base.With().Str("component", component).Logger()
}

func zerologLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityDebug:
		return zerolog.DebugLevel
	case SeverityWarn:
		return zerolog.WarnLevel
	case SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
