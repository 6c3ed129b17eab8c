// Package bus implements the message bus of spec.md §4.12: direct and
// pub/sub delivery of MessageEnvelope values between agents, with
// persistence before delivery, per-from rate limiting, a per-to circuit
// breaker, bounded retries into a dead-letter ring buffer, and replay.
// Grounded on the monitor's internal/events.Bus for the subscription/
// backpressure shape and internal/nats for the subject-based direct-send
// idiom, generalized from process-wide log.Printf notices to this module's
// zerolog + coreerr sentinel conventions.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

// Envelope is the unit of delivery between agents. Exactly one of To or
// Topic is set: To selects direct delivery, Topic selects pub/sub fan-out.
type Envelope struct {
	ID            ids.MessageID
	SessionID     ids.SessionID
	From          ids.AgentID
	To            ids.AgentID
	Topic         string
	CorrelationID string
	Kind          string
	Payload       json.RawMessage
	AttemptCount  int
	CreatedAt     time.Time
}

// Handler processes an envelope delivered directly to the agent it is
// registered for. An error return counts as a delivery failure against the
// per-to circuit breaker and triggers a retry.
type Handler func(ctx context.Context, env Envelope) error

// Config tunes a Bus's rate limiting, circuit breaking, retry, and
// backpressure behavior.
type Config struct {
	RateLimitPerSecond   float64
	RateLimitBurst       int
	BreakerThreshold     int
	BreakerCooldown      time.Duration
	MaxAttempts          int
	DeadLetterCapacity   int
	SubscriberBufferSize int
	BackpressureRetries  int
	BackpressureDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 50
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 10
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = 256
	}
	if c.SubscriberBufferSize <= 0 {
		c.SubscriberBufferSize = 100
	}
	if c.BackpressureRetries <= 0 {
		c.BackpressureRetries = 3
	}
	if c.BackpressureDelay <= 0 {
		c.BackpressureDelay = 10 * time.Millisecond
	}
	return c
}

// Persister is the narrow collaborator the bus appends envelopes to before
// delivery, and replays them from. Backed by EnvelopeLog in this package.
type Persister interface {
	Append(ctx context.Context, env Envelope) error
	Replay(ctx context.Context, sessionID ids.SessionID) ([]Envelope, error)
	ReplayRecent(ctx context.Context, sessionID ids.SessionID, k int) ([]Envelope, error)
}

type subscription struct {
	id      string
	topic   string
	ch      chan Envelope
	lagging bool
}

// Bus is the orchestrator runtime's message bus.
type Bus struct {
	mu       sync.Mutex
	handlers map[ids.AgentID]Handler
	limiters map[ids.AgentID]*rate.Limiter
	breakers map[ids.AgentID]*storage.CircuitBreaker
	pairLock map[string]*sync.Mutex
	subs     map[string][]*subscription
	nextSub  int

	persist Persister
	dead    *deadLetterRing
	cfg     Config
	logger  zerolog.Logger
}

// New builds a Bus. persist may be nil, in which case envelopes are
// delivered without a persistence step (sessions that never opt in).
func New(persist Persister, cfg Config, logger zerolog.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		handlers: make(map[ids.AgentID]Handler),
		limiters: make(map[ids.AgentID]*rate.Limiter),
		breakers: make(map[ids.AgentID]*storage.CircuitBreaker),
		pairLock: make(map[string]*sync.Mutex),
		subs:     make(map[string][]*subscription),
		persist:  persist,
		dead:     newDeadLetterRing(cfg.DeadLetterCapacity),
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterHandler wires agentID's inbox handler. A second call replaces the
// first.
func (b *Bus) RegisterHandler(agentID ids.AgentID, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[agentID] = h
}

// Unregister removes agentID's inbox handler.
func (b *Bus) Unregister(agentID ids.AgentID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, agentID)
}

func (b *Bus) limiterFor(agentID ids.AgentID) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.cfg.RateLimitPerSecond), b.cfg.RateLimitBurst)
		b.limiters[agentID] = l
	}
	return l
}

func (b *Bus) breakerFor(agentID ids.AgentID) *storage.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.breakers[agentID]
	if !ok {
		br = storage.NewCircuitBreaker(b.cfg.BreakerThreshold, b.cfg.BreakerCooldown, nil)
		b.breakers[agentID] = br
	}
	return br
}

func (b *Bus) pairMutex(from, to ids.AgentID) *sync.Mutex {
	key := string(from) + "->" + string(to)
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.pairLock[key]
	if !ok {
		m = &sync.Mutex{}
		b.pairLock[key] = m
	}
	return m
}

func fillEnvelope(env *Envelope) {
	if env.ID == "" {
		env.ID = ids.NewMessageID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
}

func (b *Bus) maybePersist(ctx context.Context, env Envelope) {
	if b.persist == nil || env.SessionID == "" {
		return
	}
	if err := b.persist.Append(ctx, env); err != nil {
		b.logger.Warn().Err(err).Str("envelope", string(env.ID)).Msg("bus: persist before delivery failed")
	}
}

// Send delivers env directly to env.To, serialized against every other
// Send for the same (From, To) pair so FIFO order holds per the ordering
// guarantee of §5. Rate-limited per From; circuit-broken per To. On
// delivery failure the envelope is retried up to Config.MaxAttempts times
// before moving to the dead-letter ring.
func (b *Bus) Send(ctx context.Context, env Envelope) error {
	if env.To == "" {
		return fmt.Errorf("bus send: envelope has no To: %w", coreerr.ErrInvalidDelegation)
	}
	fillEnvelope(&env)

	if !b.limiterFor(env.From).Allow() {
		return fmt.Errorf("bus send %s->%s: %w", env.From, env.To, coreerr.ErrRateLimited)
	}

	b.maybePersist(ctx, env)

	pairMu := b.pairMutex(env.From, env.To)
	pairMu.Lock()
	defer pairMu.Unlock()

	breaker := b.breakerFor(env.To)
	var lastErr error
	attempts := b.cfg.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		env.AttemptCount = attempt
		err := breaker.Guard(func() error { return b.deliver(ctx, env) })
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, coreerr.ErrCircuitOpen) {
			break
		}
	}
	b.dead.push(env, lastErr)
	return fmt.Errorf("bus send %s->%s: exhausted retries: %w", env.From, env.To, lastErr)
}

func (b *Bus) deliver(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	h, ok := b.handlers[env.To]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus deliver to %s: %w", env.To, coreerr.ErrNotFound)
	}
	return h(ctx, env)
}

// Subscribe registers a new subscriber to topic and returns its id and
// receive channel. The channel is buffered; a subscriber that falls behind
// is marked lagging and starts losing messages rather than blocking
// Publish.
func (b *Bus) Subscribe(topic string) (string, <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := &subscription{
		id:    fmt.Sprintf("sub-%d", b.nextSub),
		topic: topic,
		ch:    make(chan Envelope, b.cfg.SubscriberBufferSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub.id, sub.ch
}

// Unsubscribe removes and closes the subscription id on topic.
func (b *Bus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			return
		}
	}
}

// Publish fans env out to every subscriber of env.Topic. There is no
// cross-pair ordering guarantee and no retry-to-dead-letter path here:
// slow subscribers are marked lagging and drop messages instead, per §4.12.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if env.Topic == "" {
		return fmt.Errorf("bus publish: envelope has no Topic: %w", coreerr.ErrInvalidDelegation)
	}
	fillEnvelope(&env)
	b.maybePersist(ctx, env)

	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[env.Topic]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.sendWithBackpressure(sub, env)
	}
	return nil
}

func (b *Bus) sendWithBackpressure(sub *subscription, env Envelope) {
	select {
	case sub.ch <- env:
		b.setLagging(sub, false)
		return
	default:
	}
	for attempt := 1; attempt <= b.cfg.BackpressureRetries; attempt++ {
		time.Sleep(b.cfg.BackpressureDelay)
		select {
		case sub.ch <- env:
			b.setLagging(sub, false)
			return
		default:
		}
	}
	b.setLagging(sub, true)
	b.logger.Warn().Str("topic", sub.topic).Str("envelope", string(env.ID)).Msg("bus: dropped envelope for lagging subscriber")
}

func (b *Bus) setLagging(sub *subscription, lagging bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.lagging = lagging
}

// Lagging reports whether the subscriber id on topic is currently marked
// lagging (it has dropped at least one message since last catching up).
func (b *Bus) Lagging(topic, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		if s.id == id {
			return s.lagging
		}
	}
	return false
}

// DeadLetters returns every envelope currently held in the dead-letter ring.
func (b *Bus) DeadLetters() []DeadEntry {
	return b.dead.all()
}

// Replay returns every envelope persisted for sessionID in send order.
func (b *Bus) Replay(ctx context.Context, sessionID ids.SessionID) ([]Envelope, error) {
	if b.persist == nil {
		return nil, nil
	}
	return b.persist.Replay(ctx, sessionID)
}

// ReplayFromMemory returns the last k envelopes persisted for sessionID.
func (b *Bus) ReplayFromMemory(ctx context.Context, sessionID ids.SessionID, k int) ([]Envelope, error) {
	if b.persist == nil {
		return nil, nil
	}
	return b.persist.ReplayRecent(ctx, sessionID, k)
}
