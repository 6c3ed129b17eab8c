// Package coordinator implements the high-level patterns built on top of
// the message bus: correlated request/response, a distributed lock,
// dependency-respecting workflow coordination, knowledge-share broadcast,
// and agent health pinging. Grounded on the monitor's NATS client for the
// request/reply correlation shape and on the cluster manager's raft FSM for
// the lock table.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
)

// Coordinator is the orchestrator runtime's coordination layer: a thin set
// of patterns over a shared Bus, a LockManager, and an episodic Store.
type Coordinator struct {
	bus      *bus.Bus
	locks    *LockManager
	episodes *episodic.Store
	logger   zerolog.Logger
	clock    ids.Clock

	mu      sync.Mutex
	waiters map[string]chan bus.Envelope

	health map[ids.AgentID]*healthState
}

// New builds a Coordinator over bus, locks, and episodes. episodes may be
// nil for deployments that never call Share.
func New(b *bus.Bus, locks *LockManager, episodes *episodic.Store, logger zerolog.Logger, clock ids.Clock) *Coordinator {
	return &Coordinator{
		bus:      b,
		locks:    locks,
		episodes: episodes,
		logger:   logger,
		clock:    clock,
		waiters:  make(map[string]chan bus.Envelope),
		health:   make(map[ids.AgentID]*healthState),
	}
}

// Request assigns env a correlation id if it has none, registers a one-shot
// waiter for it, sends env over the bus, and blocks for the first matching
// Respond call or Timeout.
func (c *Coordinator) Request(ctx context.Context, env bus.Envelope, timeout time.Duration) (bus.Envelope, error) {
	if env.CorrelationID == "" {
		env.CorrelationID = ids.New()
	}

	waitCh := make(chan bus.Envelope, 1)
	c.mu.Lock()
	c.waiters[env.CorrelationID] = waitCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, env.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.bus.Send(ctx, env); err != nil {
		return bus.Envelope{}, fmt.Errorf("coordinator request: %w", err)
	}

	select {
	case resp := <-waitCh:
		return resp, nil
	case <-time.After(timeout):
		return bus.Envelope{}, fmt.Errorf("coordinator request %s: %w", env.CorrelationID, coreerr.ErrTimeout)
	case <-ctx.Done():
		return bus.Envelope{}, ctx.Err()
	}
}

// Respond fulfills the waiter registered for resp.CorrelationID, if any is
// still waiting. It reports whether a waiter was found, so a responder whose
// requester already gave up can tell the reply was discarded.
func (c *Coordinator) Respond(resp bus.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[resp.CorrelationID]
	if ok {
		delete(c.waiters, resp.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Acquire acquires entityID in mode on behalf of holder, blocking up to
// timeout. priority governs which waiter gets broken if Acquire's wait
// triggers deadlock detection; lower priority is broken first.
func (c *Coordinator) Acquire(ctx context.Context, entityID string, mode LockMode, holder string, priority int, timeout time.Duration) error {
	return c.locks.Acquire(ctx, entityID, mode, holder, priority, timeout)
}

// Release drops holder's lock on entityID.
func (c *Coordinator) Release(ctx context.Context, entityID, holder string) error {
	return c.locks.Release(ctx, entityID, holder)
}

// Share broadcasts a reference to episodeID to targets; each recipient's
// handler decides whether to call episodic.Store.LoadFull for the body.
func (c *Coordinator) Share(ctx context.Context, from ids.AgentID, workspaceID ids.WorkspaceID, episodeID ids.EpisodeID, targets []ids.AgentID) error {
	payload, err := json.Marshal(struct {
		WorkspaceID ids.WorkspaceID `json:"workspace_id"`
		EpisodeID   ids.EpisodeID   `json:"episode_id"`
	}{workspaceID, episodeID})
	if err != nil {
		return fmt.Errorf("coordinator share: marshal reference: %w", err)
	}
	for _, target := range targets {
		env := bus.Envelope{From: from, To: target, Kind: "KnowledgeShare", Payload: payload}
		if err := c.bus.Send(ctx, env); err != nil {
			c.logger.Warn().Err(err).Str("target", string(target)).Str("episode", string(episodeID)).Msg("coordinator: knowledge share delivery failed")
		}
	}
	return nil
}
