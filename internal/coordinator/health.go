package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
)

// HealthState is an agent's last-known liveness as tracked by Ping.
type HealthState string

const (
	HealthUnknown  HealthState = "unknown"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

type healthState struct {
	mu         sync.Mutex
	state      HealthState
	missed     int
	lastPongAt time.Time
}

// downgradeAfter is the number of consecutive missed pings before an agent
// is considered down rather than merely degraded.
const downgradeAfter = 3

// Ping sends a Ping envelope to target and blocks up to deadline for a Pong.
// A miss downgrades the target's tracked health state; downgradeAfter
// consecutive misses mark it Down.
func (c *Coordinator) Ping(ctx context.Context, from, target ids.AgentID, deadline time.Duration) (HealthState, error) {
	hs := c.healthStateFor(target)

	env := bus.Envelope{From: from, To: target, Kind: "Ping", CorrelationID: ids.New()}
	resp, err := c.Request(ctx, env, deadline)

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if err != nil {
		hs.missed++
		if hs.missed >= downgradeAfter {
			hs.state = HealthDown
		} else {
			hs.state = HealthDegraded
		}
		return hs.state, fmt.Errorf("coordinator ping %s: %w", target, coreerr.ErrTimeout)
	}
	if resp.Kind != "Pong" {
		hs.missed++
		hs.state = HealthDegraded
		return hs.state, fmt.Errorf("coordinator ping %s: unexpected reply kind %q", target, resp.Kind)
	}
	hs.missed = 0
	hs.state = HealthHealthy
	hs.lastPongAt = time.Now().UTC()
	return hs.state, nil
}

// Pong fulfills the Request waiter blocked in Ping for a received Ping
// envelope. A target's registered handler calls this in response to a Ping
// envelope rather than replying through Send, mirroring Respond for any
// other request/response exchange.
func (c *Coordinator) Pong(from ids.AgentID, correlationID string) bool {
	return c.Respond(bus.Envelope{From: from, Kind: "Pong", CorrelationID: correlationID})
}

// HealthOf reports the last-known health state of target, HealthUnknown if
// it has never been pinged.
func (c *Coordinator) HealthOf(target ids.AgentID) HealthState {
	c.mu.Lock()
	hs, ok := c.health[target]
	c.mu.Unlock()
	if !ok {
		return HealthUnknown
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.state
}

func (c *Coordinator) healthStateFor(target ids.AgentID) *healthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.health[target]
	if !ok {
		hs = &healthState{state: HealthUnknown}
		c.health[target] = hs
	}
	return hs
}
