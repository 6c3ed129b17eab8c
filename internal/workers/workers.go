// Package workers implements the worker registry of spec.md §4.16: the live
// agent pool, capability indexing, load-balanced acquisition, and
// heartbeat-based health tracking. Grounded on the field agent's process
// spawner (internal/agents.ProcessSpawner) for the mutex-protected,
// map-keyed-by-agent-id registry shape, and its phone-home client's
// Heartbeat contract and idle/scanning/coordinating status vocabulary for
// the health model — generalized from a single captain-to-HQ heartbeat to
// many workers heartbeating into one in-process registry.
package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
)

// State is a worker's current availability.
type State string

const (
	Idle    State = "idle"
	Busy    State = "busy"
	Offline State = "offline"
)

// Filter narrows Acquire's candidate set beyond capability match, e.g. a
// minimum success rate or a maximum load.
type Filter func(Worker) bool

// MinSuccessRate rejects a candidate whose SuccessRate is below min, unless
// it has never been applied yet (an untested worker is still eligible).
func MinSuccessRate(min float64) Filter {
	return func(w Worker) bool {
		if w.TotalOutcomes() == 0 {
			return true
		}
		return w.SuccessRate() >= min
	}
}

// MaxLoad rejects a candidate already carrying max or more in-flight tasks.
func MaxLoad(max int) Filter {
	return func(w Worker) bool { return w.Load < max }
}

// Worker is one registered agent's live state.
type Worker struct {
	ID            ids.AgentID
	Capabilities  map[string]struct{}
	State         State
	Load          int
	LastHeartbeat time.Time

	successCount int
	failureCount int
	totalDur     time.Duration
	outcomes     []Outcome // most recent last, capped at historyLimit
}

// Outcome is one completed task's result, kept for the rolling statistics.
type Outcome struct {
	Success  bool
	Duration time.Duration
	At       time.Time
}

const historyLimit = 20

// SuccessRate returns successCount / (successCount+failureCount), 0 if never
// applied.
func (w Worker) SuccessRate() float64 {
	total := w.successCount + w.failureCount
	if total == 0 {
		return 0
	}
	return float64(w.successCount) / float64(total)
}

// TotalOutcomes returns how many tasks this worker has completed or failed.
func (w Worker) TotalOutcomes() int { return w.successCount + w.failureCount }

// AverageDuration returns the rolling average task duration, 0 with no
// completed tasks.
func (w Worker) AverageDuration() time.Duration {
	if w.TotalOutcomes() == 0 {
		return 0
	}
	return w.totalDur / time.Duration(w.TotalOutcomes())
}

// RecentOutcomes returns up to the last historyLimit outcomes, oldest first.
func (w Worker) RecentOutcomes() []Outcome {
	out := make([]Outcome, len(w.outcomes))
	copy(out, w.outcomes)
	return out
}

// defaultHeartbeatDeadline is the deadline New uses when given none: how
// long a worker may go without a heartbeat before Sweep downgrades it to
// Offline.
const defaultHeartbeatDeadline = 30 * time.Second

// Registry is the live worker pool. It holds no persisted state: workers
// re-register on process restart, the same way the field agent's process
// spawner rebuilds its running-agents map rather than loading it from disk.
type Registry struct {
	mu                sync.Mutex
	workers           map[ids.AgentID]*Worker
	capabilityIndex   map[string]map[ids.AgentID]struct{}
	heartbeatDeadline time.Duration
	clock             ids.Clock
}

// New builds an empty Registry. clock defaults to ids.SystemClock{}.
func New(clock ids.Clock, heartbeatDeadline time.Duration) *Registry {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	if heartbeatDeadline <= 0 {
		heartbeatDeadline = defaultHeartbeatDeadline
	}
	return &Registry{
		workers:           make(map[ids.AgentID]*Worker),
		capabilityIndex:   make(map[string]map[ids.AgentID]struct{}),
		heartbeatDeadline: heartbeatDeadline,
		clock:             clock,
	}
}

// Register adds agent to the pool, Idle, indexed under each of
// capabilities. A second Register for the same id replaces its capability
// set and resets it to Idle.
func (r *Registry) Register(agent ids.AgentID, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[agent]; ok {
		for capability := range existing.Capabilities {
			delete(r.capabilityIndex[capability], agent)
		}
	}

	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
		if r.capabilityIndex[c] == nil {
			r.capabilityIndex[c] = make(map[ids.AgentID]struct{})
		}
		r.capabilityIndex[c][agent] = struct{}{}
	}

	r.workers[agent] = &Worker{
		ID:            agent,
		Capabilities:  capSet,
		State:         Idle,
		LastHeartbeat: r.clock.Now().UTC(),
	}
}

// intersectCapabilities returns the set of agent ids indexed under every
// capability in required, or every registered agent if required is empty.
func (r *Registry) intersectCapabilities(required []string) map[ids.AgentID]struct{} {
	if len(required) == 0 {
		all := make(map[ids.AgentID]struct{}, len(r.workers))
		for id := range r.workers {
			all[id] = struct{}{}
		}
		return all
	}
	result := make(map[ids.AgentID]struct{})
	for id := range r.capabilityIndex[required[0]] {
		result[id] = struct{}{}
	}
	for _, capability := range required[1:] {
		set := r.capabilityIndex[capability]
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}
	return result
}

// Acquire selects an Idle agent satisfying every required capability and
// every filter, ties broken by lowest load then most recent heartbeat, and
// marks it Busy. coreerr.ErrNoCapableWorker if nothing qualifies.
func (r *Registry) Acquire(ctx context.Context, required []string, filters ...Filter) (ids.AgentID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.intersectCapabilities(required)
	var candidates []*Worker
	for id := range eligible {
		w := r.workers[id]
		if w.State != Idle {
			continue
		}
		ok := true
		for _, f := range filters {
			if !f(*w) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("workers: acquire %v: %w", required, coreerr.ErrNoCapableWorker)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].LastHeartbeat.After(candidates[j].LastHeartbeat)
	})

	chosen := candidates[0]
	chosen.State = Busy
	chosen.Load++
	return chosen.ID, nil
}

// Release returns agent to Idle (or keeps it Busy if other in-flight work
// remains on it) and decrements its load.
func (r *Registry) Release(agent ids.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[agent]
	if !ok {
		return fmt.Errorf("workers: release %s: %w", agent, coreerr.ErrNotFound)
	}
	if w.Load > 0 {
		w.Load--
	}
	if w.Load == 0 && w.State != Offline {
		w.State = Idle
	}
	return nil
}

// Heartbeat refreshes agent's liveness timestamp and, if it was previously
// Offline, brings it back to Idle.
func (r *Registry) Heartbeat(agent ids.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[agent]
	if !ok {
		return fmt.Errorf("workers: heartbeat %s: %w", agent, coreerr.ErrNotFound)
	}
	w.LastHeartbeat = r.clock.Now().UTC()
	if w.State == Offline {
		w.State = Idle
	}
	return nil
}

// RecordOutcome records one completed task's result against agent's rolling
// statistics.
func (r *Registry) RecordOutcome(agent ids.AgentID, success bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[agent]
	if !ok {
		return fmt.Errorf("workers: record outcome %s: %w", agent, coreerr.ErrNotFound)
	}
	if success {
		w.successCount++
	} else {
		w.failureCount++
	}
	w.totalDur += duration
	w.outcomes = append(w.outcomes, Outcome{Success: success, Duration: duration, At: r.clock.Now().UTC()})
	if len(w.outcomes) > historyLimit {
		w.outcomes = w.outcomes[len(w.outcomes)-historyLimit:]
	}
	return nil
}

// Get returns a snapshot of agent's current state.
func (r *Registry) Get(agent ids.AgentID) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[agent]
	if !ok {
		return Worker{}, fmt.Errorf("workers: get %s: %w", agent, coreerr.ErrNotFound)
	}
	return *w, nil
}

// Sweep downgrades every agent whose last heartbeat is older than the
// configured deadline to Offline, returning the ids downgraded so the
// caller can fail their in-flight work with coreerr.ErrWorkerLost.
func (r *Registry) Sweep() []ids.AgentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now().UTC()
	var lost []ids.AgentID
	for id, w := range r.workers {
		if w.State == Offline {
			continue
		}
		if now.Sub(w.LastHeartbeat) > r.heartbeatDeadline {
			w.State = Offline
			lost = append(lost, id)
		}
	}
	return lost
}
