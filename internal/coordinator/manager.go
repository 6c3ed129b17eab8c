package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/storage"
)

const lockCollection = "coordinator_lock"

// LockManagerConfig tunes bootstrap and lease behavior. BoltDir holds the
// raft log and stable store; an empty value keeps both in memory, suitable
// for a single process that never restarts (tests). The raft transport is
// in-memory either way.
type LockManagerConfig struct {
	NodeID           string
	BoltDir          string
	LeaseDuration    time.Duration
	SweepInterval    time.Duration
	DeadlockInterval time.Duration
}

func (c LockManagerConfig) withDefaults() LockManagerConfig {
	if c.NodeID == "" {
		c.NodeID = "node-1"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DeadlockInterval <= 0 {
		c.DeadlockInterval = 500 * time.Millisecond
	}
	return c
}

// waiter is one blocked Acquire call, tracked for deadlock detection.
type waiter struct {
	holder   string
	entityID string
	priority int
	done     chan error
}

// LockManager is the coordinator's distributed lock: a raft-replicated lock
// table (single-node bootstrap today, the configuration an added peer could
// join later) mirrored into the storage gateway's lock table so the table is
// queryable the way every other collection in this module is. Acquire blocks
// a caller-supplied timeout while a lock is held elsewhere; a background
// timer detects wait-for cycles and breaks the lowest-priority waiter in one.
type LockManager struct {
	raft   *raft.Raft
	fsm    *lockFSM
	gw     *storage.Gateway
	cfg    LockManagerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	waiters map[string][]*waiter // entityID -> queue of blocked waiters
	byPair  map[string]string    // waiting holder -> entityID it is waiting on, for cycle detection

	stop chan struct{}
}

// NewLockManager bootstraps a single-node raft group fronting the lock FSM
// and starts its lease-sweep and deadlock-detection loops.
func NewLockManager(cfg LockManagerConfig, gw *storage.Gateway, logger zerolog.Logger) (*LockManager, error) {
	cfg = cfg.withDefaults()
	fsm := newLockFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 50 * time.Millisecond
	raftCfg.ElectionTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 50 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("")

	var logStore raft.LogStore
	var stableStore raft.StableStore
	if cfg.BoltDir != "" {
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.BoltDir, "raft-log.bolt"))
		if err != nil {
			return nil, fmt.Errorf("coordinator: open bolt log store: %w", err)
		}
		logStore, stableStore = bolt, bolt
	} else {
		logStore = raft.NewInmemStore()
		stableStore = raft.NewInmemStore()
	}
	snapStore := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("coordinator: start raft: %w", err)
	}

	bootstrapFuture := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := bootstrapFuture.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("coordinator: bootstrap raft: %w", err)
	}

	m := &LockManager{
		raft:    r,
		fsm:     fsm,
		gw:      gw,
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string][]*waiter),
		byPair:  make(map[string]string),
		stop:    make(chan struct{}),
	}

	if err := m.waitForLeader(5 * time.Second); err != nil {
		return nil, err
	}

	go m.sweepLoop()
	go m.deadlockLoop()
	return m, nil
}

func (m *LockManager) waitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.raft.State() == raft.Leader {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("coordinator: raft did not reach leadership within %s", timeout)
}

// Close stops the background loops and shuts raft down.
func (m *LockManager) Close() error {
	close(m.stop)
	return m.raft.Shutdown().Error()
}

func (m *LockManager) apply(cmd lockCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: marshal lock command: %w", err)
	}
	future := m.raft.Apply(data, 2*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("coordinator: apply lock command: %w", err)
	}
	if res, ok := future.Response().(applyResult); ok && res.err != nil {
		return res.err
	}
	return nil
}

func (m *LockManager) mirror(ctx context.Context, entityID string) {
	if m.gw == nil {
		return
	}
	entry, ok := m.fsm.snapshotTable()[entityID]
	if !ok {
		_ = m.gw.Delete(ctx, lockCollection, "global", entityID)
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_, _ = m.gw.Upsert(ctx, storage.Record{
		Collection:  lockCollection,
		ID:          entityID,
		WorkspaceID: "global",
		Payload:     payload,
	})
}

// Acquire blocks until entityID is granted to holder in mode, timeout
// elapses, or a deadlock is detected and this waiter is the one broken.
// Re-entrant: a holder that already owns entityID succeeds immediately and
// its lease is extended.
func (m *LockManager) Acquire(ctx context.Context, entityID string, mode LockMode, holder string, priority int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	leaseUntil := time.Now().Add(m.cfg.LeaseDuration)

	for {
		err := m.apply(lockCommand{Op: opAcquire, EntityID: entityID, Holder: holder, Mode: mode, LeaseUntil: leaseUntil})
		if err == nil {
			m.mirror(ctx, entityID)
			m.clearWait(holder)
			return nil
		}
		if err != coreerr.ErrVersionConflict {
			return fmt.Errorf("coordinator acquire %s: %w", entityID, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("coordinator acquire %s: %w", entityID, coreerr.ErrTimeout)
		}

		w := m.registerWait(entityID, holder, priority)
		wait := remaining
		if wait > 20*time.Millisecond {
			wait = 20 * time.Millisecond
		}
		select {
		case werr := <-w.done:
			m.clearWait(holder)
			if werr != nil {
				return fmt.Errorf("coordinator acquire %s: %w", entityID, werr)
			}
		case <-time.After(wait):
			m.clearWait(holder)
		case <-ctx.Done():
			m.clearWait(holder)
			return ctx.Err()
		}
	}
}

func (m *LockManager) registerWait(entityID, holder string, priority int) *waiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &waiter{holder: holder, entityID: entityID, priority: priority, done: make(chan error, 1)}
	m.waiters[entityID] = append(m.waiters[entityID], w)
	m.byPair[holder] = entityID
	return w
}

func (m *LockManager) clearWait(holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entityID, ok := m.byPair[holder]
	if !ok {
		return
	}
	delete(m.byPair, holder)
	queue := m.waiters[entityID]
	for i, w := range queue {
		if w.holder == holder {
			m.waiters[entityID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(m.waiters[entityID]) == 0 {
		delete(m.waiters, entityID)
	}
}

// Release drops holder's lock on entityID, if it currently holds it.
func (m *LockManager) Release(ctx context.Context, entityID, holder string) error {
	if err := m.apply(lockCommand{Op: opRelease, EntityID: entityID, Holder: holder}); err != nil {
		return fmt.Errorf("coordinator release %s: %w", entityID, err)
	}
	m.mirror(ctx, entityID)
	return nil
}

func (m *LockManager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			_ = m.apply(lockCommand{Op: opExpire, LeaseUntil: time.Now().UTC()})
		}
	}
}

// deadlockLoop periodically walks the holder-waits-for-holder graph looking
// for a cycle; the same gray/black coloring walk internal/semantic uses to
// find cyclic code dependencies applies unchanged to a wait-for graph.
func (m *LockManager) deadlockLoop() {
	ticker := time.NewTicker(m.cfg.DeadlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.breakOneCycle()
		}
	}
}

func (m *LockManager) breakOneCycle() {
	m.mu.Lock()
	// Build holder -> holder edges: holder H waits for entity E, E is held
	// (in Write mode) by holder G, so H -> G.
	edges := make(map[string]string)
	waiterOf := make(map[string]*waiter)
	for entityID, queue := range m.waiters {
		owner, ok := m.fsm.holderOf(entityID)
		if !ok {
			continue
		}
		for _, w := range queue {
			if w.holder == owner {
				continue
			}
			edges[w.holder] = owner
			waiterOf[w.holder] = w
		}
	}
	m.mu.Unlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(edges))
	var cyclic []string

	var visit func(node string, path []string) bool
	visit = func(node string, path []string) bool {
		color[node] = gray
		path = append(path, node)
		if next, ok := edges[node]; ok {
			switch color[next] {
			case white:
				if visit(next, path) {
					return true
				}
			case gray:
				for i, n := range path {
					if n == next {
						cyclic = append([]string(nil), path[i:]...)
						return true
					}
				}
			}
		}
		color[node] = black
		return false
	}
	for node := range edges {
		if color[node] == white {
			if visit(node, nil) {
				break
			}
		}
	}
	if len(cyclic) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var lowest *waiter
	for _, holder := range cyclic {
		w, ok := waiterOf[holder]
		if !ok {
			continue
		}
		if lowest == nil || w.priority < lowest.priority {
			lowest = w
		}
	}
	if lowest == nil {
		return
	}
	m.logger.Warn().Str("holder", lowest.holder).Str("entity", lowest.entityID).Msg("coordinator: breaking lowest-priority waiter to resolve lock deadlock")
	select {
	case lowest.done <- coreerr.ErrDeadlockDetected:
	default:
	}
}
