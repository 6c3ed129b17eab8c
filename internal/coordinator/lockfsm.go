package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// LockMode is the access mode a holder requests on an entity.
type LockMode string

const (
	// Read permits any number of concurrent holders.
	Read LockMode = "read"
	// Write is exclusive: only one holder, of either mode, at a time.
	Write LockMode = "write"
)

// lockCommand is the Command{Op, Data}-dispatch envelope applied to the raft
// log, the same shape the cluster manager this package is grounded on uses
// to replicate CRUD mutations: one Op string selects the case, Data carries
// the op-specific payload.
type lockCommand struct {
	Op         string    `json:"op"`
	EntityID   string    `json:"entity_id"`
	Holder     string    `json:"holder"`
	Mode       LockMode  `json:"mode,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
}

const (
	opAcquire = "acquire"
	opRelease = "release"
	opExpire  = "expire"
)

// lockEntry is the committed state of one entity's lock.
type lockEntry struct {
	Mode    LockMode
	Holders map[string]time.Time // holder id -> lease expiry
}

func (e *lockEntry) expired(now time.Time) bool {
	if len(e.Holders) == 0 {
		return true
	}
	for _, until := range e.Holders {
		if until.After(now) {
			return false
		}
	}
	return true
}

// applyResult is what Apply returns through raft.ApplyFuture.Response(); the
// caller type-asserts it back out.
type applyResult struct {
	err error
}

// lockFSM is the raft.FSM that owns lock-table mutations. It is the single
// writer of the in-memory table; acquire/release calls go through raft.Apply
// so every mutation is ordered and replicated, extensible from today's
// single-node deployment to a real cluster without a rewrite.
type lockFSM struct {
	mu    sync.RWMutex
	table map[string]*lockEntry
}

func newLockFSM() *lockFSM {
	return &lockFSM{table: make(map[string]*lockEntry)}
}

func (f *lockFSM) Apply(log *raft.Log) interface{} {
	var cmd lockCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{err: fmt.Errorf("lock fsm: unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAcquire:
		return applyResult{err: f.applyAcquire(cmd)}
	case opRelease:
		if e, ok := f.table[cmd.EntityID]; ok {
			delete(e.Holders, cmd.Holder)
			if len(e.Holders) == 0 {
				delete(f.table, cmd.EntityID)
			}
		}
		return applyResult{}
	case opExpire:
		now := cmd.LeaseUntil
		for id, e := range f.table {
			if e.expired(now) {
				delete(f.table, id)
			}
		}
		return applyResult{}
	default:
		return applyResult{err: fmt.Errorf("lock fsm: unknown op %q", cmd.Op)}
	}
}

// applyAcquire mutates the table in place. Re-entrant: a holder already
// present on the entity may re-acquire (same or different mode) to extend
// its lease. A Read request is granted alongside other Read holders. A Write
// request (or a Read request against a live Write holder) is granted only
// when the sole existing holder is the same caller.
func (f *lockFSM) applyAcquire(cmd lockCommand) error {
	entry, ok := f.table[cmd.EntityID]
	now := time.Now().UTC()
	if !ok || entry.expired(now) {
		f.table[cmd.EntityID] = &lockEntry{
			Mode:    cmd.Mode,
			Holders: map[string]time.Time{cmd.Holder: cmd.LeaseUntil},
		}
		return nil
	}

	_, alreadyHolds := entry.Holders[cmd.Holder]
	if entry.Mode == Write {
		if alreadyHolds && len(entry.Holders) == 1 {
			entry.Mode = cmd.Mode
			entry.Holders[cmd.Holder] = cmd.LeaseUntil
			return nil
		}
		return coreerr.ErrVersionConflict
	}

	// entry.Mode == Read.
	if cmd.Mode == Write {
		if alreadyHolds && len(entry.Holders) == 1 {
			entry.Mode = Write
			entry.Holders[cmd.Holder] = cmd.LeaseUntil
			return nil
		}
		return coreerr.ErrVersionConflict
	}
	entry.Holders[cmd.Holder] = cmd.LeaseUntil
	return nil
}

func (f *lockFSM) holderOf(entityID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.table[entityID]
	if !ok || e.Mode != Write {
		return "", false
	}
	for h := range e.Holders {
		return h, true
	}
	return "", false
}

func (f *lockFSM) snapshotTable() map[string]lockEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]lockEntry, len(f.table))
	for k, v := range f.table {
		holders := make(map[string]time.Time, len(v.Holders))
		for h, t := range v.Holders {
			holders[h] = t
		}
		out[k] = lockEntry{Mode: v.Mode, Holders: holders}
	}
	return out
}

// Snapshot captures the whole table for raft's log-compaction cycle.
func (f *lockFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &lockSnapshot{table: f.snapshotTable()}, nil
}

// Restore replaces the table wholesale from a previously persisted snapshot.
func (f *lockFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var table map[string]lockEntry
	if err := json.NewDecoder(rc).Decode(&table); err != nil {
		return fmt.Errorf("lock fsm: decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table = make(map[string]*lockEntry, len(table))
	for k, v := range table {
		entry := v
		f.table[k] = &entry
	}
	return nil
}

type lockSnapshot struct {
	table map[string]lockEntry
}

func (s *lockSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s.table)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *lockSnapshot) Release() {}
