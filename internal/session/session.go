// Package session implements the session manager of spec.md §4.10: an
// isolated copy-on-write namespace over the storage gateway, committed with
// a fast path when uncontended and a three-way merge otherwise, with
// Serializable-isolation optimistic read validation. Grounded on the
// monitor's internal/persistence.JSONStore, which also guards a single
// shared state behind a mutex with debounced, all-or-nothing writes; here
// the "debounce" becomes an explicit per-session dirty set and the
// "all-or-nothing write" becomes the head-version compare-and-swap.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

// Strategy governs how Commit resolves a conflicting (overlapping) key
// between a session's changes and the workspace's changes since the
// session's base version.
type Strategy int

const (
	// Manual surfaces every conflicting path as part of the Conflict
	// result and applies nothing; the caller must resolve and recommit.
	Manual Strategy = iota
	// PreferSource keeps the session's write for every conflicting key.
	PreferSource
	// PreferTarget discards the session's write for every conflicting
	// key, keeping whatever the workspace already committed.
	PreferTarget
	// Auto attempts a shallow JSON-object merge (union of top-level
	// fields, session wins on field collision) for conflicting keys whose
	// payloads are both JSON objects; any pair it cannot merge this way is
	// treated as Manual for that key alone.
	Auto
)

// write is one pending mutation in a session's copy-on-write overlay.
type write struct {
	Collection string
	ID         string
	Payload    json.RawMessage
	Deleted    bool
}

func overlayKey(collection, id string) string { return collection + "/" + id }

// readMark is the version a session observed when it read a key, used to
// validate Serializable isolation at commit time.
type readMark struct {
	collection string
	id         string
	version    int64
}

// Session is an isolated namespace over the storage gateway: writes land in
// a per-session overlay; reads merge the overlay over the workspace base.
type Session struct {
	ID          ids.SessionID
	WorkspaceID ids.WorkspaceID
	BaseVersion int64

	mgr   *Manager
	mu    sync.Mutex
	dirty map[string]write
	reads map[string]readMark
}

// Get reads a key, preferring the session's own dirty overlay over the
// workspace base, and recording the version observed for Serializable
// validation at Commit.
func (s *Session) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := overlayKey(collection, id)
	if w, ok := s.dirty[key]; ok {
		if w.Deleted {
			return nil, coreerr.ErrNotFound
		}
		return w.Payload, nil
	}

	rec, err := s.mgr.gateway.Get(ctx, collection, string(s.WorkspaceID), id)
	if err != nil {
		return nil, err
	}
	s.reads[key] = readMark{collection: collection, id: id, version: rec.Version}
	return rec.Payload, nil
}

// Set stages a write in the session's overlay; it is invisible to other
// sessions and to the workspace base until Commit succeeds.
func (s *Session) Set(collection, id string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[overlayKey(collection, id)] = write{Collection: collection, ID: id, Payload: payload}
}

// Delete stages a deletion in the session's overlay.
func (s *Session) Delete(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[overlayKey(collection, id)] = write{Collection: collection, ID: id, Deleted: true}
}

// ConflictEntry describes one overlapping path between a session's changes
// and the workspace's changes since the session's base version.
type ConflictEntry struct {
	Collection string
	ID         string
	Source     json.RawMessage // the session's attempted write (nil if deleted)
	Target     json.RawMessage // the workspace's current committed value (nil if deleted)
}

// Conflict is returned (with a non-nil error) when Manual strategy (or an
// unresolvable Auto case) leaves overlapping paths unresolved.
type Conflict struct {
	Paths []ConflictEntry
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("session commit conflict: %d overlapping path(s): %s", len(c.Paths), coreerr.ErrMergeConflict)
}

func (c *Conflict) Unwrap() error { return coreerr.ErrMergeConflict }

// CommitResult reports the outcome of a successful Commit.
type CommitResult struct {
	NewHeadVersion int64
	Applied        int
	MergedKeys     int // overlapping keys resolved by the strategy; non-overlapping keys are not counted
	CommittedAt    time.Time
}

// Manager coordinates sessions over a shared storage gateway: it tracks
// each workspace's head version and the log of committed batches needed to
// compute "workspace changes since base_version" for three-way merge.
type Manager struct {
	gateway *storage.Gateway
	clock   ids.Clock

	mu       sync.Mutex
	heads    map[ids.WorkspaceID]int64
	log      map[ids.WorkspaceID][]committedBatch
	maxRetry int
}

type committedBatch struct {
	atVersion int64
	writes    map[string]write
}

// New builds a Manager over gateway. maxRetry bounds the Serializable
// read-set revalidation loop in Commit before it fails WriteSkew.
func New(gateway *storage.Gateway, clock ids.Clock, maxRetry int) *Manager {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	return &Manager{
		gateway:  gateway,
		clock:    clock,
		heads:    make(map[ids.WorkspaceID]int64),
		log:      make(map[ids.WorkspaceID][]committedBatch),
		maxRetry: maxRetry,
	}
}

// Begin opens a session over workspaceID at its current head version.
func (m *Manager) Begin(workspaceID ids.WorkspaceID) *Session {
	m.mu.Lock()
	base := m.heads[workspaceID]
	m.mu.Unlock()
	return &Session{
		ID:          ids.NewSessionID(),
		WorkspaceID: workspaceID,
		BaseVersion: base,
		mgr:         m,
		dirty:       make(map[string]write),
		reads:       make(map[string]readMark),
	}
}

// Commit applies a session's staged writes to the workspace, fast-pathing
// when the session's base version still matches the head, otherwise
// three-way merging against every batch committed since.
func (m *Manager) Commit(ctx context.Context, s *Session, strategy Strategy) (CommitResult, error) {
	s.mu.Lock()
	dirty := make(map[string]write, len(s.dirty))
	for k, v := range s.dirty {
		dirty[k] = v
	}
	reads := make(map[string]readMark, len(s.reads))
	for k, v := range s.reads {
		reads[k] = v
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= m.maxRetry; attempt++ {
		result, err := m.tryCommit(ctx, s, dirty, reads, strategy)
		if err == nil {
			return result, nil
		}
		if _, isConflict := err.(*Conflict); isConflict {
			return CommitResult{}, err
		}
		if err != coreerr.ErrWriteSkew {
			return CommitResult{}, err
		}
		lastErr = err
		if attempt < m.maxRetry {
			time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
		}
	}
	return CommitResult{}, fmt.Errorf("session commit: read set stale after retries: %w", lastErr)
}

func (m *Manager) tryCommit(ctx context.Context, s *Session, dirty map[string]write, reads map[string]readMark, strategy Strategy) (CommitResult, error) {
	if err := m.validateReads(ctx, s.WorkspaceID, reads); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	head := m.heads[s.WorkspaceID]
	m.mu.Unlock()

	resolved := dirty
	merged := 0
	if s.BaseVersion != head {
		targetChanges := m.changesSince(s.WorkspaceID, s.BaseVersion)
		var err error
		resolved, merged, err = resolveConflicts(dirty, targetChanges, strategy)
		if err != nil {
			return CommitResult{}, err
		}
	}

	if err := m.apply(ctx, s.WorkspaceID, resolved); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	newHead := m.heads[s.WorkspaceID] + 1
	m.heads[s.WorkspaceID] = newHead
	m.log[s.WorkspaceID] = append(m.log[s.WorkspaceID], committedBatch{atVersion: newHead, writes: resolved})
	m.mu.Unlock()

	s.mu.Lock()
	s.dirty = make(map[string]write)
	s.reads = make(map[string]readMark)
	s.BaseVersion = newHead
	s.mu.Unlock()

	return CommitResult{NewHeadVersion: newHead, Applied: len(resolved), MergedKeys: merged, CommittedAt: m.clock.Now()}, nil
}

// validateReads re-checks every key the session read against its current
// committed version; any mismatch fails WriteSkew (subject to the caller's
// retry loop in Commit).
func (m *Manager) validateReads(ctx context.Context, workspaceID ids.WorkspaceID, reads map[string]readMark) error {
	for _, r := range reads {
		rec, err := m.gateway.Get(ctx, r.collection, string(workspaceID), r.id)
		if err != nil && !errors.Is(err, coreerr.ErrNotFound) {
			return err
		}
		if errors.Is(err, coreerr.ErrNotFound) {
			continue // deleted-but-unread-by-us is not a write-skew on this key
		}
		if rec.Version != r.version {
			return coreerr.ErrWriteSkew
		}
	}
	return nil
}

// changesSince unions every write committed to workspaceID at a version
// greater than baseVersion, keyed by overlay key (last writer in the log
// wins per key, which is always the most recent since log order is
// commit order).
func (m *Manager) changesSince(workspaceID ids.WorkspaceID, baseVersion int64) map[string]write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]write)
	for _, batch := range m.log[workspaceID] {
		if batch.atVersion <= baseVersion {
			continue
		}
		for k, w := range batch.writes {
			out[k] = w
		}
	}
	return out
}

// resolveConflicts splits session writes into non-overlapping (always
// merged automatically) and overlapping (resolved per strategy) per §4.10:
// "Non-overlapping paths merge automatically; overlapping paths produce a
// Conflict result ... Strategies govern resolution."
func resolveConflicts(source, target map[string]write, strategy Strategy) (map[string]write, int, error) {
	resolved := make(map[string]write, len(source))
	merged := 0
	var conflicts []ConflictEntry

	for k, sw := range source {
		tw, overlaps := target[k]
		if !overlaps {
			resolved[k] = sw
			continue
		}
		merged++
		switch strategy {
		case PreferSource:
			resolved[k] = sw
		case PreferTarget:
			// keep the workspace's already-committed value: nothing to
			// apply for this key.
		case Auto:
			if mw, ok := shallowJSONMerge(sw, tw); ok {
				resolved[k] = mw
			} else {
				conflicts = append(conflicts, conflictEntryFor(sw, tw))
			}
		default: // Manual
			conflicts = append(conflicts, conflictEntryFor(sw, tw))
		}
	}

	if len(conflicts) > 0 {
		return nil, 0, &Conflict{Paths: conflicts}
	}
	return resolved, merged, nil
}

func conflictEntryFor(source, target write) ConflictEntry {
	entry := ConflictEntry{Collection: source.Collection, ID: source.ID}
	if !source.Deleted {
		entry.Source = source.Payload
	}
	if !target.Deleted {
		entry.Target = target.Payload
	}
	return entry
}

// shallowJSONMerge merges two JSON-object payloads field by field, source
// winning on collision. Returns ok=false if either side isn't a JSON
// object or either side is a deletion, in which case the caller must fall
// back to surfacing a conflict.
func shallowJSONMerge(source, target write) (write, bool) {
	if source.Deleted || target.Deleted {
		return write{}, false
	}
	var srcObj, tgtObj map[string]json.RawMessage
	if err := json.Unmarshal(source.Payload, &srcObj); err != nil {
		return write{}, false
	}
	if err := json.Unmarshal(target.Payload, &tgtObj); err != nil {
		return write{}, false
	}
	out := make(map[string]json.RawMessage, len(srcObj)+len(tgtObj))
	for k, v := range tgtObj {
		out[k] = v
	}
	for k, v := range srcObj {
		out[k] = v
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return write{}, false
	}
	return write{Collection: source.Collection, ID: source.ID, Payload: payload}, true
}

func (m *Manager) apply(ctx context.Context, workspaceID ids.WorkspaceID, writes map[string]write) error {
	for _, w := range writes {
		if w.Deleted {
			if err := m.gateway.Delete(ctx, w.Collection, string(workspaceID), w.ID); err != nil && !errors.Is(err, coreerr.ErrNotFound) {
				return fmt.Errorf("session commit delete %s/%s: %w", w.Collection, w.ID, err)
			}
			continue
		}
		_, err := m.gateway.Upsert(ctx, storage.Record{
			Collection:  w.Collection,
			ID:          w.ID,
			WorkspaceID: string(workspaceID),
			Payload:     w.Payload,
		})
		if err != nil {
			return fmt.Errorf("session commit upsert %s/%s: %w", w.Collection, w.ID, err)
		}
	}
	return nil
}
