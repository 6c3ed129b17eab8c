package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// Record is one row of the generic document store: a JSON payload namespaced
// by collection and keyed by id, carrying the workspace id, timestamps, and
// monotonic version every persisted entity needs per §6's "Persisted state
// layout". Every memory tier stores its entities (episode, pattern,
// code_unit, ...) as Records in the collection named after the entity, which
// is how one table satisfies the many collections §6 enumerates without a
// bespoke schema per tier.
type Record struct {
	Collection  string
	ID          string
	WorkspaceID string
	Payload     json.RawMessage
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Query selects records from a collection, the gateway's stand-in for
// "SELECT ... WHERE ... LIMIT" over declared secondary indexes (workspace id
// always, plus whatever JSON field Filter names).
type Query struct {
	Collection  string
	WorkspaceID string          // empty = all workspaces
	Filter      map[string]any  // JSON field -> exact-match value, via json_extract
	OrderByDesc string          // JSON field to sort by, descending; "" = by updated_at
	Limit       int
}

// DocumentStore is the capability contract of §6: "namespaces, transactional
// single-primary-key upserts, secondary indexes on declared columns, SELECT
// ... WHERE ... LIMIT, and simple relational joins." Joins are left to
// callers composing multiple Find calls, which is how every memory tier in
// this module actually uses it.
type DocumentStore interface {
	Upsert(ctx context.Context, rec Record) (version int64, err error)
	Get(ctx context.Context, collection, workspaceID, id string) (Record, error)
	Find(ctx context.Context, q Query) ([]Record, error)
	Delete(ctx context.Context, collection, workspaceID, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Gateway wraps a DocumentStore and a VectorStore behind the circuit-broken,
// retrying acquire/release contract of §4.1. Retrieves are idempotent and
// retried directly; mutations are retried the same way since Upsert is
// defined to be idempotent per id+version.
type Gateway struct {
	docs      DocumentStore
	vectors   VectorStore
	breaker   *CircuitBreaker
	maxRetry  int
	baseDelay time.Duration
	capDelay  time.Duration
}

// NewGateway builds a Gateway over docs/vectors with the given breaker
// threshold and cooldown.
func NewGateway(docs DocumentStore, vectors VectorStore, breakerThreshold int, cooldown time.Duration, onTransition func(BreakerState)) *Gateway {
	return &Gateway{
		docs:      docs,
		vectors:   vectors,
		breaker:   NewCircuitBreaker(breakerThreshold, cooldown, onTransition),
		maxRetry:  3,
		baseDelay: 20 * time.Millisecond,
		capDelay:  500 * time.Millisecond,
	}
}

// Documents exposes the underlying DocumentStore for read paths that do not
// need retry (the gateway's own methods below apply retry+breaker).
func (g *Gateway) Documents() DocumentStore { return g.docs }

// Vectors exposes the underlying VectorStore.
func (g *Gateway) Vectors() VectorStore { return g.vectors }

// BreakerState reports the gateway's current circuit-breaker state.
func (g *Gateway) BreakerState() BreakerState { return g.breaker.State() }

// Upsert retries a mutation through the circuit breaker with capped
// exponential backoff.
func (g *Gateway) Upsert(ctx context.Context, rec Record) (int64, error) {
	var version int64
	err := g.withRetry(func() error {
		v, err := g.docs.Upsert(ctx, rec)
		version = v
		return err
	})
	return version, err
}

// Get retrieves a record; retrieves are idempotent so they retry the same
// way as mutations.
func (g *Gateway) Get(ctx context.Context, collection, workspaceID, id string) (Record, error) {
	var rec Record
	err := g.withRetry(func() error {
		r, err := g.docs.Get(ctx, collection, workspaceID, id)
		rec = r
		return err
	})
	return rec, err
}

// Find runs a query through the breaker without retry classification
// changes (reads are always safe to retry).
func (g *Gateway) Find(ctx context.Context, q Query) ([]Record, error) {
	var recs []Record
	err := g.withRetry(func() error {
		r, err := g.docs.Find(ctx, q)
		recs = r
		return err
	})
	return recs, err
}

// Delete removes a record through the breaker.
func (g *Gateway) Delete(ctx context.Context, collection, workspaceID, id string) error {
	return g.withRetry(func() error {
		return g.docs.Delete(ctx, collection, workspaceID, id)
	})
}

// Health pings the underlying document store through the breaker without
// consuming a retry budget on failure (a failed ping IS the health signal).
func (g *Gateway) Health(ctx context.Context) error {
	if g.breaker.State() == Open {
		return coreerr.ErrStorageUnavailable
	}
	return g.docs.Ping(ctx)
}

func (g *Gateway) withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetry; attempt++ {
		err := g.breaker.Guard(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if err == coreerr.ErrStorageUnavailable || errors.Is(err, coreerr.ErrNotFound) {
			return err
		}
		if attempt < g.maxRetry {
			time.Sleep(Backoff(attempt, g.baseDelay, g.capDelay))
		}
	}
	return fmt.Errorf("storage gateway: retries exhausted: %w", lastErr)
}

// SQLiteStore is the DocumentStore implementation backing SPEC_FULL.md's
// domain-stack entry for modernc.org/sqlite, adapted from the teacher's
// internal/memory.SQLiteMemoryDB: same WAL + busy-timeout pragma and pool
// tuning, but against one generic `records` table instead of one table per
// entity.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a SQLite-backed document store
// at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS records (
	collection   TEXT NOT NULL,
	id           TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_workspace ON records(collection, workspace_id);
`)
	return err
}

// Upsert inserts or updates a record, bumping version by one on update.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) (int64, error) {
	now := time.Now().UTC()
	existing, err := s.Get(ctx, rec.Collection, rec.WorkspaceID, rec.ID)
	version := int64(1)
	createdAt := now
	if err == nil {
		version = existing.Version + 1
		createdAt = existing.CreatedAt
	} else if err != coreerr.ErrNotFound {
		return 0, err
	}

	_, execErr := s.db.ExecContext(ctx, `
INSERT INTO records (collection, id, workspace_id, payload, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET
	workspace_id = excluded.workspace_id,
	payload = excluded.payload,
	version = excluded.version,
	updated_at = excluded.updated_at
`, rec.Collection, rec.ID, rec.WorkspaceID, string(rec.Payload), version, createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if execErr != nil {
		return 0, fmt.Errorf("upsert record: %w", execErr)
	}
	return version, nil
}

// Get fetches a single record by collection/workspace/id.
func (s *SQLiteStore) Get(ctx context.Context, collection, workspaceID, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT collection, id, workspace_id, payload, version, created_at, updated_at
FROM records WHERE collection = ? AND id = ?`, collection, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, coreerr.ErrNotFound
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	if workspaceID != "" && rec.WorkspaceID != workspaceID {
		return Record{}, coreerr.ErrNotFound
	}
	return rec, nil
}

// Find runs a filtered, limited scan over a collection using json_extract
// for the declared Filter fields, the gateway's "secondary index" support.
func (s *SQLiteStore) Find(ctx context.Context, q Query) ([]Record, error) {
	sqlq := `SELECT collection, id, workspace_id, payload, version, created_at, updated_at FROM records WHERE collection = ?`
	args := []any{q.Collection}
	if q.WorkspaceID != "" {
		sqlq += " AND workspace_id = ?"
		args = append(args, q.WorkspaceID)
	}
	for field, val := range q.Filter {
		sqlq += fmt.Sprintf(" AND json_extract(payload, '$.%s') = ?", field)
		args = append(args, val)
	}
	orderField := "updated_at"
	if q.OrderByDesc != "" {
		orderField = fmt.Sprintf("json_extract(payload, '$.%s')", q.OrderByDesc)
	}
	sqlq += fmt.Sprintf(" ORDER BY %s DESC", orderField)
	if q.Limit > 0 {
		sqlq += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, collection, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ? AND (workspace_id = ? OR ? = '')`,
		collection, id, workspaceID, workspaceID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return coreerr.ErrNotFound
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payload, createdAt, updatedAt string
	if err := row.Scan(&rec.Collection, &rec.ID, &rec.WorkspaceID, &payload, &rec.Version, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}
