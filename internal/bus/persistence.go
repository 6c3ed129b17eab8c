package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const collection = "bus_envelope"

// EnvelopeLog is the storage.Gateway-backed Persister a session opts into:
// "every envelope is appended to the episodic memory of its session before
// delivery" (§4.12) is realized as its own append-only, session-scoped
// collection rather than forced through internal/episodic's task-outcome
// shaped Episode type — see DESIGN.md for why.
type EnvelopeLog struct {
	gateway *storage.Gateway
}

// NewEnvelopeLog builds an EnvelopeLog over gateway.
func NewEnvelopeLog(gateway *storage.Gateway) *EnvelopeLog {
	return &EnvelopeLog{gateway: gateway}
}

// Append persists env under its session.
func (l *EnvelopeLog) Append(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = l.gateway.Upsert(ctx, storage.Record{
		Collection:  collection,
		ID:          string(env.ID),
		WorkspaceID: string(env.SessionID),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("persist envelope: %w", err)
	}
	return nil
}

// Replay returns every envelope persisted for sessionID in original send
// order.
func (l *EnvelopeLog) Replay(ctx context.Context, sessionID ids.SessionID) ([]Envelope, error) {
	return l.replay(ctx, sessionID, 0)
}

// ReplayRecent returns the last k envelopes persisted for sessionID, in
// original send order.
func (l *EnvelopeLog) ReplayRecent(ctx context.Context, sessionID ids.SessionID, k int) ([]Envelope, error) {
	return l.replay(ctx, sessionID, k)
}

// replay fetches every envelope for sessionID and sorts by CreatedAt in Go
// rather than via SQL ORDER BY: RFC3339Nano's variable-width fractional
// seconds sort incorrectly as strings, so DB-level ordering on a time field
// is not trustworthy here.
func (l *EnvelopeLog) replay(ctx context.Context, sessionID ids.SessionID, limit int) ([]Envelope, error) {
	recs, err := l.gateway.Find(ctx, storage.Query{
		Collection:  collection,
		WorkspaceID: string(sessionID),
	})
	if err != nil {
		return nil, fmt.Errorf("replay envelopes: %w", err)
	}
	out := make([]Envelope, 0, len(recs))
	for _, rec := range recs {
		var env Envelope
		if err := json.Unmarshal(rec.Payload, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}
