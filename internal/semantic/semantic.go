// Package semantic implements the semantic-memory tier of spec.md §4.6:
// code units living in a directed dependency graph, with typed edges and a
// cycle-detection query. Grounded on the monitor's internal/git package for
// "units point at a file" bookkeeping and internal/memory's
// storage.Gateway-backed persistence style shared with internal/episodic.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

const collection = "code_unit"

// EdgeKind is a typed dependency edge between two code units.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeImports    EdgeKind = "imports"
	EdgeImplements EdgeKind = "implements"
	EdgeExtends    EdgeKind = "extends"
)

// Edge is a directed, typed dependency from one unit to another.
type Edge struct {
	To   ids.UnitID
	Kind EdgeKind
}

// UnitKind is the kind of code entity a Unit represents.
type UnitKind string

const (
	UnitFunction UnitKind = "function"
	UnitClass    UnitKind = "class"
	UnitModule   UnitKind = "module"
)

// Unit is a semantic entity extracted from a file.
type Unit struct {
	ID            ids.UnitID
	WorkspaceID   ids.WorkspaceID
	NodeID        ids.NodeID
	Kind          UnitKind
	Name          string
	QualifiedPath string
	Signature     string
	Complexity    int
	Dependencies  []Edge
	Embedding     []float32
}

// Summary is the node-like projection graph queries return; full bodies
// (Signature) are loaded on demand via GetUnit.
type Summary struct {
	ID            ids.UnitID
	Kind          UnitKind
	Name          string
	QualifiedPath string
}

func (u Unit) summary() Summary {
	return Summary{ID: u.ID, Kind: u.Kind, Name: u.Name, QualifiedPath: u.QualifiedPath}
}

// Direction selects which end of an edge Neighbors walks.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Graph is the semantic-memory tier: a storage.Gateway-backed collection of
// code units forming a directed dependency graph.
type Graph struct {
	gateway *storage.Gateway
}

// New builds a semantic Graph over gateway.
func New(gateway *storage.Gateway) *Graph {
	return &Graph{gateway: gateway}
}

// UpsertUnit inserts or replaces a unit. Self-loops (a unit depending on
// itself) are rejected unless kind is EdgeCalls, the one edge type §4.6
// explicitly allows to be recursive.
func (g *Graph) UpsertUnit(ctx context.Context, u Unit) (ids.UnitID, error) {
	if u.ID == "" {
		u.ID = ids.NewUnitID()
	}
	for _, e := range u.Dependencies {
		if e.To == u.ID && e.Kind != EdgeCalls {
			return "", fmt.Errorf("unit %s: self-loop via %s: %w", u.ID, e.Kind, coreerr.ErrInvalidQuery)
		}
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal unit: %w", err)
	}
	_, err = g.gateway.Upsert(ctx, storage.Record{
		Collection:  collection,
		ID:          string(u.ID),
		WorkspaceID: string(u.WorkspaceID),
		Payload:     payload,
	})
	if err != nil {
		return "", fmt.Errorf("persist unit: %w", err)
	}
	return u.ID, nil
}

// FindUnitByPath returns the unit at qualifiedPath within workspaceID.
func (g *Graph) FindUnitByPath(ctx context.Context, workspaceID ids.WorkspaceID, qualifiedPath string) (Unit, error) {
	recs, err := g.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: string(workspaceID), Filter: map[string]any{"QualifiedPath": qualifiedPath}})
	if err != nil {
		return Unit{}, fmt.Errorf("find unit by path: %w", err)
	}
	if len(recs) == 0 {
		return Unit{}, coreerr.ErrNotFound
	}
	var u Unit
	if err := json.Unmarshal(recs[0].Payload, &u); err != nil {
		return Unit{}, fmt.Errorf("unmarshal unit: %w", err)
	}
	return u, nil
}

func (g *Graph) get(ctx context.Context, workspaceID ids.WorkspaceID, id ids.UnitID) (Unit, error) {
	rec, err := g.gateway.Get(ctx, collection, string(workspaceID), string(id))
	if err != nil {
		return Unit{}, err
	}
	var u Unit
	if err := json.Unmarshal(rec.Payload, &u); err != nil {
		return Unit{}, fmt.Errorf("unmarshal unit: %w", err)
	}
	return u, nil
}

func (g *Graph) all(ctx context.Context, workspaceID ids.WorkspaceID) ([]Unit, error) {
	recs, err := g.gateway.Find(ctx, storage.Query{Collection: collection, WorkspaceID: string(workspaceID)})
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	units := make([]Unit, 0, len(recs))
	for _, rec := range recs {
		var u Unit
		if err := json.Unmarshal(rec.Payload, &u); err == nil {
			units = append(units, u)
		}
	}
	return units, nil
}

// GetUnit returns the full unit record, including its signature, loaded on
// demand per §4.6's "full bodies loaded on demand" — callers that only
// need the lightweight projection should prefer Neighbors/ReverseDependents.
func (g *Graph) GetUnit(ctx context.Context, workspaceID ids.WorkspaceID, id ids.UnitID) (Unit, error) {
	return g.get(ctx, workspaceID, id)
}

// Neighbors returns the summaries of units directly connected to unit in
// direction dir.
func (g *Graph) Neighbors(ctx context.Context, workspaceID ids.WorkspaceID, unit ids.UnitID, dir Direction) ([]Summary, error) {
	if dir == Outgoing {
		u, err := g.get(ctx, workspaceID, unit)
		if err != nil {
			return nil, err
		}
		out := make([]Summary, 0, len(u.Dependencies))
		for _, e := range u.Dependencies {
			if n, err := g.get(ctx, workspaceID, e.To); err == nil {
				out = append(out, n.summary())
			}
		}
		return out, nil
	}
	return g.ReverseDependents(ctx, workspaceID, unit)
}

// ReverseDependents returns every unit that depends on unit (incoming
// edges).
func (g *Graph) ReverseDependents(ctx context.Context, workspaceID ids.WorkspaceID, unit ids.UnitID) ([]Summary, error) {
	units, err := g.all(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, u := range units {
		for _, e := range u.Dependencies {
			if e.To == unit {
				out = append(out, u.summary())
				break
			}
		}
	}
	return out, nil
}

// DeleteByNode removes every unit that references nodeID, per §3's
// "removing a node invalidates its units."
func (g *Graph) DeleteByNode(ctx context.Context, workspaceID ids.WorkspaceID, nodeID ids.NodeID) (int, error) {
	units, err := g.all(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, u := range units {
		if u.NodeID != nodeID {
			continue
		}
		if err := g.gateway.Delete(ctx, collection, string(workspaceID), string(u.ID)); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Cycles returns the cycles found by a DFS coloring over units of every
// kind, one cycle per back edge; it does not enumerate every simple cycle.
// Cycles among modules are permitted by §4.6; this query exists only to
// surface them, never to reject them.
func (g *Graph) Cycles(ctx context.Context, workspaceID ids.WorkspaceID) ([][]ids.UnitID, error) {
	units, err := g.all(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	byID := make(map[ids.UnitID]Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[ids.UnitID]int, len(units))
	var stack []ids.UnitID
	var cycles [][]ids.UnitID

	var visit func(id ids.UnitID)
	visit = func(id ids.UnitID) {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range byID[id].Dependencies {
			switch color[e.To] {
			case white:
				if _, ok := byID[e.To]; ok {
					visit(e.To)
				}
			case gray:
				cycle := cyclePathFrom(stack, e.To)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, u := range units {
		if color[u.ID] == white {
			visit(u.ID)
		}
	}
	return cycles, nil
}

func cyclePathFrom(stack []ids.UnitID, start ids.UnitID) []ids.UnitID {
	for i, id := range stack {
		if id == start {
			out := make([]ids.UnitID, len(stack)-i)
			copy(out, stack[i:])
			return out
		}
	}
	return nil
}
