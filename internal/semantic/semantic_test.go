package semantic

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "units.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 5, time.Second, nil)
	return New(gw)
}

func TestGraph_UpsertAndFindByPath(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	id, err := g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", Kind: UnitFunction, Name: "Run", QualifiedPath: "pkg/run.go:Run"})
	require.NoError(t, err)

	u, err := g.FindUnitByPath(ctx, "ws", "pkg/run.go:Run")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
}

func TestGraph_SelfLoopRejectedExceptCalls(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	selfID := ids.NewUnitID()
	_, err := g.UpsertUnit(ctx, Unit{ID: selfID, WorkspaceID: "ws", Dependencies: []Edge{{To: selfID, Kind: EdgeImports}}})
	assert.ErrorIs(t, err, coreerr.ErrInvalidQuery)

	_, err = g.UpsertUnit(ctx, Unit{ID: selfID, WorkspaceID: "ws", Dependencies: []Edge{{To: selfID, Kind: EdgeCalls}}})
	assert.NoError(t, err)
}

func TestGraph_NeighborsAndReverseDependents(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a, _ := g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", Name: "A"})
	b, _ := g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", Name: "B", Dependencies: []Edge{{To: a, Kind: EdgeCalls}}})

	out, err := g.Neighbors(ctx, "ws", b, Outgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a, out[0].ID)

	in, err := g.ReverseDependents(ctx, "ws", a)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, b, in[0].ID)
}

func TestGraph_DeleteByNodeRemovesAllItsUnits(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	node := ids.NewNodeID()
	g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", NodeID: node, Name: "A"})
	g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", NodeID: node, Name: "B"})
	g.UpsertUnit(ctx, Unit{WorkspaceID: "ws", NodeID: ids.NewNodeID(), Name: "C"})

	deleted, err := g.DeleteByNode(ctx, "ws", node)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestGraph_CyclesSurfacedNotRejected(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a := ids.NewUnitID()
	b := ids.NewUnitID()
	g.UpsertUnit(ctx, Unit{ID: a, WorkspaceID: "ws", Dependencies: []Edge{{To: b, Kind: EdgeImports}}})
	g.UpsertUnit(ctx, Unit{ID: b, WorkspaceID: "ws", Dependencies: []Edge{{To: a, Kind: EdgeImports}}})

	cycles, err := g.Cycles(ctx, "ws")
	require.NoError(t, err)
	assert.NotEmpty(t, cycles)
}
