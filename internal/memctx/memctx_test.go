package memctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/procedural"
	"github.com/ry-ht/cogcore/internal/semantic"
	"github.com/ry-ht/cogcore/internal/workingmem"
)

type fakeWorking struct {
	items []workingmem.Item
}

func (f fakeWorking) Items() []workingmem.Item { return f.items }

type fakeEpisodes struct {
	scored []episodic.Scored
	full   map[ids.EpisodeID]episodic.Episode
}

func (f fakeEpisodes) Search(ctx context.Context, workspaceID ids.WorkspaceID, query string, k int) ([]episodic.Scored, error) {
	return f.scored, nil
}

func (f fakeEpisodes) LoadFull(ctx context.Context, workspaceID ids.WorkspaceID, id ids.EpisodeID) (episodic.Episode, error) {
	return f.full[id], nil
}

type fakeGraph struct {
	byPath     map[string]semantic.Unit
	neighbors  map[ids.UnitID][]semantic.Summary
	units      map[ids.UnitID]semantic.Unit
}

func (g fakeGraph) FindUnitByPath(ctx context.Context, workspaceID ids.WorkspaceID, path string) (semantic.Unit, error) {
	return g.byPath[path], nil
}

func (g fakeGraph) Neighbors(ctx context.Context, workspaceID ids.WorkspaceID, unit ids.UnitID, dir semantic.Direction) ([]semantic.Summary, error) {
	if dir == semantic.Incoming {
		return nil, nil
	}
	return g.neighbors[unit], nil
}

func (g fakeGraph) GetUnit(ctx context.Context, workspaceID ids.WorkspaceID, id ids.UnitID) (semantic.Unit, error) {
	return g.units[id], nil
}

type fakePatterns struct {
	patterns []procedural.Pattern
}

func (f fakePatterns) Match(ctx context.Context, workspaceID string, fingerprint []float32, fnContext map[string]any, predicates map[ids.PatternID]procedural.Predicate, k int) ([]procedural.Pattern, error) {
	return f.patterns, nil
}

func TestComposer_FillsTiersInPriorityOrder(t *testing.T) {
	working := fakeWorking{items: []workingmem.Item{
		{Key: "wm1", Value: []byte("database migration plan")},
	}}
	episodes := fakeEpisodes{
		scored: []episodic.Scored{{Summary: episodic.Summary{ID: "ep1"}, Score: 0.9}},
		full:   map[ids.EpisodeID]episodic.Episode{"ep1": {ID: "ep1", Summary: "ran a database migration"}},
	}
	graph := fakeGraph{}
	patterns := fakePatterns{}

	c := New(working, episodes, graph, patterns, NewHeuristicCounter(), Config{})
	bundle, err := c.Build(context.Background(), BuildRequest{
		WorkspaceID:      "ws",
		Query:            "database migration",
		TotalBudget:      1000,
		ReservedResponse: 100,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 2)
	assert.Equal(t, KindWorkingMemory, bundle.Items[0].Kind)
	assert.Equal(t, KindEpisode, bundle.Items[1].Kind)
	assert.True(t, bundle.UsedTokens > 0)
	assert.Equal(t, bundle.Available-bundle.UsedTokens, bundle.ResidualBudget)
}

func TestComposer_SkipsOversizedCandidateButFillsSmallerOnes(t *testing.T) {
	working := fakeWorking{items: []workingmem.Item{
		{Key: "big", Value: []byte("this query term appears here and takes many tokens to represent fully in the budget accounting")},
		{Key: "small", Value: []byte("query")},
	}}
	episodes := fakeEpisodes{}
	graph := fakeGraph{}
	patterns := fakePatterns{}

	c := New(working, episodes, graph, patterns, NewHeuristicCounter(), Config{})
	bundle, err := c.Build(context.Background(), BuildRequest{
		WorkspaceID:      "ws",
		Query:            "query",
		TotalBudget:      10,
		ReservedResponse: 0,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 1)
	assert.Equal(t, "small", bundle.Items[0].ID)
}

func TestComposer_UnitCandidatesRankByDependencyDistance(t *testing.T) {
	working := fakeWorking{}
	episodes := fakeEpisodes{}
	graph := fakeGraph{
		byPath: map[string]semantic.Unit{
			"pkg/a.go:Foo": {ID: "a", Kind: semantic.UnitFunction, QualifiedPath: "pkg/a.go:Foo"},
		},
		neighbors: map[ids.UnitID][]semantic.Summary{
			"a": {{ID: "b", Kind: semantic.UnitFunction, QualifiedPath: "pkg/b.go:Bar"}},
		},
		units: map[ids.UnitID]semantic.Unit{
			"a": {ID: "a", Kind: semantic.UnitFunction, QualifiedPath: "pkg/a.go:Foo"},
			"b": {ID: "b", Kind: semantic.UnitFunction, QualifiedPath: "pkg/b.go:Bar"},
		},
	}
	patterns := fakePatterns{}

	c := New(working, episodes, graph, patterns, NewHeuristicCounter(), Config{UnitMaxHops: 1})
	bundle, err := c.Build(context.Background(), BuildRequest{
		WorkspaceID:      "ws",
		Query:            "what calls Foo",
		MentionedPaths:   []string{"pkg/a.go:Foo"},
		TotalBudget:      1000,
		ReservedResponse: 0,
	})
	require.NoError(t, err)
	require.Len(t, bundle.Items, 2)
	assert.Equal(t, "a", bundle.Items[0].ID)
	assert.Equal(t, "b", bundle.Items[1].ID)
}

func TestHeuristicCounter_CountsProportionalToLength(t *testing.T) {
	hc := NewHeuristicCounter()
	assert.Equal(t, 0, hc.Count(""))
	assert.True(t, hc.Count("a long string of several words") > hc.Count("short"))
}
