package consolidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/semantic"
)

type fakeEpisodes struct {
	mu       sync.Mutex
	calls    int
	blockTil chan struct{}
	report   episodic.Report
}

func (f *fakeEpisodes) Forget(ctx context.Context, workspaceID ids.WorkspaceID, strategy episodic.Strategy) (episodic.Report, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockTil != nil {
		<-f.blockTil
	}
	return f.report, nil
}

type fakeGraph struct {
	mu    sync.Mutex
	units []semantic.Unit
}

func (g *fakeGraph) UpsertUnit(ctx context.Context, u semantic.Unit) (ids.UnitID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.units = append(g.units, u)
	return u.ID, nil
}

func TestScheduler_RunProducesReport(t *testing.T) {
	eps := &fakeEpisodes{report: episodic.Report{
		DeletedCount:   3,
		CandidateCount: 5,
		Deleted: []episodic.Episode{
			{ID: "1", Outcome: episodic.OutcomeSuccess, ToolSequence: []string{"unit:a", "unit:b"}, Embedding: []float32{1, 0}},
			{ID: "2", Outcome: episodic.OutcomeSuccess, Embedding: []float32{1, 0}},
		},
	}}
	sched := New(eps, &fakeGraph{}, Config{DecayHalfLifeDays: 14, DecayCutoff: 0.1, MergeThreshold: 0.99}, zerolog.Nop(), nil)

	report, ran, err := sched.Run(context.Background(), "ws", TriggerExplicit)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 3, report.DecayedCount)
	assert.Equal(t, 5, report.PatternsExtracted)
	assert.Equal(t, 2, report.EdgesAdded)
	assert.Equal(t, 1, report.Deduplicated)
}

func TestScheduler_RejectsConcurrentRunForSameWorkspace(t *testing.T) {
	block := make(chan struct{})
	eps := &fakeEpisodes{blockTil: block}
	sched := New(eps, &fakeGraph{}, Config{}, zerolog.Nop(), nil)

	var wg sync.WaitGroup
	var secondRan bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(context.Background(), "ws", TriggerInterval)
	}()

	time.Sleep(20 * time.Millisecond)
	_, ran, err := sched.Run(context.Background(), "ws", TriggerExplicit)
	require.NoError(t, err)
	secondRan = ran
	assert.False(t, secondRan)

	close(block)
	wg.Wait()
}

func TestLinkAndDedup_AddsEdgesAndCountsDuplicates(t *testing.T) {
	graph := &fakeGraph{}
	episodes := []episodic.Episode{
		{ID: "1", Outcome: episodic.OutcomeSuccess, ToolSequence: []string{"unit:a", "unit:b"}, Embedding: []float32{1, 0}},
		{ID: "2", Outcome: episodic.OutcomeSuccess, Embedding: []float32{1, 0}},
		{ID: "3", Outcome: episodic.OutcomeFailure, Embedding: []float32{1, 0}},
	}

	edgesAdded, dedup, err := LinkAndDedup(context.Background(), graph, episodes, 0.99)
	require.NoError(t, err)
	assert.Equal(t, 2, edgesAdded)
	assert.Equal(t, 1, dedup)
}
