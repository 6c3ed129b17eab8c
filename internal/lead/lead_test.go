package lead

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/strategy"
	"github.com/ry-ht/cogcore/internal/synthesis"
	"github.com/ry-ht/cogcore/internal/tools"
	"github.com/ry-ht/cogcore/internal/workers"
)

var errStubWorkerFailed = errors.New("stub worker failure")

// stubExecutor resolves every delegation to one canned finding tagged with
// the delegation's own aspect, so tests can assert on completeness/coverage
// without a real worker process.
type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, agent ids.AgentID, d Delegation) (synthesis.WorkerResult, error) {
	return synthesis.WorkerResult{
		SuccessRate: 0.8,
		Findings: []synthesis.Finding{
			{ID: d.Aspect + "-finding", Aspect: d.Aspect, Content: "observed behavior for " + d.Objective, Confidence: 0.7, Impact: 0.5},
		},
	}, nil
}

// alwaysFailExecutor fails every delegation, for exercising the partial-
// failure tolerance policy.
type alwaysFailExecutor struct{}

func (alwaysFailExecutor) Execute(ctx context.Context, agent ids.AgentID, d Delegation) (synthesis.WorkerResult, error) {
	return synthesis.WorkerResult{}, errStubWorkerFailed
}

func newTestAgent(t *testing.T, exec WorkerExecutor) *Agent {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "lead.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 100, time.Second, nil)

	lib, err := strategy.New(context.Background(), gw, "ws-1", ids.SystemClock{})
	require.NoError(t, err)

	registry := workers.New(ids.SystemClock{}, time.Minute)
	capabilities := []string{"code_read", "test_run", "code_write", "web_search"}
	for i := 1; i <= 10; i++ {
		registry.Register(ids.AgentID(fmt.Sprintf("worker-%d", i)), capabilities)
	}

	episodes := episodic.New(gw, nil, nil, zerolog.Nop())

	return New(lib, registry, nil, tools.NewExecutor(4), exec, episodes, ids.SystemClock{}, zerolog.Nop())
}

func TestHandleQuerySimpleQueryUsesOneWorker(t *testing.T) {
	agent := newTestAgent(t, stubExecutor{})

	result, err := agent.HandleQuery(context.Background(), Query{
		Text:        "what is X",
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	assert.Equal(t, Simple, result.Plan.Complexity)
	assert.Len(t, result.Plan.Delegations, 1)
	assert.InDelta(t, 1.0, result.Quality.Coverage, 0.001)
	assert.NotEmpty(t, result.EpisodeID)
}

func TestHandleQueryComplexQuerySpawnsManyWorkers(t *testing.T) {
	agent := newTestAgent(t, stubExecutor{})

	result, err := agent.HandleQuery(context.Background(), Query{
		Text:        "compare every implementation across the entire codebase and give a comprehensive audit of all tradeoffs",
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	assert.Equal(t, Complex, result.Plan.Complexity)
	assert.Len(t, result.Plan.Delegations, 10)
}

func TestHandleQueryToleratesPartialWorkerFailure(t *testing.T) {
	agent := newTestAgent(t, alwaysFailExecutor{})

	result, err := agent.HandleQuery(context.Background(), Query{
		Text:        "review and refactor this module and test the changes",
		WorkspaceID: "ws-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, len(result.Plan.Delegations))
	assert.InDelta(t, 0.0, result.Quality.Coverage, 0.001)
}

func TestClassifySimpleShortQuery(t *testing.T) {
	assert.Equal(t, Simple, classify("what is capability X of unit Y", strategy.Strategy{}))
}

func TestClassifyComplexKeywordOverridesLength(t *testing.T) {
	assert.Equal(t, Complex, classify("compare these two things", strategy.Strategy{}))
}
