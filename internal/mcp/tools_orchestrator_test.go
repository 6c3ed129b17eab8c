package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/lead"
	"github.com/ry-ht/cogcore/internal/storage"
	"github.com/ry-ht/cogcore/internal/strategy"
	"github.com/ry-ht/cogcore/internal/synthesis"
	"github.com/ry-ht/cogcore/internal/tools"
	"github.com/ry-ht/cogcore/internal/workers"
)

type stubQueryExecutor struct{}

func (stubQueryExecutor) Execute(ctx context.Context, agent ids.AgentID, d lead.Delegation) (synthesis.WorkerResult, error) {
	return synthesis.WorkerResult{
		SuccessRate: 1,
		Findings: []synthesis.Finding{
			{ID: d.Aspect + "-finding", Aspect: d.Aspect, Content: "observed " + d.Objective, Confidence: 0.7, Impact: 0.5},
		},
	}, nil
}

func newTestOrchestrator(t *testing.T) *lead.Agent {
	t.Helper()
	docs, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	gw := storage.NewGateway(docs, nil, 100, time.Second, nil)

	lib, err := strategy.New(context.Background(), gw, "ws-1", ids.SystemClock{})
	require.NoError(t, err)

	registry := workers.New(ids.SystemClock{}, time.Minute)
	for i := 1; i <= 10; i++ {
		registry.Register(ids.AgentID(fmt.Sprintf("worker-%d", i)), []string{"code_read", "test_run", "code_write", "web_search"})
	}

	episodes := episodic.New(gw, nil, nil, zerolog.Nop())
	return lead.New(lib, registry, nil, tools.NewExecutor(4), stubQueryExecutor{}, episodes, ids.SystemClock{}, zerolog.Nop())
}

func TestHandleQueryToolWrapsOrchestrator(t *testing.T) {
	r := NewRegistry()
	RegisterOrchestratorTools(r, newTestOrchestrator(t))

	result, err := r.Execute(context.Background(), "handle_query", "caller", map[string]interface{}{
		"text":         "what is X",
		"workspace_id": "ws-1",
	})
	require.NoError(t, err)
	res := result.(lead.Result)
	assert.NotEmpty(t, res.EpisodeID)
	assert.NotEmpty(t, res.Plan.Delegations)
}
