package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOrdersStagesByDependency(t *testing.T) {
	e := NewExecutor(4)
	var order []string

	calls := []Call{
		{ID: "fetch", Outputs: []string{"raw"}, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			order = append(order, "fetch")
			return map[string]any{"raw": "data"}, nil
		}},
		{ID: "parse", Inputs: []string{"raw"}, Outputs: []string{"parsed"}, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			order = append(order, "parse")
			assert.Equal(t, "data", in["raw"])
			return map[string]any{"parsed": "ok"}, nil
		}},
	}

	result, err := e.Run(context.Background(), calls)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "parse"}, order)
	assert.Equal(t, Succeeded, result.Outcomes["fetch"].Status)
	assert.Equal(t, Succeeded, result.Outcomes["parse"].Status)
	assert.Equal(t, 2, result.Stats.SuccessCount)
}

func TestRunSkipsDependentsOfFailedCall(t *testing.T) {
	e := NewExecutor(4)
	calls := []Call{
		{ID: "a", Outputs: []string{"x"}, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}},
		{ID: "b", Inputs: []string{"x"}, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			t.Fatal("b should never run: its dependency failed")
			return nil, nil
		}},
	}

	result, err := e.Run(context.Background(), calls)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Outcomes["a"].Status)
	assert.Equal(t, UpstreamFail, result.Outcomes["b"].Status)
	assert.Equal(t, 1, result.Stats.FailureCount)
	assert.Equal(t, 1, result.Stats.UpstreamSkipped)
}

func TestRunEnforcesPerCallTimeout(t *testing.T) {
	e := NewExecutor(1)
	calls := []Call{
		{ID: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}

	result, err := e.Run(context.Background(), calls)
	require.NoError(t, err)
	assert.Equal(t, Failed, result.Outcomes["slow"].Status)
}

func TestRunParallelizesIndependentCallsWithinAStage(t *testing.T) {
	e := NewExecutor(4)
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	makeCall := func(id string) Call {
		return Call{ID: id, Run: func(ctx context.Context, in map[string]any) (map[string]any, error) {
			started <- struct{}{}
			<-release
			return map[string]any{}, nil
		}}
	}
	calls := []Call{makeCall("a"), makeCall("b")}

	done := make(chan BatchResult, 1)
	go func() {
		result, _ := e.Run(context.Background(), calls)
		done <- result
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("both independent calls should have started concurrently")
		}
	}
	close(release)
	<-done
}

func TestStageOrderDetectsCycles(t *testing.T) {
	calls := []Call{
		{ID: "a", Inputs: []string{"y"}, Outputs: []string{"x"}},
		{ID: "b", Inputs: []string{"x"}, Outputs: []string{"y"}},
	}
	_, err := stageOrder(calls)
	require.Error(t, err)
}
