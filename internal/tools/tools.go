// Package tools implements the tool registry and parallel executor of
// spec.md §4.14: tool calls form a DAG from inputs referencing other calls'
// outputs, executed in topologically-sorted, bounded-concurrency stages.
// Grounded on the reconnaissance engine's errgroup-based parallel gathering
// (internal/campaign/intelligence_gatherer.go), generalized from a fixed
// fan-out of named gatherers to an arbitrary dependency graph.
package tools

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// Status is the terminal state of one Call after a Batch runs.
type Status string

const (
	Pending      Status = "pending"
	Running      Status = "running"
	Succeeded    Status = "succeeded"
	Failed       Status = "failed"
	UpstreamFail Status = "upstream_failed"
)

// Call is one tool invocation. Outputs names the keys this call contributes
// to the shared result map; Inputs names the keys it consumes, each of which
// must be an Output of some other Call in the same Batch — that reference is
// the DAG edge.
type Call struct {
	ID      string
	Tool    string
	Inputs  []string
	Outputs []string
	Timeout time.Duration
	Run     func(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Outcome is one Call's result after a Batch runs.
type Outcome struct {
	CallID   string
	Status   Status
	Outputs  map[string]any
	Err      error
	Duration time.Duration
}

// BatchResult is the full outcome of one Run, plus the statistics §4.14
// requires a batch to report.
type BatchResult struct {
	Outcomes map[string]Outcome
	Stats    BatchStats
}

// Executor runs Batches of tool calls with a bounded per-stage concurrency.
type Executor struct {
	maxConcurrent int
}

// NewExecutor builds an Executor that runs at most maxConcurrent calls
// simultaneously within any one DAG stage.
func NewExecutor(maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Executor{maxConcurrent: maxConcurrent}
}

// Run builds the dependency graph over calls, topologically sorts it into
// stages, and executes each stage with up to maxConcurrent calls running at
// once, each bounded by its own Timeout. A call whose upstream dependency
// failed or timed out is marked UpstreamFail and never invoked; every other
// call still runs, so partial results are always returned alongside the
// batch statistics.
func (e *Executor) Run(ctx context.Context, calls []Call) (BatchResult, error) {
	stages, err := stageOrder(calls)
	if err != nil {
		return BatchResult{}, err
	}
	g, err := buildGraph(calls)
	if err != nil {
		return BatchResult{}, err
	}

	byID := make(map[string]Call, len(calls))
	for _, c := range calls {
		byID[c.ID] = c
	}

	outcomes := make(map[string]Outcome, len(calls))
	values := make(map[string]any)
	var stageDurations []time.Duration

	for _, stage := range stages {
		stageStart := time.Now()
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(e.maxConcurrent)

		type partial struct {
			id      string
			outcome Outcome
			values  map[string]any
		}
		results := make([]partial, len(stage))

		for i, callID := range stage {
			i, callID := i, callID
			call := byID[callID]

			if blocker, blocked := upstreamFailure(call, g, outcomes); blocked {
				results[i] = partial{id: callID, outcome: Outcome{
					CallID: callID,
					Status: UpstreamFail,
					Err:    fmt.Errorf("tools: call %s blocked on failed dependency %s", callID, blocker),
				}}
				continue
			}

			eg.Go(func() error {
				results[i] = partial{id: callID, outcome: runOne(gctx, call, values)}
				return nil
			})
		}
		_ = eg.Wait()

		for _, r := range results {
			outcomes[r.id] = r.outcome
			for k, v := range r.outcome.Outputs {
				values[k] = v
			}
		}
		stageDurations = append(stageDurations, time.Since(stageStart))
	}

	return BatchResult{
		Outcomes: outcomes,
		Stats:    computeStats(outcomes, stageDurations),
	}, nil
}

// upstreamFailure reports the first dependency of call (per the resolved
// graph) whose outcome was Failed or UpstreamFail, if any.
func upstreamFailure(call Call, g *graph, outcomes map[string]Outcome) (string, bool) {
	for _, dep := range g.deps[call.ID] {
		switch outcomes[dep].Status {
		case Failed, UpstreamFail:
			return dep, true
		}
	}
	return "", false
}

func runOne(ctx context.Context, call Call, values map[string]any) Outcome {
	start := time.Now()
	inputs := make(map[string]any, len(call.Inputs))
	for _, key := range call.Inputs {
		inputs[key] = values[key]
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if call.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	outputs, err := call.Run(runCtx, inputs)
	duration := time.Since(start)
	if err != nil {
		status := Failed
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("tools: call %s: %w", call.ID, coreerr.ErrTimeout)
		}
		return Outcome{CallID: call.ID, Status: status, Err: err, Duration: duration}
	}
	return Outcome{CallID: call.ID, Status: Succeeded, Outputs: outputs, Duration: duration}
}
