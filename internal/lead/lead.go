// Package lead implements the lead agent (orchestrator) of spec.md §4.17:
// the single handle_query entry point that analyzes a query's complexity,
// picks a strategy, allocates a resource budget, expands a plan into
// delegations, spawns and monitors workers, synthesizes their findings, and
// persists the run as an episode. Grounded on the monitor's Captain
// orchestrator (internal/captain/captain.go) for the analyze-plan-spawn-
// monitor lifecycle shape, generalized from a fixed subagent/terminal mode
// decision to a complexity-tiered resource allocation driving an arbitrary
// number of worker delegations.
package lead

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ry-ht/cogcore/internal/coordinator"
	"github.com/ry-ht/cogcore/internal/coreerr"
	"github.com/ry-ht/cogcore/internal/episodic"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/strategy"
	"github.com/ry-ht/cogcore/internal/synthesis"
	"github.com/ry-ht/cogcore/internal/tools"
	"github.com/ry-ht/cogcore/internal/workers"
)

// WorkerExecutor runs one delegation on a specific agent and reports its
// findings. Implementations must tag every returned Finding.Aspect with
// d.Aspect, the identifier completeness and coverage are scored against.
// internal/bridge supplies the production implementation that actually
// drives a worker process; tests substitute a stub.
type WorkerExecutor interface {
	Execute(ctx context.Context, agent ids.AgentID, d Delegation) (synthesis.WorkerResult, error)
}

// Query is one handle_query request.
type Query struct {
	Text        string
	WorkspaceID ids.WorkspaceID
	SessionID   ids.SessionID
	// SharePeers, if non-empty, receives a knowledge-share broadcast of the
	// resulting episode once persisted. Optional per spec.md §4.17 step 8.
	SharePeers []ids.AgentID
}

// Result is handle_query's return value: the synthesized answer plus the
// plan metadata a caller or dashboard might want to show its provenance.
type Result struct {
	synthesis.SynthesizedResult
	Plan      Plan
	EpisodeID ids.EpisodeID
}

// Agent is the lead agent: the orchestrator runtime's single public entry
// point for answering a query end to end.
type Agent struct {
	strategies *strategy.Library
	registry   *workers.Registry
	coord      *coordinator.Coordinator
	exec       *tools.Executor
	worker     WorkerExecutor
	episodes   *episodic.Store
	clock      ids.Clock
	logger     zerolog.Logger
}

// New builds an Agent wiring together the strategy library, worker
// registry, coordinator, parallel tool executor, worker executor, and
// episodic store.
func New(
	strategies *strategy.Library,
	registry *workers.Registry,
	coord *coordinator.Coordinator,
	exec *tools.Executor,
	worker WorkerExecutor,
	episodes *episodic.Store,
	clock ids.Clock,
	logger zerolog.Logger,
) *Agent {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Agent{
		strategies: strategies,
		registry:   registry,
		coord:      coord,
		exec:       exec,
		worker:     worker,
		episodes:   episodes,
		clock:      clock,
		logger:     logger,
	}
}

// HandleQuery runs the full analyze/strategize/allocate/plan/spawn/monitor/
// synthesize/persist pipeline. Partial worker failures never fail the
// call — the synthesizer reports them through its coverage metric instead.
// A global timeout (from the complexity-tiered resource allocation) expiring
// mid-run raises coreerr.ErrQueryTimeout with the best-effort partial result
// still attached.
func (a *Agent) HandleQuery(ctx context.Context, q Query) (Result, error) {
	best, err := a.strategies.FindBest(ctx, string(q.WorkspaceID), q.Text)
	if err != nil {
		return Result{}, fmt.Errorf("lead: find strategy: %w", err)
	}

	class := classify(q.Text, best)
	plan := buildPlan(q.Text, best, class, a.clock)

	runCtx, cancel := context.WithTimeout(ctx, plan.Allocation.Timeout)
	defer cancel()

	batch, results, spawned := a.spawn(runCtx, plan)

	wallTime := sumStageDurations(batch.Stats)
	synthResult := synthesis.Synthesize(synthesis.Input{
		PlannedAspects: aspects(plan.Delegations),
		WorkersSpawned: spawned,
		WallTime:       wallTime,
		Results:        results,
	})

	result := Result{SynthesizedResult: synthResult, Plan: plan}

	episodeID, persistErr := a.persist(ctx, q, plan, synthResult, best)
	if persistErr != nil {
		a.logger.Warn().Err(persistErr).Msg("lead: failed to persist episode")
	} else {
		result.EpisodeID = episodeID
		if len(q.SharePeers) > 0 && a.coord != nil {
			if err := a.coord.Share(ctx, "lead", q.WorkspaceID, episodeID, q.SharePeers); err != nil {
				a.logger.Warn().Err(err).Msg("lead: knowledge share failed")
			}
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("lead: query %q: %w", q.Text, coreerr.ErrQueryTimeout)
	}
	return result, nil
}

// spawn acquires a worker per delegation and runs them through the parallel
// tool executor, which already respects the delegation dependency graph and
// never fails the batch over one call's failure.
func (a *Agent) spawn(ctx context.Context, plan Plan) (tools.BatchResult, []synthesis.WorkerResult, int) {
	calls := make([]tools.Call, len(plan.Delegations))
	for i, d := range plan.Delegations {
		d := d
		outputKey := "delegation:" + string(d.ID)
		inputs := make([]string, 0, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			inputs = append(inputs, "delegation:"+string(dep))
		}
		calls[i] = tools.Call{
			ID:      string(d.ID),
			Tool:    "delegation",
			Inputs:  inputs,
			Outputs: []string{outputKey},
			Timeout: d.Timeout,
			Run: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
				return a.runDelegation(ctx, d, outputKey)
			},
		}
	}

	batch, err := a.exec.Run(ctx, calls)
	if err != nil {
		a.logger.Error().Err(err).Msg("lead: delegation batch failed to schedule")
		return tools.BatchResult{}, nil, 0
	}

	results := make([]synthesis.WorkerResult, 0, len(plan.Delegations))
	for _, d := range plan.Delegations {
		outcome := batch.Outcomes[string(d.ID)]
		outputKey := "delegation:" + string(d.ID)
		if outcome.Status == tools.Succeeded {
			if wr, ok := outcome.Outputs[outputKey].(synthesis.WorkerResult); ok {
				results = append(results, wr)
				continue
			}
		}
		results = append(results, synthesis.WorkerResult{DelegationID: string(d.ID), Failed: true, Duration: outcome.Duration})
	}
	return batch, results, len(plan.Delegations)
}

// runDelegation acquires a capable worker, executes the delegation, releases
// the worker, and records the outcome against its rolling statistics — all
// independent of any other delegation in the same plan, so a circuit-broken
// or unavailable worker channel never blocks the rest of the batch.
func (a *Agent) runDelegation(ctx context.Context, d Delegation, outputKey string) (map[string]any, error) {
	agent, err := a.registry.Acquire(ctx, d.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("lead: acquire worker for delegation %s: %w", d.ID, err)
	}
	start := a.clock.Now()
	result, execErr := a.worker.Execute(ctx, agent, d)
	duration := a.clock.Now().Sub(start)

	if outcomeErr := a.registry.RecordOutcome(agent, execErr == nil, duration); outcomeErr != nil {
		a.logger.Warn().Err(outcomeErr).Msg("lead: record worker outcome failed")
	}
	if releaseErr := a.registry.Release(agent); releaseErr != nil {
		a.logger.Warn().Err(releaseErr).Msg("lead: release worker failed")
	}
	if execErr != nil {
		return nil, fmt.Errorf("lead: delegation %s on worker %s: %w", d.ID, agent, execErr)
	}
	result.DelegationID = string(d.ID)
	result.AgentID = agent
	result.Duration = duration
	return map[string]any{outputKey: result}, nil
}

func aspects(delegations []Delegation) []string {
	names := make([]string, len(delegations))
	for i, d := range delegations {
		names[i] = d.Aspect
	}
	return names
}

func sumStageDurations(stats tools.BatchStats) time.Duration {
	return stats.ParallelTime
}

// persist stores the run as an episode and updates the matched strategy's
// outcome statistics. Success is judged by coverage: at least one spawned
// worker contributed a finding.
func (a *Agent) persist(ctx context.Context, q Query, plan Plan, result synthesis.SynthesizedResult, matched strategy.Strategy) (ids.EpisodeID, error) {
	success := result.Quality.Coverage > 0
	if _, err := a.strategies.RecordOutcome(ctx, string(q.WorkspaceID), matched.ID, success); err != nil {
		a.logger.Warn().Err(err).Msg("lead: record strategy outcome failed")
	}

	if a.episodes == nil {
		return "", nil
	}
	outcome := episodic.OutcomeFailure
	if success {
		outcome = episodic.OutcomeSuccess
	}
	lessons := make([]string, 0, len(result.Recommendations))
	for _, rec := range result.Recommendations {
		lessons = append(lessons, rec.Content)
	}
	return a.episodes.Store(ctx, episodic.Episode{
		WorkspaceID:  q.WorkspaceID,
		Outcome:      outcome,
		Summary:      result.Summary,
		Lessons:      lessons,
		ToolSequence: aspects(plan.Delegations),
		Importance:   result.Quality.Completeness,
		CreatedAt:    a.clock.Now().UTC(),
	})
}
