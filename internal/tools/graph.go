package tools

import (
	"fmt"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

// graph is the resolved DAG over a batch of calls: deps[id] lists the call
// ids that id's declared Inputs are sourced from.
type graph struct {
	deps map[string][]string
}

// buildGraph resolves each call's Inputs to the call that declared them as
// an Output, the edge the spec describes: "edges are declared via inputs
// referring to another call's outputs."
func buildGraph(calls []Call) (*graph, error) {
	producer := make(map[string]string)
	for _, c := range calls {
		for _, out := range c.Outputs {
			producer[out] = c.ID
		}
	}

	deps := make(map[string][]string, len(calls))
	for _, c := range calls {
		for _, in := range c.Inputs {
			if p, ok := producer[in]; ok {
				deps[c.ID] = append(deps[c.ID], p)
			}
		}
	}
	return &graph{deps: deps}, nil
}

// stageOrder topologically sorts calls into independent stages (Kahn's
// algorithm, layer by layer): every call in a stage depends only on calls in
// earlier stages, so a stage's calls may run concurrently.
func stageOrder(calls []Call) ([][]string, error) {
	g, err := buildGraph(calls)
	if err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(calls)) // unresolved dependency count
	for _, c := range calls {
		remaining[c.ID] = len(g.deps[c.ID])
	}

	var stages [][]string
	done := make(map[string]bool, len(calls))
	for len(done) < len(calls) {
		var stage []string
		for _, c := range calls {
			if done[c.ID] {
				continue
			}
			if remaining[c.ID] == 0 {
				stage = append(stage, c.ID)
			}
		}
		if len(stage) == 0 {
			return nil, fmt.Errorf("tools: dependency cycle among remaining calls: %w", coreerr.ErrInvalidDelegation)
		}
		for _, id := range stage {
			done[id] = true
		}
		for _, c := range calls {
			if done[c.ID] {
				continue
			}
			resolved := 0
			for _, dep := range g.deps[c.ID] {
				if done[dep] {
					resolved++
				}
			}
			remaining[c.ID] = len(g.deps[c.ID]) - resolved
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
