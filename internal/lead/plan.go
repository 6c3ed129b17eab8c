package lead

import (
	"fmt"
	"strings"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/strategy"
)

// ComplexityClass is the query's classified scale, driving resource
// allocation.
type ComplexityClass string

const (
	Simple  ComplexityClass = "simple"
	Medium  ComplexityClass = "medium"
	Complex ComplexityClass = "complex"
)

// ResourceAllocation is the budget a Plan must stay within.
type ResourceAllocation struct {
	Workers         int
	ToolCallCeiling int
	Timeout         time.Duration
	TokenBudget     int
	CostCeiling     string
}

// allocationFor returns the fixed per-complexity resource table.
func allocationFor(class ComplexityClass) ResourceAllocation {
	switch class {
	case Complex:
		return ResourceAllocation{Workers: 10, ToolCallCeiling: 20, Timeout: 5 * time.Minute, TokenBudget: 150000, CostCeiling: "high"}
	case Medium:
		return ResourceAllocation{Workers: 4, ToolCallCeiling: 15, Timeout: 2 * time.Minute, TokenBudget: 50000, CostCeiling: "medium"}
	default:
		return ResourceAllocation{Workers: 1, ToolCallCeiling: 10, Timeout: 30 * time.Second, TokenBudget: 10000, CostCeiling: "low"}
	}
}

// complexWords are signals that a query spans more ground than a single
// worker can cover in one pass — comparisons, migrations, broad surveys.
var complexWords = map[string]bool{
	"compare": true, "comparison": true, "across": true, "all": true,
	"migrate": true, "migration": true, "entire": true, "comprehensive": true,
	"audit": true, "every": true, "survey": true,
}

// classify classifies query complexity from word count and keyword signals,
// then folds in the matched strategy's own worker-count hint — a strategy
// built for heavy parallel work (e.g. comparison) never gets downgraded to
// Simple just because the query itself was short.
func classify(query string, matched strategy.Strategy) ComplexityClass {
	words := strings.Fields(query)
	class := Simple
	switch {
	case len(words) > 20:
		class = Complex
	case len(words) > 7:
		class = Medium
	}
	for _, w := range words {
		if complexWords[strings.ToLower(strings.Trim(w, ".,?!"))] {
			class = Complex
			break
		}
	}
	if matched.DefaultWorkerCount >= 10 && class != Complex {
		class = Complex
	} else if matched.DefaultWorkerCount >= 4 && class == Simple {
		class = Medium
	}
	return class
}

// Delegation is one worker's assignment within a Plan.
type Delegation struct {
	ID                   ids.DelegationID
	Aspect               string
	Objective            string
	OutputFormat         string
	RequiredCapabilities []string
	AllowedTools         []string
	ScopeInclude         []string
	ScopeExclude         []string
	Constraints          []string
	MaxToolCalls         int
	Timeout              time.Duration
	Priority             int
	Dependencies         []ids.DelegationID
}

// Plan is the lead agent's expansion of a matched strategy into concrete,
// resource-bounded delegations.
type Plan struct {
	ID                ids.PlanID
	StrategyID        string
	Complexity        ComplexityClass
	Allocation        ResourceAllocation
	Delegations       []Delegation
	Parallelizable    bool
	EstimatedDuration time.Duration
	CreatedAt         time.Time
}

// buildPlan expands s into alloc.Workers independent delegations, one slice
// of the strategy's objective each. The complexity table's worker count is
// authoritative (Simple and Medium name an exact count, Complex a floor) —
// buildPlan does not read the strategy's DefaultWorkerCount (classify has
// already folded it into class), and a strategy's DefaultToolCallCeiling
// only narrows the per-worker tool-call ceiling, never the headcount.
// None of the delegations declares a dependency on another: the strategy
// library's archetypes describe parallel aspects of one goal, not a
// sequential pipeline, so nothing here is parallelizable=false by
// construction — a future strategy that needs ordering sets Dependencies on
// its own delegations and buildPlan honors whatever it finds.
func buildPlan(query string, s strategy.Strategy, class ComplexityClass, clock ids.Clock) Plan {
	alloc := allocationFor(class)
	workerCount := alloc.Workers
	if workerCount < 1 {
		workerCount = 1
	}

	toolCeiling := alloc.ToolCallCeiling
	if s.DefaultToolCallCeiling > 0 && s.DefaultToolCallCeiling < toolCeiling {
		toolCeiling = s.DefaultToolCallCeiling
	}

	delegations := make([]Delegation, workerCount)
	for i := 0; i < workerCount; i++ {
		delegations[i] = Delegation{
			ID:                   ids.NewDelegationID(),
			Aspect:               fmt.Sprintf("%s-%d", s.ID, i+1),
			Objective:            objectiveFor(query, s, i, workerCount),
			OutputFormat:         s.OutputFormat,
			RequiredCapabilities: s.RequiredCapabilities,
			MaxToolCalls:         toolCeiling,
			Timeout:              alloc.Timeout,
			Priority:             workerCount - i,
		}
	}

	return Plan{
		ID:             ids.NewPlanID(),
		StrategyID:     s.ID,
		Complexity:     class,
		Allocation:     alloc,
		Delegations:    delegations,
		Parallelizable: !anyHasDependency(delegations),
		CreatedAt:      clock.Now().UTC(),
	}
}

func anyHasDependency(delegations []Delegation) bool {
	for _, d := range delegations {
		if len(d.Dependencies) > 0 {
			return true
		}
	}
	return false
}

func objectiveFor(query string, s strategy.Strategy, index, total int) string {
	if total == 1 {
		return query
	}
	return fmt.Sprintf("%s (%s aspect %d of %d)", query, s.Name, index+1, total)
}
