// Package synthesis implements the result synthesizer of spec.md §4.18:
// turning a set of worker findings into one top-level answer with
// conflict-aware recommendations and quality/efficiency metrics. Grounded on
// the monitor's deployment Planner (internal/supervisor/planner.go) for the
// analyze-then-summarize shape, generalized from a task-count analysis to a
// findings-aggregation pipeline, and on episodic.go's tokenize/overlap idiom
// for the textual similarity dedup and conflict detection need on top of it.
package synthesis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ry-ht/cogcore/internal/ids"
)

// Finding is one atomic claim a worker reported, tagged with the delegation
// aspect it addresses.
type Finding struct {
	ID                string
	Aspect            string
	Content           string
	Confidence        float64
	Impact            float64
	SourceAgent       ids.AgentID
	SourceSuccessRate float64
	DelegationID      string
}

// score combines confidence and source track record the way conflict
// resolution weighs competing findings: highest confidence × source success
// rate wins.
func (f Finding) score() float64 {
	rate := f.SourceSuccessRate
	if rate == 0 {
		rate = 1 // an untested source isn't penalized relative to a proven one
	}
	return f.Confidence * rate
}

// WorkerResult is one worker's contribution to a query.
type WorkerResult struct {
	DelegationID string
	AgentID      ids.AgentID
	SuccessRate  float64
	Duration     time.Duration
	Findings     []Finding
	Failed       bool
}

// Conflict records two or more findings on the same aspect whose content did
// not merge as duplicates — i.e. they disagree — and how that disagreement
// was resolved.
type Conflict struct {
	Aspect   string
	Findings []Finding // every distinct answer, winner first
	Resolved bool
}

// Recommendation is one ranked, cited piece of advice derived from the final
// (deduplicated, conflict-resolved) findings.
type Recommendation struct {
	Content              string
	Confidence           float64
	Impact               float64
	Rationale            string
	SupportingFindingIDs []string
}

// QualityMetrics are the five ratios §4.18 step 6 defines.
type QualityMetrics struct {
	Completeness       float64
	Consistency        float64
	Coverage           float64
	Redundancy         float64
	ConflictResolution float64
}

// EfficiencyMetrics are the two ratios §4.18 step 7 defines.
type EfficiencyMetrics struct {
	ParallelEfficiency float64
	TimeReduction      float64
}

// SynthesizedResult is handle_query's final output.
type SynthesizedResult struct {
	Summary         string
	Findings        []Finding
	Conflicts       []Conflict
	Recommendations []Recommendation
	Quality         QualityMetrics
	Efficiency      EfficiencyMetrics
}

// Input bundles everything Synthesize needs beyond the worker results
// themselves: the aspects the plan expected to cover and the wall-clock
// duration of the whole delegation round, both needed for the quality and
// efficiency ratios.
type Input struct {
	PlannedAspects []string
	WorkersSpawned int
	WallTime       time.Duration
	Results        []WorkerResult
}

const dedupSimilarityThreshold = 0.7

// Synthesize runs the full extract/resolve/dedup/recommend/summarize/score
// pipeline over one query's worker results.
func Synthesize(in Input) SynthesizedResult {
	byAspect := groupByAspect(in.Results)

	totalFindings := 0
	for _, fs := range byAspect {
		totalFindings += len(fs)
	}

	conflicts := make([]Conflict, 0)
	final := make([]Finding, 0, totalFindings)
	aspectsWithFinding := 0
	unresolvedConflicts := 0

	aspects := sortedKeys(byAspect)
	for _, aspect := range aspects {
		deduped := dedupe(byAspect[aspect])
		if len(deduped) > 0 {
			aspectsWithFinding++
		}
		if len(deduped) > 1 {
			winner, rest, resolved := resolve(deduped)
			conflicts = append(conflicts, Conflict{
				Aspect:   aspect,
				Findings: append([]Finding{winner}, rest...),
				Resolved: resolved,
			})
			if !resolved {
				unresolvedConflicts++
			}
			final = append(final, winner)
		} else {
			final = append(final, deduped...)
		}
	}

	completeness := ratio(float64(aspectsWithFinding), float64(len(in.PlannedAspects)))
	if len(in.PlannedAspects) == 0 {
		completeness = 1
	}

	consistency := 1.0
	if len(conflicts) > 0 {
		consistency = 1 - float64(unresolvedConflicts)/float64(len(conflicts))
	}

	workersWithFinding := 0
	for _, r := range in.Results {
		if len(r.Findings) > 0 {
			workersWithFinding++
		}
	}
	coverage := ratio(float64(workersWithFinding), float64(in.WorkersSpawned))

	redundancy := 0.0
	if totalFindings > 0 {
		redundancy = 1 - float64(len(final))/float64(totalFindings)
	}

	conflictResolution := 1.0
	if len(conflicts) > 0 {
		resolved := 0
		for _, c := range conflicts {
			if c.Resolved {
				resolved++
			}
		}
		conflictResolution = float64(resolved) / float64(len(conflicts))
	}

	quality := QualityMetrics{
		Completeness:       completeness,
		Consistency:        consistency,
		Coverage:           coverage,
		Redundancy:         redundancy,
		ConflictResolution: conflictResolution,
	}

	efficiency := computeEfficiency(in.Results, in.WallTime)
	recs := recommend(final)
	summary := summarize(aspects, final)

	return SynthesizedResult{
		Summary:         summary,
		Findings:        final,
		Conflicts:       conflicts,
		Recommendations: recs,
		Quality:         quality,
		Efficiency:      efficiency,
	}
}

func groupByAspect(results []WorkerResult) map[string][]Finding {
	byAspect := make(map[string][]Finding)
	for _, r := range results {
		for _, f := range r.Findings {
			f.SourceAgent = r.AgentID
			if f.SourceSuccessRate == 0 {
				f.SourceSuccessRate = r.SuccessRate
			}
			byAspect[f.Aspect] = append(byAspect[f.Aspect], f)
		}
	}
	return byAspect
}

func sortedKeys(m map[string][]Finding) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// resolve picks the highest-scoring finding as the winner and returns the
// rest as preserved dissent. resolved is false when the top two findings tie
// on score — an ambiguous disagreement synthesis cannot break on its own and
// reports up through the consistency metric instead.
func resolve(findings []Finding) (winner Finding, rest []Finding, resolved bool) {
	best := 0
	for i, f := range findings[1:] {
		if f.score() > findings[best].score() {
			best = i + 1
		}
	}
	winner = findings[best]
	resolved = true
	for i, f := range findings {
		if i == best {
			continue
		}
		if f.score() == winner.score() {
			resolved = false
		}
		rest = append(rest, f)
	}
	return winner, rest, resolved
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func computeEfficiency(results []WorkerResult, wallTime time.Duration) EfficiencyMetrics {
	if wallTime <= 0 || len(results) == 0 {
		return EfficiencyMetrics{}
	}
	var sumDur time.Duration
	for _, r := range results {
		sumDur += r.Duration
	}
	n := float64(len(results))
	parallelEfficiency := float64(sumDur) / (n * float64(wallTime))
	timeReduction := 1 - float64(wallTime)/float64(sumDur)
	return EfficiencyMetrics{
		ParallelEfficiency: parallelEfficiency,
		TimeReduction:      timeReduction,
	}
}

func summarize(aspects []string, findings []Finding) string {
	byAspect := make(map[string][]string, len(aspects))
	for _, f := range findings {
		byAspect[f.Aspect] = append(byAspect[f.Aspect], f.Content)
	}
	var b strings.Builder
	for _, aspect := range aspects {
		contents := byAspect[aspect]
		if len(contents) == 0 {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", aspect, strings.Join(contents, "; "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func recommend(findings []Finding) []Recommendation {
	recs := make([]Recommendation, 0, len(findings))
	for _, f := range findings {
		recs = append(recs, Recommendation{
			Content:              f.Content,
			Confidence:           f.Confidence,
			Impact:               f.Impact,
			Rationale:            fmt.Sprintf("supported by finding %s on aspect %q", f.ID, f.Aspect),
			SupportingFindingIDs: []string{f.ID},
		})
	}
	sort.Slice(recs, func(i, j int) bool {
		si := recs[i].Confidence*0.6 + recs[i].Impact*0.4
		sj := recs[j].Confidence*0.6 + recs[j].Impact*0.4
		return si > sj
	})
	return recs
}
