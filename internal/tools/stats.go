package tools

import "time"

// BatchStats is the reporting §4.14 requires per batch: a sequential time
// estimate (as if every call ran one after another), the actual
// stage-parallel time, the percentage saved by running in stages, and
// success/failure counts.
type BatchStats struct {
	SequentialEstimate time.Duration
	ParallelTime       time.Duration
	SavedPercent       float64
	SuccessCount       int
	FailureCount       int
	UpstreamSkipped    int
}

func computeStats(outcomes map[string]Outcome, stageDurations []time.Duration) BatchStats {
	var stats BatchStats
	for _, oc := range outcomes {
		stats.SequentialEstimate += oc.Duration
		switch oc.Status {
		case Succeeded:
			stats.SuccessCount++
		case Failed:
			stats.FailureCount++
		case UpstreamFail:
			stats.UpstreamSkipped++
		}
	}
	for _, d := range stageDurations {
		stats.ParallelTime += d
	}
	if stats.SequentialEstimate > 0 {
		saved := stats.SequentialEstimate - stats.ParallelTime
		if saved < 0 {
			saved = 0
		}
		stats.SavedPercent = 100 * float64(saved) / float64(stats.SequentialEstimate)
	}
	return stats
}
