package synthesis

import "strings"

// dedupe merges findings within one aspect whose textual similarity exceeds
// dedupSimilarityThreshold, keeping the highest-scoring member (confidence ×
// source success rate, see Finding.score) of each cluster. The rest are folded in, not discarded: they already contributed
// to the redundancy count before this call returns its survivors.
func dedupe(findings []Finding) []Finding {
	if len(findings) <= 1 {
		return findings
	}

	tokenized := make([]map[string]struct{}, len(findings))
	for i, f := range findings {
		tokenized[i] = tokenize(f.Content)
	}

	assigned := make([]bool, len(findings))
	var clusters [][]int
	for i := range findings {
		if assigned[i] {
			continue
		}
		cluster := []int{i}
		assigned[i] = true
		for j := i + 1; j < len(findings); j++ {
			if assigned[j] {
				continue
			}
			if jaccard(tokenized[i], tokenized[j]) >= dedupSimilarityThreshold {
				cluster = append(cluster, j)
				assigned[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}

	out := make([]Finding, 0, len(clusters))
	for _, cluster := range clusters {
		best := cluster[0]
		for _, idx := range cluster[1:] {
			if findings[idx].score() > findings[best].score() {
				best = idx
			}
		}
		out = append(out, findings[best])
	}
	return out
}

func tokenize(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
