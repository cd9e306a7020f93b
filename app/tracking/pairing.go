package tracking

import "sort"

const DefaultCostThreshold = 2.0

// Pair is a candidate match between a detection and one in the next image
type Pair struct {
	Current int64   `json:"current"`
	Next    int64   `json:"next"`
	Cost    float64 `json:"cost"`
}

// CandidatePairs scores every detection in current against every detection
// in next that both carry a feature vector for algorithm, keeping pairs whose
// cost is below threshold. Pairs are returned in ascending cost; equal costs
// keep their insertion order.
func CandidatePairs(current, next []*Detection, algorithm string, diagonal, threshold float64) []Pair {
	var pairs []Pair
	for _, c := range current {
		fc, ok := c.Features[algorithm]
		if !ok || len(fc) == 0 {
			continue
		}
		for _, n := range next {
			fn, ok := n.Features[algorithm]
			if !ok || len(fn) == 0 {
				continue
			}
			cost := Cost(fc, fn, c.BBox, n.BBox, diagonal)
			if cost < threshold {
				pairs = append(pairs, Pair{Current: c.ID, Next: n.ID, Cost: cost})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Cost < pairs[j].Cost })
	return pairs
}

// AssignGreedy walks pairs in order and keeps each pair whose endpoints are
// both still unclaimed. This approximates a minimum cost matching.
func AssignGreedy(pairs []Pair) []Pair {
	claimedCur := make(map[int64]bool)
	claimedNext := make(map[int64]bool)
	var out []Pair
	for _, p := range pairs {
		if claimedCur[p.Current] || claimedNext[p.Next] {
			continue
		}
		claimedCur[p.Current] = true
		claimedNext[p.Next] = true
		out = append(out, p)
	}
	return out
}

// PairDetections is CandidatePairs followed by AssignGreedy
func PairDetections(current, next []*Detection, algorithm string, diagonal, threshold float64) []Pair {
	if threshold <= 0 {
		threshold = DefaultCostThreshold
	}
	return AssignGreedy(CandidatePairs(current, next, algorithm, diagonal, threshold))
}
