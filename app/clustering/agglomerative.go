package clustering

import (
	"encoding/json"
	"fmt"
	"math"
)

const AgglomerativeName = "agglomerative"

const (
	LinkageSingle   = "single"
	LinkageComplete = "complete"
	LinkageAverage  = "average"

	MetricCosine    = "cosine"
	MetricEuclidean = "euclidean"
)

// AgglomerativeParams configure bottom-up hierarchical clustering. Merging
// stops once the closest pair of clusters is farther apart than
// DistanceThreshold, or when NClusters clusters remain if it is set.
type AgglomerativeParams struct {
	DistanceThreshold float64 `json:"distance_threshold"`
	NClusters         int     `json:"n_clusters,omitempty"`
	Linkage           string  `json:"linkage"`
	Metric            string  `json:"metric"`
}

// DefaultAgglomerativeParams are used for fields left unset
var DefaultAgglomerativeParams = AgglomerativeParams{
	DistanceThreshold: 0.5,
	Linkage:           LinkageAverage,
	Metric:            MetricCosine,
}

type Agglomerative struct {
	params AgglomerativeParams
}

func NewAgglomerative(p AgglomerativeParams) (*Agglomerative, error) {
	if p.Linkage == "" {
		p.Linkage = DefaultAgglomerativeParams.Linkage
	}
	if p.Metric == "" {
		p.Metric = DefaultAgglomerativeParams.Metric
	}
	if p.DistanceThreshold <= 0 && p.NClusters <= 0 {
		p.DistanceThreshold = DefaultAgglomerativeParams.DistanceThreshold
	}
	switch p.Linkage {
	case LinkageSingle, LinkageComplete, LinkageAverage:
	default:
		return nil, fmt.Errorf("unsupported linkage %q", p.Linkage)
	}
	switch p.Metric {
	case MetricCosine, MetricEuclidean:
	default:
		return nil, fmt.Errorf("unsupported metric %q", p.Metric)
	}
	return &Agglomerative{params: p}, nil
}

func newAgglomerativeFromParams(raw json.RawMessage) (Clusterer, error) {
	var p AgglomerativeParams
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to parse agglomerative params: %w", err)
		}
	}
	return NewAgglomerative(p)
}

func (a *Agglomerative) Name() string { return AgglomerativeName }

func (a *Agglomerative) Params() AgglomerativeParams { return a.params }

// Cluster merges the closest pair of clusters until the stop condition holds.
// Labels are numbered in order of each cluster's first row.
func (a *Agglomerative) Cluster(features [][]float64) ([]int, error) {
	n := len(features)
	if n == 0 {
		return nil, nil
	}
	dim := len(features[0])
	for i, f := range features {
		if len(f) != dim {
			return nil, fmt.Errorf("feature row %d has %d dimensions, expected %d", i, len(f), dim)
		}
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := a.distance(features[i], features[j])
			dist[i][j], dist[j][i] = d, d
		}
	}

	// parent[i] is the cluster row i was merged into, or i while active
	parent := make([]int, n)
	size := make([]int, n)
	active := make([]bool, n)
	for i := range parent {
		parent[i], size[i], active[i] = i, 1, true
	}
	remaining := n

	for remaining > 1 {
		if a.params.NClusters > 0 && remaining <= a.params.NClusters {
			break
		}
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && dist[i][j] < best {
					bi, bj, best = i, j, dist[i][j]
				}
			}
		}
		if a.params.NClusters <= 0 && best > a.params.DistanceThreshold {
			break
		}

		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			d := a.link(dist[bi][k], dist[bj][k], size[bi], size[bj])
			dist[bi][k], dist[k][bi] = d, d
		}
		size[bi] += size[bj]
		active[bj] = false
		parent[bj] = bi
		remaining--
	}

	labels := make([]int, n)
	seen := map[int]int{}
	for i := range labels {
		root := i
		for parent[root] != root {
			root = parent[root]
		}
		label, ok := seen[root]
		if !ok {
			label = len(seen)
			seen[root] = label
		}
		labels[i] = label
	}
	return labels, nil
}

// link is the Lance-Williams update for the merged cluster
func (a *Agglomerative) link(di, dj float64, ni, nj int) float64 {
	switch a.params.Linkage {
	case LinkageSingle:
		return math.Min(di, dj)
	case LinkageComplete:
		return math.Max(di, dj)
	default:
		return (float64(ni)*di + float64(nj)*dj) / float64(ni+nj)
	}
}

func (a *Agglomerative) distance(x, y []float64) float64 {
	if a.params.Metric == MetricEuclidean {
		var sum float64
		for i := range x {
			d := x[i] - y[i]
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	var dot, nx, ny float64
	for i := range x {
		dot += x[i] * y[i]
		nx += x[i] * x[i]
		ny += y[i] * y[i]
	}
	if nx == 0 || ny == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(nx)*math.Sqrt(ny))
}
