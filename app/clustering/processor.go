// Package clustering groups out-of-distribution detections of a collection
// by feature similarity and proposes a placeholder taxon for every group.
package clustering

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ami-platform/ami-jobs/app/metrics"
)

const (
	DefaultOODThreshold = 1.0
	// SyntheticScore is the confidence of classifications created from clusters
	SyntheticScore = 1.0
)

// ErrNotEnoughDetections means fewer than two detections could be clustered
var ErrNotEnoughDetections = errors.New("not enough detections to cluster")

// Detection is a detection with its occurrence's OOD score and feature vectors
type Detection struct {
	ID           int64                `json:"id"`
	OccurrenceID int64                `json:"occurrence_id"`
	OODScore     float64              `json:"ood_score"`
	Features     map[string][]float64 `json:"features"`
}

// Classification is the synthetic classification linking a detection to a
// cluster's placeholder taxon
type Classification struct {
	DetectionID int64   `json:"detection_id"`
	TaxonID     int64   `json:"taxon_id"`
	Score       float64 `json:"score"`
	Algorithm   string  `json:"algorithm"`
}

type Store interface {
	// OODDetections returns the collection's detections whose occurrence
	// determination has an OOD score above threshold.
	OODDetections(ctx context.Context, collectionID int64, threshold float64) ([]Detection, error)
	CreatePlaceholderTaxon(ctx context.Context, name string) (int64, error)
	AddClassifications(ctx context.Context, classifications []Classification) error
	// UpdateDeterminations recomputes the determination of each occurrence
	// from its classifications.
	UpdateDeterminations(ctx context.Context, occurrenceIDs []int64) error
}

type Config struct {
	OODThreshold     float64         `json:"ood_threshold"`
	FeatureAlgorithm string          `json:"feature_extraction_algorithm,omitempty"`
	Algorithm        string          `json:"algorithm"`
	AlgorithmParams  json.RawMessage `json:"algorithm_kwargs,omitempty"`
	// Label distinguishes placeholder taxa from different runs, typically the job id
	Label string `json:"-"`
}

// Cluster is one group of detections and the taxon created for it
type Cluster struct {
	TaxonID      int64   `json:"taxon_id"`
	TaxonName    string  `json:"taxon_name"`
	DetectionIDs []int64 `json:"detection_ids"`
}

type Report struct {
	CollectionID     int64     `json:"collection_id"`
	FeatureAlgorithm string    `json:"feature_extraction_algorithm"`
	Algorithm        string    `json:"algorithm"`
	Detections       int       `json:"detections"`
	Clusters         []Cluster `json:"clusters"`
	Occurrences      int       `json:"occurrences"`
}

type Processor struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewProcessor(store Store, logger *slog.Logger, m *metrics.Metrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, logger: logger, metrics: m}
}

// Run clusters the collection's OOD detections and records one placeholder
// taxon per cluster.
func (p *Processor) Run(ctx context.Context, collectionID int64, cfg Config) (*Report, error) {
	if cfg.OODThreshold == 0 {
		cfg.OODThreshold = DefaultOODThreshold
	}
	cfg.Algorithm = cmp.Or(cfg.Algorithm, AgglomerativeName)

	clusterer, err := New(cfg.Algorithm, cfg.AlgorithmParams)
	if err != nil {
		return nil, err
	}

	dets, err := p.store.OODDetections(ctx, collectionID, cfg.OODThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to load detections for collection %d: %w", collectionID, err)
	}

	algorithm := cmp.Or(cfg.FeatureAlgorithm, MostUsedAlgorithm(dets))
	var rows []Detection
	var matrix [][]float64
	for _, d := range dets {
		f := d.Features[algorithm]
		if len(f) == 0 {
			continue
		}
		if len(matrix) > 0 && len(f) != len(matrix[0]) {
			p.logger.Warn("skipping detection with mismatched feature size",
				"detection_id", d.ID, "size", len(f), "expected", len(matrix[0]))
			continue
		}
		rows = append(rows, d)
		matrix = append(matrix, f)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%w: collection %d has %d detections with %q features above OOD threshold %g",
			ErrNotEnoughDetections, collectionID, len(rows), algorithm, cfg.OODThreshold)
	}

	labels, err := clusterer.Cluster(matrix)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster collection %d: %w", collectionID, err)
	}

	groups := map[int][]Detection{}
	var order []int
	for i, label := range labels {
		if label < 0 {
			continue
		}
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], rows[i])
	}

	report := &Report{
		CollectionID:     collectionID,
		FeatureAlgorithm: algorithm,
		Algorithm:        clusterer.Name(),
		Detections:       len(rows),
	}
	occurrences := map[int64]bool{}
	for n, label := range order {
		name := TaxonName(collectionID, cfg.Label, n+1)
		taxonID, err := p.store.CreatePlaceholderTaxon(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create taxon %q: %w", name, err)
		}
		cluster := Cluster{TaxonID: taxonID, TaxonName: name}
		classifications := make([]Classification, 0, len(groups[label]))
		for _, d := range groups[label] {
			cluster.DetectionIDs = append(cluster.DetectionIDs, d.ID)
			classifications = append(classifications, Classification{
				DetectionID: d.ID,
				TaxonID:     taxonID,
				Score:       SyntheticScore,
				Algorithm:   clusterer.Name(),
			})
			if d.OccurrenceID != 0 {
				occurrences[d.OccurrenceID] = true
			}
		}
		if err := p.store.AddClassifications(ctx, classifications); err != nil {
			return nil, fmt.Errorf("failed to classify cluster %q: %w", name, err)
		}
		report.Clusters = append(report.Clusters, cluster)
	}

	occIDs := make([]int64, 0, len(occurrences))
	for id := range occurrences {
		occIDs = append(occIDs, id)
	}
	slices.Sort(occIDs)
	if len(occIDs) > 0 {
		if err := p.store.UpdateDeterminations(ctx, occIDs); err != nil {
			return nil, fmt.Errorf("failed to update determinations: %w", err)
		}
	}
	report.Occurrences = len(occIDs)
	p.metrics.ClusterCreated(len(report.Clusters))

	p.logger.Info("clustered detections",
		"collection_id", collectionID,
		"feature_algorithm", algorithm,
		"algorithm", clusterer.Name(),
		"detections", len(rows),
		"clusters", len(report.Clusters),
	)
	return report, nil
}

// TaxonName names the placeholder taxon for the n-th cluster of a run
func TaxonName(collectionID int64, label string, n int) string {
	if label == "" {
		return fmt.Sprintf("Unknown species cluster %d (collection %d)", n, collectionID)
	}
	return fmt.Sprintf("Unknown species cluster %d (collection %d, %s)", n, collectionID, label)
}

// MostUsedAlgorithm returns the feature algorithm present on the most
// detections, breaking ties by name.
func MostUsedAlgorithm(dets []Detection) string {
	counts := map[string]int{}
	for _, d := range dets {
		for alg, f := range d.Features {
			if len(f) > 0 {
				counts[alg]++
			}
		}
	}
	best, bestN := "", 0
	for alg, n := range counts {
		if n > bestN || (n == bestN && alg < best) {
			best, bestN = alg, n
		}
	}
	return best
}
