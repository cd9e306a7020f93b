// Package tracking stitches detections in consecutive images of an event
// into chains and materializes each chain as one occurrence.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ami-platform/ami-jobs/app/metrics"
)

// ErrEventNotReady means an event does not meet the preconditions for tracking
var ErrEventNotReady = errors.New("event not ready for tracking")

// Image is one source image of an event with its detections
type Image struct {
	ID         int64       `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// Event is a monitoring session: images ordered by time
type Event struct {
	ID     int64   `json:"id"`
	Images []Image `json:"images"`
}

// Store is the persistence the tracker needs
type Store interface {
	// LoadEvent returns the event with every image, detection and feature
	// vector, or nil if the event does not exist.
	LoadEvent(ctx context.Context, eventID int64) (*Event, error)
	// HasHumanIdentifications reports whether any occurrence in the event
	// carries a human identification.
	HasHumanIdentifications(ctx context.Context, eventID int64) (bool, error)
	// SaveLinks persists the successor of every detection id in next; 0
	// clears the link.
	SaveLinks(ctx context.Context, eventID int64, next map[int64]int64) error
	// ReplaceOccurrence deletes occurrences previously owned by the
	// detections, creates a new one and assigns the detections to it.
	ReplaceOccurrence(ctx context.Context, eventID int64, detectionIDs []int64) (int64, error)
}

// Config tunes the tracker
type Config struct {
	CostThreshold float64 `json:"cost_threshold"`
	// FeatureAlgorithm selects the feature vectors to compare. Empty picks
	// the algorithm with the most vectors in the event.
	FeatureAlgorithm string `json:"feature_extraction_algorithm,omitempty"`
}

// Report summarizes one tracking pass
type Report struct {
	EventID     int64   `json:"event_id"`
	Algorithm   string  `json:"algorithm"`
	Images      int     `json:"images"`
	Detections  int     `json:"detections"`
	Links       int     `json:"links"`
	Occurrences []int64 `json:"occurrences"`
}

type Tracker struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewTracker(store Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if cfg.CostThreshold <= 0 {
		cfg.CostThreshold = DefaultCostThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, cfg: cfg, logger: logger, metrics: m}
}

// TrackEvent links detections across consecutive images of the event and
// replaces its occurrences with one per chain.
func (t *Tracker) TrackEvent(ctx context.Context, eventID int64) (*Report, error) {
	event, err := t.store.LoadEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %d: %w", eventID, err)
	}
	if event == nil {
		return nil, fmt.Errorf("event %d not found", eventID)
	}

	human, err := t.store.HasHumanIdentifications(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to check identifications for event %d: %w", eventID, err)
	}
	if human {
		return nil, fmt.Errorf("%w: event %d has human identifications", ErrEventNotReady, eventID)
	}

	algorithm := t.cfg.FeatureAlgorithm
	if algorithm == "" {
		algorithm = MostCommonAlgorithm(event)
	}
	if algorithm == "" {
		return nil, fmt.Errorf("%w: event %d has no feature vectors", ErrEventNotReady, eventID)
	}
	if img, ok := missingFeatures(event, algorithm); ok {
		return nil, fmt.Errorf("%w: image %d has no detection with %s features", ErrEventNotReady, img, algorithm)
	}

	images := sortedImages(event)
	var all []Detection
	var order []int64
	for _, img := range images {
		for _, d := range img.Detections {
			d.ImageID = img.ID
			all = append(all, d)
			order = append(order, d.ID)
		}
	}
	arena, err := NewArena(all)
	if err != nil {
		return nil, err
	}

	report := &Report{EventID: eventID, Algorithm: algorithm, Images: len(images), Detections: arena.Len()}
	for i := 0; i+1 < len(images); i++ {
		cur := arenaDetections(arena, images[i])
		next := arenaDetections(arena, images[i+1])
		pairs := PairDetections(cur, next, algorithm, diagonal(images[i], images[i+1]), t.cfg.CostThreshold)
		if err := LinkPairs(arena, pairs); err != nil {
			return nil, err
		}
		report.Links += len(pairs)
	}

	links := make(map[int64]int64, arena.Len())
	for _, d := range arena.Detections() {
		links[d.ID] = d.NextID
	}
	if err := t.store.SaveLinks(ctx, eventID, links); err != nil {
		return nil, fmt.Errorf("failed to save links for event %d: %w", eventID, err)
	}

	for _, chain := range BuildChains(arena, order) {
		occID, err := t.store.ReplaceOccurrence(ctx, eventID, chain)
		if err != nil {
			return nil, fmt.Errorf("failed to create occurrence for event %d: %w", eventID, err)
		}
		for _, id := range chain {
			arena.Get(id).OccurrenceID = occID
		}
		report.Occurrences = append(report.Occurrences, occID)
	}
	t.metrics.ChainCreated(len(report.Occurrences))

	t.logger.Info("tracked event",
		"event_id", eventID,
		"algorithm", algorithm,
		"images", report.Images,
		"detections", report.Detections,
		"links", report.Links,
		"occurrences", len(report.Occurrences),
	)
	return report, nil
}

// ClearEvent removes every chain link in the event so the next TrackEvent
// starts from scratch.
func (t *Tracker) ClearEvent(ctx context.Context, eventID int64) error {
	event, err := t.store.LoadEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load event %d: %w", eventID, err)
	}
	if event == nil {
		return nil
	}
	links := map[int64]int64{}
	for _, img := range event.Images {
		for _, d := range img.Detections {
			links[d.ID] = 0
		}
	}
	return t.store.SaveLinks(ctx, eventID, links)
}

// MostCommonAlgorithm returns the feature algorithm with the most vectors in
// the event. Ties go to the lexicographically smallest key.
func MostCommonAlgorithm(event *Event) string {
	counts := map[string]int{}
	for _, img := range event.Images {
		for _, d := range img.Detections {
			for alg, f := range d.Features {
				if len(f) > 0 {
					counts[alg]++
				}
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

// missingFeatures returns the first image without a detection carrying
// features for algorithm.
func missingFeatures(event *Event, algorithm string) (int64, bool) {
	for _, img := range sortedImages(event) {
		found := false
		for _, d := range img.Detections {
			if len(d.Features[algorithm]) > 0 {
				found = true
				break
			}
		}
		if !found {
			return img.ID, true
		}
	}
	return 0, false
}

func sortedImages(event *Event) []Image {
	images := append([]Image(nil), event.Images...)
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Timestamp.Equal(images[j].Timestamp) {
			return images[i].ID < images[j].ID
		}
		return images[i].Timestamp.Before(images[j].Timestamp)
	})
	return images
}

func arenaDetections(a *Arena, img Image) []*Detection {
	out := make([]*Detection, 0, len(img.Detections))
	for _, d := range img.Detections {
		if ad := a.Get(d.ID); ad != nil {
			out = append(out, ad)
		}
	}
	return out
}

// diagonal of the image pair, falling back to the extent of the boxes when
// image dimensions are unknown.
func diagonal(a, b Image) float64 {
	w := math.Max(float64(a.Width), float64(b.Width))
	h := math.Max(float64(a.Height), float64(b.Height))
	if w > 0 && h > 0 {
		return math.Hypot(w, h)
	}
	var maxX, maxY float64
	for _, img := range []Image{a, b} {
		for _, d := range img.Detections {
			maxX = math.Max(maxX, d.BBox.X2)
			maxY = math.Max(maxY, d.BBox.Y2)
		}
	}
	return math.Hypot(maxX, maxY)
}
