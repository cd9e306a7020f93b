package orchestration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Result is a worker's outcome for one task: *SuccessResult or *ErrorResult
type Result interface {
	// ImageIDs are the source images the result resolves
	ImageIDs() []string
	isResult()
}

// BBox is a bounding box in absolute pixel coordinates
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// ClassificationResult is one classifier's output for a detection
type ClassificationResult struct {
	Taxon     string    `json:"classification"`
	Labels    []string  `json:"labels,omitempty"`
	Scores    []float64 `json:"scores,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Algorithm string    `json:"algorithm"`
	Terminal  bool      `json:"terminal"`
	Features  []float64 `json:"features,omitempty"`
	OODScore  *float64  `json:"ood_score,omitempty"`
}

// TopScore is Score, or the best of Scores when Score is unset
func (c ClassificationResult) TopScore() float64 {
	if c.Score != 0 || len(c.Scores) == 0 {
		return c.Score
	}
	best := c.Scores[0]
	for _, s := range c.Scores[1:] {
		best = max(best, s)
	}
	return best
}

type DetectionResult struct {
	SourceImageID   string                 `json:"source_image_id"`
	BBox            BBox                   `json:"bbox"`
	Algorithm       string                 `json:"algorithm"`
	CropImageURL    string                 `json:"crop_image_url,omitempty"`
	Classifications []ClassificationResult `json:"classifications"`
}

type SourceImageRef struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// SuccessResult carries the detections found in the processed images
type SuccessResult struct {
	Pipeline     string            `json:"pipeline"`
	SourceImages []SourceImageRef  `json:"source_images"`
	Detections   []DetectionResult `json:"detections"`
	TotalTime    float64           `json:"total_time,omitempty"`
}

func (r *SuccessResult) ImageIDs() []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, img := range r.SourceImages {
		add(img.ID)
	}
	for _, d := range r.Detections {
		add(d.SourceImageID)
	}
	return ids
}

// Validate checks every detection references one of the result's images and
// has a well formed box
func (r *SuccessResult) Validate() error {
	ids := r.ImageIDs()
	if len(ids) == 0 {
		return errors.New("result references no source image")
	}
	for _, id := range ids {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return fmt.Errorf("invalid source image id %q", id)
		}
	}
	for i, d := range r.Detections {
		if d.BBox.X1 >= d.BBox.X2 || d.BBox.Y1 >= d.BBox.Y2 {
			return fmt.Errorf("detection %d has an invalid bounding box", i)
		}
	}
	return nil
}

func (*SuccessResult) isResult() {}

// ErrorResult reports a failure. ImageID is nil when the worker could not
// attribute the error to an image.
type ErrorResult struct {
	Error   string  `json:"error"`
	ImageID *string `json:"image_id"`
}

func (r *ErrorResult) ImageIDs() []string {
	if r.ImageID == nil || *r.ImageID == "" {
		return nil
	}
	return []string{*r.ImageID}
}

func (*ErrorResult) isResult() {}

// ParseResult decodes a worker payload into its concrete result type. A
// payload with a non-null "error" key is an error result.
func ParseResult(raw []byte) (Result, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("empty result payload")
	}
	var shape struct {
		Error   *string         `json:"error"`
		ImageID json.RawMessage `json:"image_id"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}

	if shape.Error != nil {
		res := &ErrorResult{Error: *shape.Error}
		id, err := flexibleID(shape.ImageID)
		if err != nil {
			return nil, err
		}
		res.ImageID = id
		return res, nil
	}

	var res SuccessResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode success result: %w", err)
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return &res, nil
}

// flexibleID accepts an image id sent as a JSON string or number
func flexibleID(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("invalid image_id %s", raw)
	}
	s = n.String()
	return &s, nil
}
