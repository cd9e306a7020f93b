package tracking

import "math"

// BBox is a box in absolute pixel coordinates with X1 < X2 and Y1 < Y2
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return math.Max(0, b.X2-b.X1) }
func (b BBox) Height() float64 { return math.Max(0, b.Y2-b.Y1) }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

func (b BBox) Centroid() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Valid reports whether the box has positive extent
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// CosineSimilarity of two feature vectors, clamped to [0, 1]. Vectors of
// different length or zero norm have similarity 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return clamp01(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// IoU is the intersection over union of two boxes
func IoU(a, b BBox) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return clamp01(inter / union)
}

// SizeRatio is the smaller box area divided by the larger one
func SizeRatio(a, b BBox) float64 {
	aa, ab := a.Area(), b.Area()
	if aa <= 0 || ab <= 0 {
		return 0
	}
	return math.Min(aa, ab) / math.Max(aa, ab)
}

// CentroidDistance is the distance between box centres divided by the image
// diagonal. A non-positive diagonal leaves the distance unnormalized.
func CentroidDistance(a, b BBox, diagonal float64) float64 {
	ax, ay := a.Centroid()
	bx, by := b.Centroid()
	d := math.Hypot(ax-bx, ay-by)
	if diagonal <= 0 {
		return d
	}
	return d / diagonal
}

// Cost scores how unlikely it is that two detections in consecutive images
// are the same individual. Identical crops at the same spot cost 0.
func Cost(f1, f2 []float64, b1, b2 BBox, diagonal float64) float64 {
	return (1 - CosineSimilarity(f1, f2)) +
		(1 - IoU(b1, b2)) +
		(1 - SizeRatio(b1, b2)) +
		CentroidDistance(b1, b2, diagonal)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
