package tracking

import (
	"fmt"
	"time"
)

// Detection is one box in one image. Chain links are detection ids, with 0
// meaning no link.
type Detection struct {
	ID           int64                `json:"id"`
	ImageID      int64                `json:"image_id"`
	BBox         BBox                 `json:"bbox"`
	Timestamp    time.Time            `json:"timestamp"`
	NextID       int64                `json:"next_id,omitempty"`
	PrevID       int64                `json:"prev_id,omitempty"`
	OccurrenceID int64                `json:"occurrence_id,omitempty"`
	Features     map[string][]float64 `json:"features,omitempty"`
}

// Arena owns a set of detections addressed by id
type Arena struct {
	items []Detection
	index map[int64]int
}

// NewArena copies dets into an arena. Links to ids outside the arena are dropped.
func NewArena(dets []Detection) (*Arena, error) {
	a := &Arena{items: make([]Detection, len(dets)), index: make(map[int64]int, len(dets))}
	copy(a.items, dets)
	for i, d := range a.items {
		if _, dup := a.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate detection id %d", d.ID)
		}
		a.index[d.ID] = i
	}
	// Predecessors are derived from successors so both directions agree
	for i := range a.items {
		d := &a.items[i]
		d.PrevID = 0
		if _, ok := a.index[d.NextID]; !ok || d.NextID == d.ID {
			d.NextID = 0
		}
	}
	for i := range a.items {
		if next := a.items[i].NextID; next != 0 {
			n := a.Get(next)
			if n.PrevID != 0 {
				// a second predecessor; keep the first seen
				a.items[i].NextID = 0
				continue
			}
			n.PrevID = a.items[i].ID
		}
	}
	return a, nil
}

// Get returns the detection with id, or nil
func (a *Arena) Get(id int64) *Detection {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	return &a.items[i]
}

func (a *Arena) Len() int { return len(a.items) }

// Detections returns copies of all detections in insertion order
func (a *Arena) Detections() []Detection {
	out := make([]Detection, len(a.items))
	copy(out, a.items)
	return out
}

// Link makes next the successor of cur. Any previous successor of cur and
// any previous predecessor of next are unlinked first so both detections keep
// at most one link in each direction.
func (a *Arena) Link(curID, nextID int64) error {
	cur, next := a.Get(curID), a.Get(nextID)
	if cur == nil || next == nil {
		return fmt.Errorf("cannot link unknown detections %d -> %d", curID, nextID)
	}
	if curID == nextID {
		return fmt.Errorf("cannot link detection %d to itself", curID)
	}
	if next.PrevID != 0 && next.PrevID != curID {
		if stale := a.Get(next.PrevID); stale != nil {
			stale.NextID = 0
		}
	}
	if cur.NextID != 0 && cur.NextID != nextID {
		if stale := a.Get(cur.NextID); stale != nil {
			stale.PrevID = 0
		}
	}
	cur.NextID = nextID
	next.PrevID = curID
	return nil
}

// ClearLinks removes every chain link in the arena
func (a *Arena) ClearLinks() {
	for i := range a.items {
		a.items[i].NextID = 0
		a.items[i].PrevID = 0
	}
}

// LinkPairs applies each pair as a link
func LinkPairs(a *Arena, pairs []Pair) error {
	for _, p := range pairs {
		if err := a.Link(p.Current, p.Next); err != nil {
			return err
		}
	}
	return nil
}

// BuildChains walks every chain head in order and returns each chain's ids
// from head to tail. order lists detection ids in time order; detections not
// in order follow in arena order.
func BuildChains(a *Arena, order []int64) [][]int64 {
	seen := make(map[int64]bool, a.Len())
	ordered := make([]int64, 0, a.Len())
	for _, id := range order {
		if a.Get(id) != nil && !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	for _, d := range a.items {
		if !seen[d.ID] {
			seen[d.ID] = true
			ordered = append(ordered, d.ID)
		}
	}

	visited := make(map[int64]bool, a.Len())
	var chains [][]int64
	walk := func(head int64) {
		var chain []int64
		for id := head; id != 0 && !visited[id]; id = a.Get(id).NextID {
			visited[id] = true
			chain = append(chain, id)
		}
		if len(chain) > 0 {
			chains = append(chains, chain)
		}
	}

	for _, id := range ordered {
		if a.Get(id).PrevID == 0 {
			walk(id)
		}
	}
	// Anything left sits on a cycle; break it at the earliest detection
	for _, id := range ordered {
		if !visited[id] {
			walk(id)
		}
	}
	return chains
}
