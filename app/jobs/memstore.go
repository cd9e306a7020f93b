package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store backed by a map, used in tests
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[int64]*Job{}, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	job.ID = s.nextID
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	stored, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(job)
}

func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, job.ID)
	}
	job.UpdatedAt = s.now()
	stored, err := cloneJob(job)
	if err != nil {
		return err
	}
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	job, err := cloneJob(stored)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = s.now()
	if s.jobs[id], err = cloneJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *MemoryStore) ListStale(_ context.Context, statuses []Status, cutoff time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.jobs {
		if !slices.Contains(statuses, job.Status) || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		c, err := cloneJob(job)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// Delete removes a job, simulating deletion while work is in flight
func (s *MemoryStore) Delete(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Backdate moves a job's last update into the past
func (s *MemoryStore) Backdate(id int64, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.UpdatedAt = job.UpdatedAt.Add(-by)
	}
}

func cloneJob(job *Job) (*Job, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job %d: %w", job.ID, err)
	}
	var out Job
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to copy job %d: %w", job.ID, err)
	}
	return &out, nil
}
