package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"fileconverter/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// JobStore holds conversion job records. Jobs still queued or processing
// live in a plain map and are never evicted; once terminal they move into a
// size and TTL bounded LRU. Callers always receive copies.
type JobStore struct {
	mu        sync.RWMutex
	active    map[string]*models.ConversionJob
	finished  *expirable.LRU[string, models.ConversionJob]
	retention time.Duration
	now       func() time.Time
}

func NewJobStore(maxFinished int, retention time.Duration) *JobStore {
	if maxFinished <= 0 {
		maxFinished = 10000
	}
	return &JobStore{
		active:    make(map[string]*models.ConversionJob),
		finished:  expirable.NewLRU[string, models.ConversionJob](maxFinished, nil, retention),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a new job record.
func (s *JobStore) Create(job models.ConversionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if s.finished.Contains(job.ID) {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.active[job.ID] = &job
	return nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(id string) (models.ConversionJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if job, ok := s.active[id]; ok {
		return *job, true
	}
	return s.finished.Peek(id)
}

// Transition applies a status change and returns the updated snapshot.
// Terminal records are moved out of the active set.
func (s *JobStore) Transition(id string, to models.JobStatus, errMsg string) (models.ConversionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.active[id]
	if !ok {
		if done, ok := s.finished.Peek(id); ok {
			return done, fmt.Errorf("job %s already %s", id, done.Status)
		}
		return models.ConversionJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err := job.Transition(to, errMsg, s.now()); err != nil {
		return *job, err
	}
	if job.Status.IsTerminal() {
		delete(s.active, id)
		s.finished.Add(id, *job)
	}
	return *job, nil
}

// Sweep removes finished records completed more than the retention ago and
// returns how many were dropped. The LRU also expires them lazily; this
// makes removal deterministic for the retention loop.
func (s *JobStore) Sweep() int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range s.finished.Keys() {
		job, ok := s.finished.Peek(id)
		if ok && job.CompletedAt.Before(cutoff) {
			s.finished.Remove(id)
			removed++
		}
	}
	return removed
}

// Counts returns the number of records per status.
func (s *JobStore) Counts() map[models.JobStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int, 4)
	for _, job := range s.active {
		counts[job.Status]++
	}
	for _, job := range s.finished.Values() {
		counts[job.Status]++
	}
	return counts
}
