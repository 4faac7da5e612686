// Package store holds the in-memory registry of jobs and their tasks.
//
// Every mutation of a job or one of its tasks happens under that job's
// lock, so counters and task rows stay consistent while many task units
// run in parallel. Entries live for the life of the process unless they are
// deleted or pruned explicitly.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sku-render-pipeline/internal/models"
)

// JobStore maps job IDs to their records
type JobStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	onChange func(jobID string)
}

// New creates an empty JobStore
func New() *JobStore {
	return &JobStore{records: make(map[string]*Record)}
}

// SetOnChange registers a callback fired after every job or task mutation.
// It runs outside the job lock.
func (s *JobStore) SetOnChange(fn func(jobID string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *JobStore) notify(jobID string) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(jobID)
	}
}

// Create registers a job with one pending task per descriptor, in input order.
// Task ids must be unique within the job; a blank id becomes item_{n}.
func (s *JobStore) Create(job models.Job, descriptors []models.Descriptor) (*Record, error) {
	if len(descriptors) == 0 {
		return nil, models.ErrEmptyBatch
	}

	tasks := make([]models.Task, len(descriptors))
	seen := make(map[string]int, len(descriptors))
	for i, d := range descriptors {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("item_%d", i+1)
		}
		// task ids key the archive rows and the export
		if prev, dup := seen[id]; dup {
			return nil, &models.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("duplicate task id %q in records %d and %d", id, prev+1, i+1),
			}
		}
		seen[id] = i
		tasks[i] = models.Task{
			ID:         id,
			Index:      i,
			Descriptor: d,
			Status:     models.TaskPending,
			MaxRetries: job.MaxRetries,
		}
	}
	job.Status = models.StatusPending
	job.TotalCount = len(tasks)

	rec := &Record{store: s, job: job, tasks: tasks}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[job.ID]; exists {
		return nil, fmt.Errorf("job %s already exists", job.ID)
	}
	s.records[job.ID] = rec
	return rec, nil
}

// Get returns the record for jobID
func (s *JobStore) Get(jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return rec, nil
}

// List returns summaries of all jobs, newest first
func (s *JobStore) List() []models.JobSummary {
	s.mu.RLock()
	recs := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]models.JobSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes a completed job
func (s *JobStore) Delete(jobID string) error {
	rec, err := s.Get(jobID)
	if err != nil {
		return err
	}
	if rec.Status() != models.StatusCompleted {
		return fmt.Errorf("%w: %s", models.ErrJobNotCompleted, jobID)
	}

	s.mu.Lock()
	delete(s.records, jobID)
	s.mu.Unlock()
	return nil
}

// PruneCompleted drops completed jobs that finished before cutoff and returns how many were removed
func (s *JobStore) PruneCompleted(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		job := rec.Job()
		if job.Status == models.StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored jobs
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
