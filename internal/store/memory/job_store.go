// Package memory provides an in-memory JobStore for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// JobStore keeps jobs and batches in maps guarded by one RWMutex.
// Jobs are never deleted; retention is an external policy.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]scrape.Job
	batches map[string]scrape.Batch
	now     func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]scrape.Job),
		batches: make(map[string]scrape.Batch),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source, for tests.
func (s *JobStore) SetClock(now func() time.Time) {
	s.now = now
}

// Create stores a new pending job.
func (s *JobStore) Create(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return scrape.ErrInvalidTransition
	}
	job.Status = scrape.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	s.jobs[job.ID] = job
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return cloneJob(job), nil
}

// Transition performs a compare-and-swap on the job status. Stale
// dispatches and double executions fail here with ErrInvalidTransition.
func (s *JobStore) Transition(_ context.Context, id string, from, to scrape.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if job.Status != from || from.Terminal() {
		return scrape.ErrInvalidTransition
	}
	job.Status = to
	if errText != "" {
		job.ErrorText = errText
	}
	now := s.now()
	if to == scrape.JobStatusRunning {
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.Attempts++
	}
	if to.Terminal() {
		job.CompletedAt = &now
		if to == scrape.JobStatusCompleted {
			job.Progress = 100
		}
	}
	s.jobs[id] = job
	return nil
}

// SetProgress updates the progress counter of a running job.
func (s *JobStore) SetProgress(_ context.Context, id string, processed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if job.Status != scrape.JobStatusRunning {
		return scrape.ErrInvalidTransition
	}
	job.PlacesFound = processed
	if total > 0 {
		job.Progress = min(100, processed*100/total)
	}
	s.jobs[id] = job
	return nil
}

// SetResults stores the result set of a running job.
func (s *JobStore) SetResults(_ context.Context, id string, results []scrape.Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.ErrNotFound
	}
	if job.Status != scrape.JobStatusRunning {
		return scrape.ErrInvalidTransition
	}
	job.Results = make([]scrape.Place, len(results))
	copy(job.Results, results)
	job.PlacesFound = len(results)
	s.jobs[id] = job
	return nil
}

// RecordWebhookOutcome marks the delivery state without touching status.
func (s *JobStore) RecordWebhookOutcome(_ context.Context, id string, state scrape.WebhookState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrape.ErrNotFound
	}
	job.Webhook = state
	s.jobs[id] = job
	return nil
}

// ListPending returns pending jobs FIFO per credential, interleaved
// round-robin across credentials so no credential starves another.
func (s *JobStore) ListPending(_ context.Context, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perCred := make(map[string][]scrape.Job)
	creds := make([]string, 0)
	for _, job := range s.jobs {
		if job.Status != scrape.JobStatusPending {
			continue
		}
		if _, seen := perCred[job.Credential]; !seen {
			creds = append(creds, job.Credential)
		}
		perCred[job.Credential] = append(perCred[job.Credential], cloneJob(job))
	}
	for _, jobs := range perCred {
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})
	}
	sort.Strings(creds)

	out := make([]scrape.Job, 0, limit)
	for round := 0; ; round++ {
		advanced := false
		for _, cred := range creds {
			jobs := perCred[cred]
			if round >= len(jobs) {
				continue
			}
			advanced = true
			out = append(out, jobs[round])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if !advanced {
			return out, nil
		}
	}
}

// CreateBatch stores a batch record.
func (s *JobStore) CreateBatch(_ context.Context, batch scrape.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.ID] = batch
	return nil
}

// GetBatch fetches a batch by ID.
func (s *JobStore) GetBatch(_ context.Context, id string) (scrape.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return scrape.Batch{}, scrape.ErrNotFound
	}
	return batch, nil
}

func cloneJob(job scrape.Job) scrape.Job {
	cp := job
	if job.Results != nil {
		cp.Results = make([]scrape.Place, len(job.Results))
		copy(cp.Results, job.Results)
	}
	return cp
}
