// Package batch fans a set of queries out into individual jobs that
// share a batch ID, and aggregates their progress on read.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// MaxQueries bounds a single batch request.
const MaxQueries = 50

// ErrTooManyQueries rejects batches over MaxQueries.
var ErrTooManyQueries = errors.New("too many queries in batch")

// ErrNoQueries rejects empty batches.
var ErrNoQueries = errors.New("batch contains no queries")

// Submitter hands a created job to the execution side.
type Submitter interface {
	Submit(ctx context.Context, jobID string) error
}

// Coordinator creates jobs and batches and computes batch status.
type Coordinator struct {
	store     scrape.JobStore
	ids       scrape.IDGenerator
	clock     scrape.Clock
	submitter Submitter
	logger    *zap.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store scrape.JobStore, ids scrape.IDGenerator, clock scrape.Clock, submitter Submitter, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		ids:       ids,
		clock:     clock,
		submitter: submitter,
		logger:    logger,
	}
}

// CreateJob persists one pending job and submits it for execution.
func (c *Coordinator) CreateJob(ctx context.Context, credential string, params scrape.JobParameters) (scrape.Job, error) {
	job, err := c.createJob(ctx, credential, "", params)
	if err != nil {
		return scrape.Job{}, err
	}
	c.submit(ctx, job.ID)
	return job, nil
}

// CreateBatch fans queries out into jobs sharing a batch ID. The base
// parameters supply everything except the query text.
func (c *Coordinator) CreateBatch(ctx context.Context, credential string, queries []string, base scrape.JobParameters) (scrape.Batch, []scrape.Job, error) {
	if len(queries) == 0 {
		return scrape.Batch{}, nil, ErrNoQueries
	}
	if len(queries) > MaxQueries {
		return scrape.Batch{}, nil, fmt.Errorf("%w: %d > %d", ErrTooManyQueries, len(queries), MaxQueries)
	}

	batchID, err := c.ids.NewID()
	if err != nil {
		return scrape.Batch{}, nil, fmt.Errorf("allocate batch id: %w", err)
	}

	jobs := make([]scrape.Job, 0, len(queries))
	jobIDs := make([]string, 0, len(queries))
	for _, query := range queries {
		params := base
		params.Query = query
		job, err := c.createJob(ctx, credential, batchID, params)
		if err != nil {
			return scrape.Batch{}, nil, fmt.Errorf("create job for %q: %w", query, err)
		}
		jobs = append(jobs, job)
		jobIDs = append(jobIDs, job.ID)
	}

	batch := scrape.Batch{
		ID:        batchID,
		JobIDs:    jobIDs,
		CreatedAt: c.clock.Now().UTC(),
	}
	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return scrape.Batch{}, nil, fmt.Errorf("persist batch: %w", err)
	}

	for _, id := range jobIDs {
		c.submit(ctx, id)
	}
	c.logger.Info("batch created",
		zap.String("batch_id", batchID), zap.Int("jobs", len(jobIDs)))
	return batch, jobs, nil
}

// Status recomputes the batch aggregate from its jobs' current states.
type Status struct {
	BatchID         string         `json:"batch_id"`
	TotalJobs       int            `json:"total_jobs"`
	StatusCounts    map[string]int `json:"status_counts"`
	AverageProgress int            `json:"average_progress"`
	Done            bool           `json:"done"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Status reads the batch and aggregates its jobs. Jobs deleted out from
// under the batch are skipped.
func (c *Coordinator) Status(ctx context.Context, batchID string) (Status, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		BatchID:      b.ID,
		StatusCounts: make(map[string]int),
		CreatedAt:    b.CreatedAt,
		Done:         true,
	}
	progressSum := 0
	for _, id := range b.JobIDs {
		job, err := c.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, scrape.ErrNotFound) {
				continue
			}
			return Status{}, err
		}
		status.TotalJobs++
		status.StatusCounts[string(job.Status)]++
		progressSum += job.Progress
		if !job.Status.Terminal() {
			status.Done = false
		}
	}
	if status.TotalJobs > 0 {
		status.AverageProgress = progressSum / status.TotalJobs
	}
	return status, nil
}

func (c *Coordinator) createJob(ctx context.Context, credential, batchID string, params scrape.JobParameters) (scrape.Job, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("allocate job id: %w", err)
	}
	job := scrape.Job{
		ID:         id,
		Credential: credential,
		BatchID:    batchID,
		Params:     params,
		Status:     scrape.JobStatusPending,
		CreatedAt:  c.clock.Now().UTC(),
	}
	if err := c.store.Create(ctx, job); err != nil {
		return scrape.Job{}, err
	}
	return job, nil
}

// submit is best-effort: a full queue is recovered by the dispatcher's
// pending sweep.
func (c *Coordinator) submit(ctx context.Context, jobID string) {
	if c.submitter == nil {
		return
	}
	if err := c.submitter.Submit(ctx, jobID); err != nil {
		c.logger.Warn("submit job failed, sweep will retry",
			zap.String("job_id", jobID), zap.Error(err))
	}
}
