package scrape

import (
	"context"
	"time"
)

// JobStore persists jobs and batches. Implementations must make
// Transition a compare-and-swap on the stored status so concurrent
// dispatchers cannot both move the same job.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Transition moves a job from one status to another. It fails with
	// ErrInvalidTransition when the stored status differs from `from` or
	// when `from` is terminal.
	Transition(ctx context.Context, id string, from, to JobStatus, errText string) error
	// SetProgress updates the progress counter; only legal while running.
	SetProgress(ctx context.Context, id string, processed, total int) error
	// SetResults stores the result set; only legal while running.
	SetResults(ctx context.Context, id string, results []Place) error
	// RecordWebhookOutcome marks delivery state without touching status.
	RecordWebhookOutcome(ctx context.Context, id string, state WebhookState) error
	// ListPending returns pending jobs ordered FIFO per credential and
	// interleaved across credentials so no credential starves another.
	ListPending(ctx context.Context, limit int) ([]Job, error)

	CreateBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, id string) (Batch, error)
}

// Executor is the black-box scraping collaborator. Implementations must
// honor ctx deadlines and be safely abortable.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) ([]Place, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator allocates opaque, time-sortable identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
