// Package postgres provides the durable JobStore backed by PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// DB is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobStore persists jobs and batches in PostgreSQL. State transitions
// are compare-and-swap UPDATEs conditioned on the stored status, so two
// dispatchers racing on one job cannot both win.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//	    id            TEXT PRIMARY KEY,
//	    credential    TEXT NOT NULL,
//	    batch_id      TEXT,
//	    query         TEXT NOT NULL,
//	    max_places    INT NOT NULL,
//	    lang          TEXT NOT NULL,
//	    webhook_url   TEXT,
//	    status        TEXT NOT NULL,
//	    progress      INT NOT NULL DEFAULT 0,
//	    places_found  INT NOT NULL DEFAULT 0,
//	    results       JSONB,
//	    error_text    TEXT NOT NULL DEFAULT '',
//	    attempts      INT NOT NULL DEFAULT 0,
//	    webhook_state TEXT NOT NULL DEFAULT '',
//	    created_at    TIMESTAMPTZ NOT NULL,
//	    started_at    TIMESTAMPTZ,
//	    completed_at  TIMESTAMPTZ
//	);
//	CREATE TABLE batches (
//	    id         TEXT PRIMARY KEY,
//	    job_ids    TEXT[] NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
type JobStore struct {
	db DB
}

// NewJobStore wraps an existing connection pool.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// Connect opens a pgx pool and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const jobColumns = `id, credential, COALESCE(batch_id, ''), query, max_places, lang,
COALESCE(webhook_url, ''), status, progress, places_found, results, error_text,
attempts, webhook_state, created_at, started_at, completed_at`

// Create persists a new pending job.
func (s *JobStore) Create(ctx context.Context, job scrape.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, credential, batch_id, query, max_places, lang,
			webhook_url, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		job.ID, job.Credential, job.BatchID, job.Params.Query, job.Params.MaxPlaces,
		job.Params.Language, job.Params.WebhookURL, string(scrape.JobStatusPending),
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert job: %v", scrape.ErrStorageUnavailable, err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (scrape.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Job{}, scrape.ErrNotFound
		}
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Transition compare-and-swaps the job status.
func (s *JobStore) Transition(ctx context.Context, id string, from, to scrape.JobStatus, errText string) error {
	if from.Terminal() {
		return scrape.ErrInvalidTransition
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			status = $3,
			error_text = CASE WHEN $4 <> '' THEN $4 ELSE error_text END,
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			attempts = CASE WHEN $3 = 'running' THEN attempts + 1 ELSE attempts END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
			progress = CASE WHEN $3 = 'completed' THEN 100 ELSE progress END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), errText,
	)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if !exists {
			return scrape.ErrNotFound
		}
		return scrape.ErrInvalidTransition
	}
	return nil
}

// SetProgress updates the progress counter of a running job.
func (s *JobStore) SetProgress(ctx context.Context, id string, processed, total int) error {
	progress := 0
	if total > 0 {
		progress = processed * 100 / total
		if progress > 100 {
			progress = 100
		}
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET places_found = $2, progress = $3
		WHERE id = $1 AND status = 'running'`,
		id, processed, progress,
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrInvalidTransition
	}
	return nil
}

// SetResults stores the result set of a running job.
func (s *JobStore) SetResults(ctx context.Context, id string, results []scrape.Place) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET results = $2, places_found = $3
		WHERE id = $1 AND status = 'running'`,
		id, data, len(results),
	)
	if err != nil {
		return fmt.Errorf("set results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrInvalidTransition
	}
	return nil
}

// RecordWebhookOutcome marks delivery state without touching status.
func (s *JobStore) RecordWebhookOutcome(ctx context.Context, id string, state scrape.WebhookState) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET webhook_state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return fmt.Errorf("record webhook outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrNotFound
	}
	return nil
}

// ListPending returns pending jobs FIFO per credential, interleaved
// across credentials via per-credential row numbering.
func (s *JobStore) ListPending(ctx context.Context, limit int) ([]scrape.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM (
			SELECT *, row_number() OVER (PARTITION BY credential ORDER BY created_at) AS rn
			FROM jobs WHERE status = 'pending'
		) pending
		ORDER BY rn, created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var jobs []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return jobs, nil
}

// CreateBatch stores a batch record.
func (s *JobStore) CreateBatch(ctx context.Context, batch scrape.Batch) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO batches (id, job_ids, created_at) VALUES ($1, $2, $3)`,
		batch.ID, batch.JobIDs, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert batch: %v", scrape.ErrStorageUnavailable, err)
	}
	return nil
}

// GetBatch fetches a batch by ID.
func (s *JobStore) GetBatch(ctx context.Context, id string) (scrape.Batch, error) {
	var batch scrape.Batch
	err := s.db.QueryRow(ctx,
		`SELECT id, job_ids, created_at FROM batches WHERE id = $1`, id).
		Scan(&batch.ID, &batch.JobIDs, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scrape.Batch{}, scrape.ErrNotFound
		}
		return scrape.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job       scrape.Job
		status    string
		webhook   string
		results   []byte
		startedAt *time.Time
		doneAt    *time.Time
	)
	err := row.Scan(
		&job.ID, &job.Credential, &job.BatchID, &job.Params.Query,
		&job.Params.MaxPlaces, &job.Params.Language, &job.Params.WebhookURL,
		&status, &job.Progress, &job.PlacesFound, &results, &job.ErrorText,
		&job.Attempts, &webhook, &job.CreatedAt, &startedAt, &doneAt,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.JobStatus(status)
	job.Webhook = scrape.WebhookState(webhook)
	job.StartedAt = startedAt
	job.CompletedAt = doneAt
	if len(results) > 0 {
		if err := json.Unmarshal(results, &job.Results); err != nil {
			return scrape.Job{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return job, nil
}
