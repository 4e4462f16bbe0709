// Package webhook implements best-effort delivery of terminal job
// payloads to caller-supplied endpoints.
//
// Delivery runs on its own worker set so a slow callback endpoint never
// blocks job execution, and a failed delivery never changes the job's
// own state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/scrape"
	"github.com/placegrid/places-scraper/internal/telemetry"
)

// Config controls delivery behavior.
type Config struct {
	Workers int
	// MaxAttempts caps deliveries per job; the cap reached means
	// permanently failed.
	MaxAttempts    int
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QueueDepth     int
}

// Payload is the JSON body posted to the caller's endpoint.
type Payload struct {
	JobID       string         `json:"job_id"`
	Status      string         `json:"status"`
	Query       string         `json:"query"`
	Results     []scrape.Place `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	PlacesFound int            `json:"places_found"`
	CompletedAt *time.Time     `json:"completed_at"`
}

type attempt struct {
	job     scrape.Job
	attempt int
}

// Delivery posts terminal payloads with exponential backoff and a hard
// attempt cap.
type Delivery struct {
	cfg    Config
	store  scrape.JobStore
	client *http.Client
	logger *zap.Logger

	queue chan attempt

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// New constructs a Delivery worker set.
func New(cfg Config, store scrape.JobStore, logger *zap.Logger) *Delivery {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delivery{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
		queue:  make(chan attempt, cfg.QueueDepth),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Enqueue schedules delivery for a terminal job. Jobs without a webhook
// URL are ignored. A full queue drops the attempt; delivery is
// best-effort.
func (d *Delivery) Enqueue(job scrape.Job) {
	if job.Params.WebhookURL == "" || !job.Status.Terminal() {
		return
	}
	select {
	case d.queue <- attempt{job: job, attempt: 1}:
	default:
		d.logger.Warn("webhook queue full, dropping delivery",
			zap.String("job_id", job.ID))
		telemetry.ObserveWebhookDelivery("dropped")
	}
}

// Run starts the delivery workers and blocks until ctx finishes.
func (d *Delivery) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	<-ctx.Done()
	d.mu.Lock()
	d.closed = true
	for timer := range d.timers {
		timer.Stop()
	}
	d.timers = nil
	d.mu.Unlock()
	wg.Wait()
}

func (d *Delivery) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.deliver(ctx, a)
		}
	}
}

func (d *Delivery) deliver(ctx context.Context, a attempt) {
	err := d.post(ctx, a.job)
	if err == nil {
		telemetry.ObserveWebhookDelivery("delivered")
		if recErr := d.store.RecordWebhookOutcome(ctx, a.job.ID, scrape.WebhookStateDelivered); recErr != nil {
			d.logger.Warn("record webhook outcome failed",
				zap.String("job_id", a.job.ID), zap.Error(recErr))
		}
		d.logger.Debug("webhook delivered",
			zap.String("job_id", a.job.ID), zap.Int("attempt", a.attempt))
		return
	}

	if a.attempt >= d.cfg.MaxAttempts {
		telemetry.ObserveWebhookDelivery("exhausted")
		if recErr := d.store.RecordWebhookOutcome(ctx, a.job.ID, scrape.WebhookStateFailed); recErr != nil {
			d.logger.Warn("record webhook outcome failed",
				zap.String("job_id", a.job.ID), zap.Error(recErr))
		}
		d.logger.Error("webhook delivery permanently failed",
			zap.String("job_id", a.job.ID),
			zap.String("url", a.job.Params.WebhookURL),
			zap.Int("attempts", a.attempt),
			zap.Error(err))
		return
	}

	telemetry.ObserveWebhookDelivery("retried")
	delay := d.backoff(a.attempt)
	d.logger.Warn("webhook delivery failed, scheduling retry",
		zap.String("job_id", a.job.ID),
		zap.Int("attempt", a.attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err))
	d.scheduleRetry(attempt{job: a.job, attempt: a.attempt + 1}, delay)
}

// scheduleRetry re-enqueues via timer so workers stay free during the
// backoff wait.
func (d *Delivery) scheduleRetry(a attempt, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		delete(d.timers, timer)
		d.mu.Unlock()
		select {
		case d.queue <- a:
		default:
			telemetry.ObserveWebhookDelivery("dropped")
		}
	})
	d.timers[timer] = struct{}{}
}

func (d *Delivery) backoff(attemptNum int) time.Duration {
	delay := d.cfg.BackoffInitial << (attemptNum - 1)
	if delay > d.cfg.BackoffMax || delay <= 0 {
		return d.cfg.BackoffMax
	}
	return delay
}

func (d *Delivery) post(ctx context.Context, job scrape.Job) error {
	payload := Payload{
		JobID:       job.ID,
		Status:      string(job.Status),
		Query:       job.Params.Query,
		PlacesFound: job.PlacesFound,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == scrape.JobStatusCompleted {
		payload.Results = job.Results
	} else {
		payload.Error = job.ErrorText
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		job.Params.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body is unused
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}
