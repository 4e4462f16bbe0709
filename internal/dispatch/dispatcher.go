// Package dispatch moves admitted jobs through execution. A bounded
// worker pool pulls job IDs off the queue, re-checks admission, claims
// the job with a compare-and-swap transition, runs the executor through
// a proxy, and settles the terminal state.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/placegrid/places-scraper/internal/archive"
	"github.com/placegrid/places-scraper/internal/export"
	"github.com/placegrid/places-scraper/internal/notify"
	"github.com/placegrid/places-scraper/internal/proxy"
	"github.com/placegrid/places-scraper/internal/queue/memory"
	"github.com/placegrid/places-scraper/internal/ratelimit"
	"github.com/placegrid/places-scraper/internal/scrape"
	"github.com/placegrid/places-scraper/internal/telemetry"
	"github.com/placegrid/places-scraper/internal/webhook"
)

// Config controls the worker pool and retry policy.
type Config struct {
	Workers int
	// MaxAttempts caps executions per job, across dispatches.
	MaxAttempts      int
	ExecutionTimeout time.Duration
	// ExecutionsPerSecond throttles upstream pressure across all
	// workers. Zero disables pacing.
	ExecutionsPerSecond float64
	// SweepInterval is how often pending jobs missing from the queue
	// are re-enqueued from the store.
	SweepInterval time.Duration
	// NoProxyBackoff is how long a dispatch is deferred when no healthy
	// proxy is available.
	NoProxyBackoff time.Duration
	// NotifyTopic receives terminal job events; empty disables
	// notifications.
	NotifyTopic string
	// ArchiveFormat is the export variant archived for completed jobs.
	ArchiveFormat export.Format
}

// Dispatcher owns the execution side of the job lifecycle.
type Dispatcher struct {
	cfg      Config
	store    scrape.JobStore
	executor scrape.Executor
	proxies  *proxy.Pool
	limiter  *ratelimit.Limiter
	queue    *memory.Queue
	webhooks *webhook.Delivery
	archives archive.Provider
	events   notify.Publisher
	pacer    *rate.Limiter
	logger   *zap.Logger
}

// New constructs a Dispatcher. The archive provider and event publisher
// are optional.
func New(
	cfg Config,
	store scrape.JobStore,
	executor scrape.Executor,
	proxies *proxy.Pool,
	limiter *ratelimit.Limiter,
	queue *memory.Queue,
	webhooks *webhook.Delivery,
	archives archive.Provider,
	events notify.Publisher,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.NoProxyBackoff <= 0 {
		cfg.NoProxyBackoff = 15 * time.Second
	}
	if cfg.ArchiveFormat == "" {
		cfg.ArchiveFormat = export.FormatJSON
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pacer := rate.NewLimiter(rate.Inf, 1)
	if cfg.ExecutionsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ExecutionsPerSecond), 1)
	}
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		executor: executor,
		proxies:  proxies,
		limiter:  limiter,
		queue:    queue,
		webhooks: webhooks,
		archives: archives,
		events:   events,
		pacer:    pacer,
		logger:   logger,
	}
}

// Submit queues a freshly created job for execution.
func (d *Dispatcher) Submit(ctx context.Context, jobID string) error {
	return d.queue.Enqueue(ctx, memory.Item{JobID: jobID})
}

// Run starts the workers and the pending sweep, blocking until ctx
// finishes. Jobs still running at shutdown are failed so callers are
// not left with jobs stuck in running forever.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d.worker(ctx, n)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweep(ctx)
	}()
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	logger := d.logger.With(zap.Int("worker", n))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		telemetry.IncActiveWorkers()
		d.dispatch(ctx, item, logger)
		telemetry.DecActiveWorkers()
	}
}

// sweep periodically re-enqueues pending jobs so deferred timers lost
// to a full queue, or jobs created by another instance sharing the
// store, still get dispatched.
func (d *Dispatcher) sweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := d.store.ListPending(ctx, d.queue.Capacity())
			if err != nil {
				d.logger.Warn("pending sweep failed", zap.Error(err))
				continue
			}
			for _, job := range jobs {
				// Duplicates are harmless: the claim transition admits
				// only one dispatch per job.
				d.queue.TryEnqueue(memory.Item{JobID: job.ID})
			}
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, item memory.Item, logger *zap.Logger) {
	job, err := d.store.Get(ctx, item.JobID)
	if err != nil {
		if !errors.Is(err, scrape.ErrNotFound) {
			logger.Warn("load job failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
		return
	}
	if job.Status != scrape.JobStatusPending {
		return
	}

	// The creation charge covers execution while its windows hold; a
	// backlogged job recharges any window that rolled over since.
	decision := d.limiter.AllowExecution(job.Credential, job.CreatedAt)
	if !decision.Allowed {
		telemetry.ObserveJobDeferral("rate_limited")
		logger.Debug("job deferred by rate limit",
			zap.String("job_id", job.ID),
			zap.Error(decision.Err(job.Credential)))
		d.queue.EnqueueAfter(item, decision.RetryAfter)
		return
	}

	// An empty pool means the deployment scrapes directly; only a pool
	// with configured endpoints can be exhausted.
	var endpoint *proxy.Endpoint
	if d.proxies.Size() > 0 {
		endpoint, err = d.proxies.Acquire()
		if err != nil {
			d.limiter.Refund(job.Credential, decision.Charged)
			telemetry.ObserveJobDeferral("no_proxy")
			logger.Warn("job deferred, no healthy proxy", zap.String("job_id", job.ID))
			d.queue.EnqueueAfter(item, d.cfg.NoProxyBackoff)
			return
		}
	}

	// Claim the job. Losing the swap means another worker got it; the
	// winner's admission already paid for the execution, so this one is
	// returned.
	if err := d.store.Transition(ctx, job.ID, scrape.JobStatusPending, scrape.JobStatusRunning, ""); err != nil {
		d.limiter.Refund(job.Credential, decision.Charged)
		if endpoint != nil {
			d.proxies.Release(endpoint)
		}
		if !errors.Is(err, scrape.ErrInvalidTransition) {
			logger.Warn("claim job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	results, execErr := d.execute(ctx, job, endpoint, logger)

	// Terminal writes outlive shutdown so interrupted jobs settle as
	// failed instead of sticking in running.
	settleCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		d.complete(settleCtx, job.ID, results, logger)
		return
	}
	d.fail(settleCtx, job.ID, execErr, logger)
}

// execute runs the job through the executor, retrying transient
// failures with a different proxy. The endpoint passed in is already
// acquired and is always released before returning.
func (d *Dispatcher) execute(ctx context.Context, job scrape.Job, endpoint *proxy.Endpoint, logger *zap.Logger) ([]scrape.Place, error) {
	req := scrape.ExecuteRequest{
		Query:     job.Params.Query,
		MaxPlaces: job.Params.MaxPlaces,
		Language:  job.Params.Language,
	}

	direct := d.proxies.Size() == 0
	var lastErr error
	for attempt := job.Attempts + 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if endpoint == nil && !direct {
			var err error
			endpoint, err = d.proxies.Acquire()
			if err != nil {
				// Proxy capacity vanished mid-retry. Settle with the
				// execution error rather than parking the job.
				return nil, fmt.Errorf("%w (no healthy proxy for retry)", lastErr)
			}
		}
		req.ProxyURL = ""
		if endpoint != nil {
			req.ProxyURL = endpoint.URL()
		}

		if err := d.pacer.Wait(ctx); err != nil {
			if endpoint != nil {
				d.proxies.Release(endpoint)
			}
			return nil, err
		}

		start := time.Now()
		execCtx, cancel := context.WithTimeoutCause(ctx, d.cfg.ExecutionTimeout, scrape.ErrExecutionTimeout)
		results, err := d.executor.Execute(execCtx, req)
		cancel()
		telemetry.ObserveExecution(time.Since(start))

		if err != nil && errors.Is(context.Cause(execCtx), scrape.ErrExecutionTimeout) {
			err = scrape.ErrExecutionTimeout
		}

		if endpoint != nil {
			d.proxies.Report(endpoint, err == nil)
			telemetry.ObserveProxyReport(err == nil)
			d.proxies.Release(endpoint)
			telemetry.SetHealthyProxies(d.proxies.HealthyCount())
			endpoint = nil
		}

		if err == nil {
			return results, nil
		}
		lastErr = err
		if !scrape.Retryable(err) || attempt >= d.cfg.MaxAttempts {
			return nil, err
		}

		telemetry.ObserveExecutionRetry()
		logger.Warn("execution failed, retrying with another proxy",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (d *Dispatcher) complete(ctx context.Context, jobID string, results []scrape.Place, logger *zap.Logger) {
	if err := d.store.SetResults(ctx, jobID, results); err != nil {
		logger.Error("store results failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := d.store.Transition(ctx, jobID, scrape.JobStatusRunning, scrape.JobStatusCompleted, ""); err != nil {
		// The job was cancelled while running. Its results are kept but
		// the terminal state stands.
		logger.Info("completion lost to concurrent transition",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	telemetry.ObserveJob(string(scrape.JobStatusCompleted))
	d.settle(ctx, jobID, logger)
}

func (d *Dispatcher) fail(ctx context.Context, jobID string, execErr error, logger *zap.Logger) {
	if err := d.store.Transition(ctx, jobID, scrape.JobStatusRunning, scrape.JobStatusFailed, execErr.Error()); err != nil {
		logger.Info("failure lost to concurrent transition",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	telemetry.ObserveJob(string(scrape.JobStatusFailed))
	logger.Warn("job failed", zap.String("job_id", jobID), zap.Error(execErr))
	d.settle(ctx, jobID, logger)
}

// settle runs the post-terminal hooks: archive, event publish, webhook.
// All are best-effort and never affect the job's state.
func (d *Dispatcher) settle(ctx context.Context, jobID string, logger *zap.Logger) {
	job, err := d.store.Get(ctx, jobID)
	if err != nil {
		logger.Warn("reload terminal job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	archiveURI := d.archiveResults(ctx, job, logger)
	d.publishEvent(ctx, job, archiveURI, logger)
	if d.webhooks != nil {
		d.webhooks.Enqueue(job)
	}
}

func (d *Dispatcher) archiveResults(ctx context.Context, job scrape.Job, logger *zap.Logger) string {
	if d.archives == nil || job.Status != scrape.JobStatusCompleted || len(job.Results) == 0 {
		return ""
	}
	rendered, err := export.Render(job, d.cfg.ArchiveFormat)
	if err != nil {
		logger.Warn("render archive failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	path := archive.ObjectPath(job, string(d.cfg.ArchiveFormat))
	uri, err := d.archives.PutObject(ctx, path, d.cfg.ArchiveFormat.ContentType(), bytes.NewReader(rendered))
	if err != nil {
		logger.Warn("archive upload failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (d *Dispatcher) publishEvent(ctx context.Context, job scrape.Job, archiveURI string, logger *zap.Logger) {
	if d.events == nil || d.cfg.NotifyTopic == "" {
		return
	}
	event := notify.JobEvent{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Status:      string(job.Status),
		Query:       job.Params.Query,
		PlacesFound: job.PlacesFound,
		Attempts:    job.Attempts,
		ArchiveURI:  archiveURI,
		CompletedAt: job.CompletedAt,
	}
	if _, err := d.events.Publish(ctx, d.cfg.NotifyTopic, event); err != nil {
		logger.Warn("publish job event failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
