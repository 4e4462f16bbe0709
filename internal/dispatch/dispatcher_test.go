package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/export"
	"github.com/placegrid/places-scraper/internal/notify"
	notifymem "github.com/placegrid/places-scraper/internal/notify/memory"
	"github.com/placegrid/places-scraper/internal/proxy"
	queuemem "github.com/placegrid/places-scraper/internal/queue/memory"
	"github.com/placegrid/places-scraper/internal/ratelimit"
	"github.com/placegrid/places-scraper/internal/scrape"
	storemem "github.com/placegrid/places-scraper/internal/store/memory"
	"github.com/placegrid/places-scraper/internal/telemetry"
)

type fakeExecutor struct {
	calls   atomic.Int32
	execute func(call int, req scrape.ExecuteRequest) ([]scrape.Place, error)
}

func (f *fakeExecutor) Execute(_ context.Context, req scrape.ExecuteRequest) ([]scrape.Place, error) {
	return f.execute(int(f.calls.Add(1)), req)
}

type harness struct {
	store      *storemem.JobStore
	dispatcher *Dispatcher
	events     *notifymem.Publisher
	pool       *proxy.Pool
	limiter    *ratelimit.Limiter
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, cfg Config, exec scrape.Executor, limits ratelimit.Limits) *harness {
	t.Helper()
	telemetry.Init()

	store := storemem.NewJobStore()
	pool := proxy.NewPool(proxy.Config{Strategy: proxy.StrategyRoundRobin}, zap.NewNop())
	require.NoError(t, pool.Add("http://proxy-a:8080"))
	require.NoError(t, pool.Add("http://proxy-b:8080"))
	limiter := ratelimit.New(limits)
	queue := queuemem.NewQueue(32)
	events := notifymem.New()

	d := New(cfg, store, exec, pool, limiter, queue, nil, nil, events, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	t.Cleanup(queue.Close)

	return &harness{store: store, dispatcher: d, events: events, pool: pool, limiter: limiter, cancel: cancel}
}

func pendingJob(t *testing.T, store *storemem.JobStore, id, credential string) scrape.Job {
	t.Helper()
	job := scrape.Job{
		ID:         id,
		Credential: credential,
		Params:     scrape.JobParameters{Query: "plumbers in austin", MaxPlaces: 5, Language: "en"},
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

// backlogJob creates a pending job whose minute window has long rolled
// over, so its execution must compete for fresh capacity.
func backlogJob(t *testing.T, store *storemem.JobStore, id, credential string) scrape.Job {
	t.Helper()
	job := scrape.Job{
		ID:         id,
		Credential: credential,
		Params:     scrape.JobParameters{Query: "plumbers in austin", MaxPlaces: 5, Language: "en"},
		CreatedAt:  time.Now().UTC().Add(-5 * time.Minute),
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func generousLimits() ratelimit.Limits {
	return ratelimit.Limits{PerMinute: 100, PerHour: 1000, PerDay: 10000}
}

func waitForStatus(t *testing.T, store *storemem.JobStore, id string, want scrape.JobStatus) scrape.Job {
	t.Helper()
	var job scrape.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestDispatchCompletesJob(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, req scrape.ExecuteRequest) ([]scrape.Place, error) {
		return []scrape.Place{{Name: "Pipe Pros", Address: "12 Main St"}}, nil
	}}
	h := newHarness(t, Config{NotifyTopic: "jobs.terminal"}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")

	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	job := waitForStatus(t, h.store, "job-1", scrape.JobStatusCompleted)
	require.Equal(t, 1, job.PlacesFound)
	require.Equal(t, 100, job.Progress)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, 1, job.Attempts)

	require.Eventually(t, func() bool {
		return len(h.events.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	event, ok := h.events.Messages()[0].Payload.(notify.JobEvent)
	require.True(t, ok)
	require.Equal(t, "completed", event.Status)
	require.Equal(t, 1, event.PlacesFound)
}

func TestExecutorReceivesProxyURL(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	exec := &fakeExecutor{execute: func(_ int, req scrape.ExecuteRequest) ([]scrape.Place, error) {
		seen <- req.ProxyURL
		return nil, nil
	}}
	h := newHarness(t, Config{}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	select {
	case url := <-seen:
		require.Contains(t, []string{"http://proxy-a:8080", "http://proxy-b:8080"}, url)
	case <-time.After(5 * time.Second):
		t.Fatal("executor never ran")
	}
}

func TestTransientFailureRetriesWithDifferentProxy(t *testing.T) {
	t.Parallel()

	proxies := make(chan string, 2)
	exec := &fakeExecutor{execute: func(call int, req scrape.ExecuteRequest) ([]scrape.Place, error) {
		proxies <- req.ProxyURL
		if call == 1 {
			return nil, errors.New("connection reset")
		}
		return []scrape.Place{{Name: "Pipe Pros"}}, nil
	}}
	h := newHarness(t, Config{MaxAttempts: 3}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	waitForStatus(t, h.store, "job-1", scrape.JobStatusCompleted)
	first, second := <-proxies, <-proxies
	require.NotEqual(t, first, second)
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return nil, scrape.Permanent(errors.New("query rejected by upstream"))
	}}
	h := newHarness(t, Config{MaxAttempts: 3}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	job := waitForStatus(t, h.store, "job-1", scrape.JobStatusFailed)
	require.Contains(t, job.ErrorText, "query rejected")
	require.EqualValues(t, 1, exec.calls.Load())
}

func TestExhaustedRetriesFailJob(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return nil, errors.New("connection reset")
	}}
	h := newHarness(t, Config{MaxAttempts: 2}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	job := waitForStatus(t, h.store, "job-1", scrape.JobStatusFailed)
	require.Contains(t, job.ErrorText, "connection reset")
	require.EqualValues(t, 2, exec.calls.Load())
}

func TestRateDeniedDispatchIsDeferredThenRuns(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return []scrape.Place{{Name: "x"}}, nil
	}}
	// One-per-minute cap over two backlogged jobs; the second dispatch
	// defers until the window resets. The assertion only checks the
	// first job completes and the second stays pending.
	h := newHarness(t, Config{}, exec, ratelimit.Limits{PerMinute: 1, PerHour: 10, PerDay: 10})
	backlogJob(t, h.store, "job-1", "apikey:k1")
	backlogJob(t, h.store, "job-2", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-2"))

	waitForStatus(t, h.store, "job-1", scrape.JobStatusCompleted)
	time.Sleep(100 * time.Millisecond)
	job2, err := h.store.Get(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusPending, job2.Status)
}

func TestFreshJobCoveredByCreationCharge(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return []scrape.Place{{Name: "x"}}, nil
	}}
	h := newHarness(t, Config{}, exec, ratelimit.Limits{PerMinute: 1, PerHour: 10, PerDay: 10})

	// Creation consumed the credential's only minute unit; that same
	// charge must cover the job's execution instead of deferring it.
	require.True(t, h.limiter.Allow("apikey:k1").Allowed)
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	waitForStatus(t, h.store, "job-1", scrape.JobStatusCompleted)
}

// stallingExecutor blocks until its context expires.
type stallingExecutor struct{}

func (stallingExecutor) Execute(ctx context.Context, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecutionTimeoutFailsJobAndReportsProxy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxAttempts: 1, ExecutionTimeout: 20 * time.Millisecond},
		stallingExecutor{}, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))

	job := waitForStatus(t, h.store, "job-1", scrape.JobStatusFailed)
	require.Equal(t, scrape.ErrExecutionTimeout.Error(), job.ErrorText)

	var failed int64
	for _, stats := range h.pool.Stats() {
		failed += stats.TotalFailed
	}
	require.EqualValues(t, 1, failed)
}

func TestCancelledJobIsNotDispatched(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return []scrape.Place{{Name: "x"}}, nil
	}}
	h := newHarness(t, Config{}, exec, generousLimits())
	pendingJob(t, h.store, "job-1", "apikey:k1")
	require.NoError(t, h.store.Transition(context.Background(), "job-1",
		scrape.JobStatusPending, scrape.JobStatusCancelled, ""))

	require.NoError(t, h.dispatcher.Submit(context.Background(), "job-1"))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, exec.calls.Load())
}

func TestSweepPicksUpUnqueuedPendingJobs(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{execute: func(_ int, _ scrape.ExecuteRequest) ([]scrape.Place, error) {
		return []scrape.Place{{Name: "x"}}, nil
	}}
	h := newHarness(t, Config{SweepInterval: 20 * time.Millisecond}, exec, generousLimits())
	// Created directly in the store, never submitted to the queue.
	pendingJob(t, h.store, "job-1", "apikey:k1")

	waitForStatus(t, h.store, "job-1", scrape.JobStatusCompleted)
}

func TestArchiveFormatDefaultsToJSON(t *testing.T) {
	t.Parallel()

	d := New(Config{}, storemem.NewJobStore(), &fakeExecutor{}, nil, nil, nil, nil, nil, nil, nil)
	require.Equal(t, export.FormatJSON, d.cfg.ArchiveFormat)
}
