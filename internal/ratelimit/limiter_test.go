package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placegrid/places-scraper/internal/scrape"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAllowWithinLimits(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	l := New(Limits{PerMinute: 2, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	dec := l.Allow("apikey:alpha")
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Remaining[WindowMinute])
	require.Equal(t, 9, dec.Remaining[WindowHour])
	require.Equal(t, 99, dec.Remaining[WindowDay])
	require.Equal(t, 2, dec.Limit)

	dec = l.Allow("apikey:alpha")
	require.True(t, dec.Allowed)
	require.Equal(t, 0, dec.Remaining[WindowMinute])
}

func TestDenialReportsSoonestReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	l := New(Limits{PerMinute: 2, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	require.True(t, l.Allow("key").Allowed)
	require.True(t, l.Allow("key").Allowed)

	dec := l.Allow("key")
	require.False(t, dec.Allowed)
	require.Equal(t, WindowMinute, dec.DeniedWindow)
	require.Equal(t, 2, dec.Limit)
	require.Equal(t, 45*time.Second, dec.RetryAfter)
	// Denial consumes nothing.
	require.Equal(t, 0, dec.Remaining[WindowMinute])
	require.Equal(t, 8, dec.Remaining[WindowHour])
}

func TestWindowResetReadmits(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	clock := now
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100},
		WithClock(func() time.Time { return clock }))

	require.True(t, l.Allow("key").Allowed)
	require.False(t, l.Allow("key").Allowed)

	clock = now.Add(time.Minute)
	require.True(t, l.Allow("key").Allowed, "new minute window must re-admit")
}

func TestHourWindowDeniesAcrossMinutes(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	l := New(Limits{PerMinute: 10, PerHour: 2, PerDay: 100},
		WithClock(func() time.Time { return clock }))

	require.True(t, l.Allow("key").Allowed)
	require.True(t, l.Allow("key").Allowed)

	clock = now.Add(2 * time.Minute)
	dec := l.Allow("key")
	require.False(t, dec.Allowed)
	require.Equal(t, WindowHour, dec.DeniedWindow)
	require.Equal(t, 58*time.Minute, dec.RetryAfter)
}

func TestCredentialsAreIndependent(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	require.True(t, l.Allow("alpha").Allowed)
	require.False(t, l.Allow("alpha").Allowed)
	require.True(t, l.Allow("beta").Allowed)
}

func TestConcurrentAdmissionNeverOverAdmits(t *testing.T) {
	t.Parallel()

	const capacity = 7
	const attempts = 64

	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	l := New(Limits{PerMinute: capacity, PerHour: 1000, PerDay: 10000},
		WithClock(fixedClock(now)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, capacity, admitted, "exactly C of N concurrent attempts succeed")
}

func TestPeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	l := New(Limits{PerMinute: 2, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	require.Equal(t, 2, l.Peek("key").Remaining[WindowMinute])
	require.Equal(t, 2, l.Peek("key").Remaining[WindowMinute])
	require.True(t, l.Allow("key").Allowed)
	require.Equal(t, 1, l.Peek("key").Remaining[WindowMinute])
}

func TestPeekReportsExhaustedWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	require.True(t, l.Allow("key").Allowed)

	dec := l.Peek("key")
	require.False(t, dec.Allowed)
	require.Equal(t, WindowMinute, dec.DeniedWindow)
	require.Equal(t, 1, dec.Limit)
	require.Equal(t, 45*time.Second, dec.RetryAfter)

	// Still non-consuming: another credential is unaffected and the
	// same credential recovers after the window rolls over.
	require.True(t, l.Peek("other").Allowed)
}

func TestDecisionErr(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	require.NoError(t, l.Allow("key").Err("key"))

	err := l.Allow("key").Err("key")
	var admErr *scrape.AdmissionError
	require.ErrorAs(t, err, &admErr)
	require.Equal(t, "key", admErr.Credential)
	require.Equal(t, string(WindowMinute), admErr.Window)
	require.Equal(t, 45*time.Second, admErr.RetryAfter)
}

func TestAllowExecutionCoveredByCreation(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100}, WithClock(fixedClock(now)))

	created := l.Allow("key")
	require.True(t, created.Allowed)

	// The minute window is full, but the job's own creation charge
	// covers its execution inside that window.
	dec := l.AllowExecution("key", now)
	require.True(t, dec.Allowed)
	require.Empty(t, dec.Charged)
	require.Equal(t, 0, dec.Remaining[WindowMinute])
}

func TestAllowExecutionRechargesRolledWindows(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	now := createdAt
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100},
		WithClock(func() time.Time { return now }))

	require.True(t, l.Allow("key").Allowed)
	now = createdAt.Add(3 * time.Minute)

	// The minute window rolled, so a backlogged execution recharges it;
	// hour and day still hold the creation charge.
	dec := l.AllowExecution("key", createdAt)
	require.True(t, dec.Allowed)
	require.Equal(t, []Window{WindowMinute}, dec.Charged)
	require.Equal(t, 0, dec.Remaining[WindowMinute])
	require.Equal(t, 9, dec.Remaining[WindowHour])

	// A second backlogged job finds the recharged minute window full.
	dec = l.AllowExecution("key", createdAt)
	require.False(t, dec.Allowed)
	require.Equal(t, WindowMinute, dec.DeniedWindow)
	require.Greater(t, dec.RetryAfter, time.Duration(0))
}

func TestRefundRestoresCharge(t *testing.T) {
	t.Parallel()

	createdAt := time.Date(2025, 3, 1, 12, 30, 15, 0, time.UTC)
	now := createdAt.Add(3 * time.Minute)
	l := New(Limits{PerMinute: 1, PerHour: 10, PerDay: 100},
		WithClock(func() time.Time { return now }))

	dec := l.AllowExecution("key", createdAt)
	require.True(t, dec.Allowed)
	require.False(t, l.AllowExecution("key", createdAt).Allowed)

	// A dispatch that lost the claim race hands its units back.
	l.Refund("key", dec.Charged)
	require.True(t, l.AllowExecution("key", createdAt).Allowed)
}
