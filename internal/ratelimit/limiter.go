// Package ratelimit implements fixed-window admission control per credential.
//
// Each credential carries three independent counters (minute, hour, day).
// A request is admitted only when every window still has room, and the
// increment across all three windows happens inside one per-credential
// critical section so two concurrent requests can never both consume the
// last unit of capacity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// Window identifies one fixed counting interval.
type Window string

// Window kinds, shortest first.
const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

var windowDurations = map[Window]time.Duration{
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	return windowDurations[w]
}

// Limits holds the per-window admission caps for a credential.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

func (l Limits) limit(w Window) int {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	// Remaining capacity per window after this attempt.
	Remaining map[Window]int
	// DeniedWindow is the exhausted window with the soonest reset.
	DeniedWindow Window
	// Limit is the cap of the denied window, or the minute cap when allowed.
	Limit int
	// RetryAfter is how long until the denied window resets.
	RetryAfter time.Duration
	// Reset is the wall-clock moment the minute window rolls over, for
	// X-RateLimit-Reset headers.
	Reset time.Time
	// Charged lists the windows this decision consumed a unit from,
	// for Refund when the admitted work is abandoned.
	Charged []Window
}

// Err converts a denial into a scrape.AdmissionError. Returns nil when
// the decision admitted the request.
func (d Decision) Err(credential string) error {
	if d.Allowed {
		return nil
	}
	return &scrape.AdmissionError{
		Credential: credential,
		Window:     string(d.DeniedWindow),
		Limit:      d.Limit,
		RetryAfter: d.RetryAfter,
	}
}

type windowCounter struct {
	start time.Time
	count int
}

type credentialState struct {
	mu      sync.Mutex
	windows map[Window]*windowCounter
}

// Limiter gates admission per credential over minute/hour/day windows.
// Fixed windows keep state O(1) per window at the cost of boundary
// bursts up to twice the cap across a window edge.
type Limiter struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	creds map[string]*credentialState
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter with the given per-window caps.
func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
		creds:  make(map[string]*credentialState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) credential(key string) *credentialState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.creds[key]
	if !ok {
		state = &credentialState{windows: map[Window]*windowCounter{
			WindowMinute: {},
			WindowHour:   {},
			WindowDay:    {},
		}}
		l.creds[key] = state
	}
	return state
}

// Allow runs one admission attempt for the credential, at request time.
// On admission it consumes one unit from all three windows atomically;
// on denial it consumes nothing and reports the soonest-resetting
// exhausted window.
func (l *Limiter) Allow(credential string) Decision {
	state := l.credential(credential)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := l.now()
	for w, counter := range state.windows {
		start := now.Truncate(w.Duration())
		if !counter.start.Equal(start) {
			counter.start = start
			counter.count = 0
		}
	}

	var denied Window
	var deniedReset time.Time
	for _, w := range []Window{WindowMinute, WindowHour, WindowDay} {
		counter := state.windows[w]
		if counter.count+1 > l.limits.limit(w) {
			reset := counter.start.Add(w.Duration())
			if denied == "" || reset.Before(deniedReset) {
				denied = w
				deniedReset = reset
			}
		}
	}

	dec := Decision{
		Remaining: make(map[Window]int, len(state.windows)),
		Reset:     state.windows[WindowMinute].start.Add(time.Minute),
	}
	if denied != "" {
		dec.DeniedWindow = denied
		dec.Limit = l.limits.limit(denied)
		dec.RetryAfter = deniedReset.Sub(now)
		for w, counter := range state.windows {
			dec.Remaining[w] = l.limits.limit(w) - counter.count
		}
		return dec
	}

	for w, counter := range state.windows {
		counter.count++
		dec.Remaining[w] = l.limits.limit(w) - counter.count
	}
	dec.Allowed = true
	dec.Limit = l.limits.PerMinute
	dec.Charged = []Window{WindowMinute, WindowHour, WindowDay}
	return dec
}

// AllowExecution admits the execution of a job admitted at createdAt.
// A window the job was created inside is covered by the creation charge
// and costs nothing more; a window that has rolled over since creation
// is recharged. Backlogged jobs therefore compete for fresh capacity
// while a freshly created job is never blocked by its own admission.
func (l *Limiter) AllowExecution(credential string, createdAt time.Time) Decision {
	state := l.credential(credential)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := l.now()
	for w, counter := range state.windows {
		start := now.Truncate(w.Duration())
		if !counter.start.Equal(start) {
			counter.start = start
			counter.count = 0
		}
	}

	var uncovered []Window
	var denied Window
	var deniedReset time.Time
	for _, w := range []Window{WindowMinute, WindowHour, WindowDay} {
		counter := state.windows[w]
		if !createdAt.Before(counter.start) {
			continue
		}
		uncovered = append(uncovered, w)
		if counter.count+1 > l.limits.limit(w) {
			reset := counter.start.Add(w.Duration())
			if denied == "" || reset.Before(deniedReset) {
				denied = w
				deniedReset = reset
			}
		}
	}

	dec := Decision{
		Remaining: make(map[Window]int, len(state.windows)),
		Reset:     state.windows[WindowMinute].start.Add(time.Minute),
	}
	if denied != "" {
		dec.DeniedWindow = denied
		dec.Limit = l.limits.limit(denied)
		dec.RetryAfter = deniedReset.Sub(now)
		for w, counter := range state.windows {
			dec.Remaining[w] = l.limits.limit(w) - counter.count
		}
		return dec
	}

	for _, w := range uncovered {
		state.windows[w].count++
	}
	for w, counter := range state.windows {
		dec.Remaining[w] = l.limits.limit(w) - counter.count
	}
	dec.Allowed = true
	dec.Limit = l.limits.PerMinute
	dec.Charged = uncovered
	return dec
}

// Refund returns the units a decision charged, for work that was
// admitted but then abandoned, such as a dispatch that lost the claim
// race. A window that rolled over since the charge resets on its next
// use, so a stale refund cannot push remaining capacity above the cap.
func (l *Limiter) Refund(credential string, windows []Window) {
	if len(windows) == 0 {
		return
	}
	state := l.credential(credential)
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, w := range windows {
		if counter, ok := state.windows[w]; ok && counter.count > 0 {
			counter.count--
		}
	}
}

// Peek reports the admission decision without consuming capacity, for
// rate-limit headers on read-only endpoints.
func (l *Limiter) Peek(credential string) Decision {
	state := l.credential(credential)
	state.mu.Lock()
	defer state.mu.Unlock()

	now := l.now()
	dec := Decision{
		Allowed:   true,
		Remaining: make(map[Window]int, len(state.windows)),
		Limit:     l.limits.PerMinute,
		Reset:     now.Truncate(time.Minute).Add(time.Minute),
	}
	var deniedReset time.Time
	for _, w := range []Window{WindowMinute, WindowHour, WindowDay} {
		counter := state.windows[w]
		start := now.Truncate(w.Duration())
		count := counter.count
		if !counter.start.Equal(start) {
			count = 0
		}
		dec.Remaining[w] = l.limits.limit(w) - count
		if count >= l.limits.limit(w) {
			reset := start.Add(w.Duration())
			if dec.Allowed || reset.Before(deniedReset) {
				dec.Allowed = false
				dec.DeniedWindow = w
				dec.Limit = l.limits.limit(w)
				dec.RetryAfter = reset.Sub(now)
				deniedReset = reset
			}
		}
	}
	return dec
}
