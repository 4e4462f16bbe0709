package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrNotFound reports an unknown job or batch identifier.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition reports a rejected state change; the stored
	// status did not match the expected prior status.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrNotReady reports an export request against a non-terminal job.
	ErrNotReady = errors.New("job not yet terminal")
	// ErrNoResults reports an export request against a terminal job that
	// produced nothing exportable.
	ErrNoResults = errors.New("job has no results")
	// ErrStorageUnavailable reports a backing-store outage.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNoHealthyProxy reports an empty healthy set; callers defer and
	// retry rather than fail the job.
	ErrNoHealthyProxy = errors.New("no healthy proxy available")
	// ErrExecutionTimeout reports a collaborator run that exceeded its
	// hard deadline.
	ErrExecutionTimeout = errors.New("execution deadline exceeded")
)

// AdmissionError is returned when the rate limiter denies a request.
type AdmissionError struct {
	Credential string
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied for %q: %s limit of %d reached, retry after %s",
		e.Credential, e.Window, e.Limit, e.RetryAfter.Round(time.Second))
}

// permanentError marks a collaborator failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retryable classifies an execution failure. Timeouts and network
// failures are transient and worth a retry on a different proxy;
// permanent-marked errors and caller cancellation are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrExecutionTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
