// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// WebhookState tracks the outcome of best-effort result delivery.
// It never feeds back into the job lifecycle.
type WebhookState string

// Webhook delivery outcomes recorded on the job.
const (
	WebhookStateNone      WebhookState = ""
	WebhookStateDelivered WebhookState = "delivered"
	WebhookStateFailed    WebhookState = "failed"
)

// Place is one extracted business listing.
type Place struct {
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Website     string  `json:"website,omitempty"`
	Email       string  `json:"email,omitempty"`
	Category    string  `json:"category,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// JobParameters captures per-job configuration requested by the client.
type JobParameters struct {
	Query      string `json:"query"`
	MaxPlaces  int    `json:"max_places"`
	Language   string `json:"lang"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Job is the metadata persisted for each admitted scrape request.
type Job struct {
	ID          string        `json:"job_id"`
	Credential  string        `json:"-"`
	BatchID     string        `json:"batch_id,omitempty"`
	Params      JobParameters `json:"parameters"`
	Status      JobStatus     `json:"status"`
	Progress    int           `json:"progress"`
	PlacesFound int           `json:"places_found"`
	Results     []Place       `json:"results,omitempty"`
	ErrorText   string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Webhook     WebhookState  `json:"webhook_state,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// EstimatedCompletion extrapolates a finish time from the observed
// processing rate. Returns nil unless the job is running and has made
// measurable progress.
func (j Job) EstimatedCompletion(now time.Time) *time.Time {
	if j.Status != JobStatusRunning || j.StartedAt == nil || j.Progress <= 0 {
		return nil
	}
	elapsed := now.Sub(*j.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	remaining := time.Duration(float64(elapsed) * float64(100-j.Progress) / float64(j.Progress))
	eta := now.Add(remaining)
	return &eta
}

// Batch groups independently addressable jobs under one identifier.
// Aggregate batch state is always recomputed from the member jobs,
// never stored.
type Batch struct {
	ID        string    `json:"batch_id"`
	JobIDs    []string  `json:"job_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecuteRequest is the input to the external scraping collaborator.
type ExecuteRequest struct {
	Query     string
	MaxPlaces int
	Language  string
	// ProxyURL routes the execution through a pool endpoint when set.
	ProxyURL string
}
