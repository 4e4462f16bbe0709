// Package notify publishes job lifecycle events to downstream
// consumers (analytics, billing, alerting).
package notify

import (
	"context"
	"time"
)

// Publisher sends one event payload to a named topic and returns the
// broker-assigned message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobEvent is the payload published when a job reaches a terminal
// state.
type JobEvent struct {
	JobID       string     `json:"job_id"`
	BatchID     string     `json:"batch_id,omitempty"`
	Status      string     `json:"status"`
	Query       string     `json:"query"`
	PlacesFound int        `json:"places_found"`
	Attempts    int        `json:"attempts"`
	ArchiveURI  string     `json:"archive_uri,omitempty"`
	CompletedAt *time.Time `json:"completed_at"`
}
