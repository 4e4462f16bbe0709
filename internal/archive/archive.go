// Package archive persists rendered result sets of completed jobs so
// they survive beyond the job store's retention.
package archive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// Provider writes an archive object and returns its URI.
type Provider interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ObjectPath names the archive object for a job. Completion day in the
// path keeps listing by date cheap.
func ObjectPath(job scrape.Job, format string) string {
	day := time.Now().UTC()
	if job.CompletedAt != nil {
		day = job.CompletedAt.UTC()
	}
	return fmt.Sprintf("jobs/%s/%s.%s", day.Format("2006-01-02"), job.ID, format)
}
