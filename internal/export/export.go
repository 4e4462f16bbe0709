// Package export renders completed job results in client-facing formats.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// Format is a tagged export variant.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatText:
		return FormatText, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatText:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

var csvHeader = []string{
	"name", "address", "phone", "website", "email",
	"category", "rating", "review_count", "latitude", "longitude",
}

// Render serializes the job's result set. Non-terminal jobs fail with
// ErrNotReady; terminal jobs without exportable results fail with
// ErrNoResults.
func Render(job scrape.Job, format Format) ([]byte, error) {
	if !job.Status.Terminal() {
		return nil, scrape.ErrNotReady
	}
	if job.Status != scrape.JobStatusCompleted || len(job.Results) == 0 {
		return nil, scrape.ErrNoResults
	}

	switch format {
	case FormatCSV:
		return renderCSV(job.Results)
	case FormatText:
		return renderText(job.Results), nil
	default:
		data, err := json.MarshalIndent(job.Results, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal results: %w", err)
		}
		return data, nil
	}
}

func renderCSV(places []scrape.Place) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range places {
		record := []string{
			p.Name, p.Address, p.Phone, p.Website, p.Email, p.Category,
			formatFloat(p.Rating), strconv.Itoa(p.ReviewCount),
			formatFloat(p.Latitude), formatFloat(p.Longitude),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// renderText emits one place per line with tab-separated fields, the
// plain-lines form consumed by spreadsheet pastes and shell pipelines.
func renderText(places []scrape.Place) []byte {
	var buf bytes.Buffer
	for _, p := range places {
		fields := []string{p.Name}
		if p.Address != "" {
			fields = append(fields, p.Address)
		}
		if p.Phone != "" {
			fields = append(fields, p.Phone)
		}
		if p.Email != "" {
			fields = append(fields, p.Email)
		}
		buf.WriteString(strings.Join(fields, "\t"))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func formatFloat(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
