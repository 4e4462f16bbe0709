package export

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placegrid/places-scraper/internal/scrape"
)

func completedJob(results []scrape.Place) scrape.Job {
	return scrape.Job{
		ID:      "j1",
		Status:  scrape.JobStatusCompleted,
		Results: results,
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"json", "CSV", "text"} {
		_, err := ParseFormat(valid)
		require.NoError(t, err, valid)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
}

func TestRenderNotReadyBeforeTerminal(t *testing.T) {
	t.Parallel()

	for _, status := range []scrape.JobStatus{scrape.JobStatusPending, scrape.JobStatusRunning} {
		_, err := Render(scrape.Job{Status: status}, FormatJSON)
		require.ErrorIs(t, err, scrape.ErrNotReady, string(status))
	}
}

func TestRenderNoResultsForTerminalNonCompleted(t *testing.T) {
	t.Parallel()

	_, err := Render(scrape.Job{Status: scrape.JobStatusFailed}, FormatJSON)
	require.ErrorIs(t, err, scrape.ErrNoResults)

	_, err = Render(completedJob(nil), FormatJSON)
	require.ErrorIs(t, err, scrape.ErrNoResults)
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	data, err := Render(completedJob([]scrape.Place{
		{Name: "Cafe One", Rating: 4.5},
	}), FormatJSON)
	require.NoError(t, err)

	var places []scrape.Place
	require.NoError(t, json.Unmarshal(data, &places))
	require.Len(t, places, 1)
	require.Equal(t, "Cafe One", places[0].Name)
}

func TestRenderCSV(t *testing.T) {
	t.Parallel()

	data, err := Render(completedJob([]scrape.Place{
		{Name: "Cafe, One", Address: "1 Main St", Rating: 4.5, ReviewCount: 12},
	}), FormatCSV)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "name,address,phone"))
	require.Contains(t, lines[1], `"Cafe, One"`, "comma in field stays quoted")
	require.Contains(t, lines[1], "4.5")
}

func TestRenderText(t *testing.T) {
	t.Parallel()

	data, err := Render(completedJob([]scrape.Place{
		{Name: "Cafe One", Address: "1 Main St", Email: "hi@cafe.example"},
		{Name: "Cafe Two"},
	}), FormatText)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "Cafe One\t1 Main St\thi@cafe.example", lines[0])
	require.Equal(t, "Cafe Two", lines[1])
}

func TestContentTypes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/json", FormatJSON.ContentType())
	require.Equal(t, "text/csv", FormatCSV.ContentType())
	require.Equal(t, "text/plain; charset=utf-8", FormatText.ContentType())
}
