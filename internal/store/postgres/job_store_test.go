package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/placegrid/places-scraper/internal/scrape"
)

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewJobStore(mock), mock
}

func TestCreateInsertsPendingJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("j1", "apikey:alpha", "", "coffee shops", 20, "en", "", "pending", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Create(context.Background(), scrape.Job{
		ID:         "j1",
		Credential: "apikey:alpha",
		Params:     scrape.JobParameters{Query: "coffee shops", MaxPlaces: 20, Language: "en"},
		CreatedAt:  created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWrapsStorageUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)

	err := store.Create(context.Background(), scrape.Job{ID: "j1"})
	require.ErrorIs(t, err, scrape.ErrStorageUnavailable)
}

func TestTransitionCompareAndSwap(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("j1", "pending", "running", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Transition(context.Background(), "j1",
		scrape.JobStatusPending, scrape.JobStatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStaleDispatchRejected(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("j1", "pending", "running", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Transition(context.Background(), "j1",
		scrape.JobStatusPending, scrape.JobStatusRunning, "")
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
}

func TestTransitionUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("ghost", "pending", "running", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Transition(context.Background(), "ghost",
		scrape.JobStatusPending, scrape.JobStatusRunning, "")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestTransitionOutOfTerminalRejectedWithoutQuery(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	err := store.Transition(context.Background(), "j1",
		scrape.JobStatusCompleted, scrape.JobStatusRunning, "")
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
}

func TestSetResultsOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET results").
		WithArgs("j1", pgxmock.AnyArg(), 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SetResults(context.Background(), "j1",
		[]scrape.Place{{Name: "a"}, {Name: "b"}})
	require.ErrorIs(t, err, scrape.ErrInvalidTransition)
}

func TestGetScansJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "credential", "batch_id", "query", "max_places", "lang",
		"webhook_url", "status", "progress", "places_found", "results",
		"error_text", "attempts", "webhook_state", "created_at", "started_at",
		"completed_at",
	}).AddRow(
		"j1", "apikey:alpha", "", "coffee", 20, "en",
		"", "completed", 100, 1, []byte(`[{"name":"Cafe"}]`),
		"", 1, "delivered", created, (*time.Time)(nil), (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(rows)

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Equal(t, scrape.WebhookStateDelivered, job.Webhook)
	require.Len(t, job.Results, 1)
	require.Equal(t, "Cafe", job.Results[0].Name)
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}
