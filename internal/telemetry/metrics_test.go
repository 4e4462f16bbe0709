package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Observations must not panic after double init.
	ObserveJob("completed")
	ObserveAdmissionDenied("minute")
	ObserveProxyReport(true)
	ObserveProxyReport(false)
	ObserveExecution(2 * time.Second)
	ObserveExecutionRetry()
	ObserveWebhookDelivery("delivered")
	ObserveJobDeferral("no_proxy")
	SetHealthyProxies(3)
	IncActiveWorkers()
	DecActiveWorkers()
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveJob("failed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "scraper_jobs_total")
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	metricsRec := httptest.NewRecorder()
	Handler().ServeHTTP(metricsRec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := metricsRec.Body.String()
	require.True(t, strings.Contains(body, "http_requests_total"), "request counter registered")
}
