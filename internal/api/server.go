// Package api exposes the HTTP interface for the scraper service.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v1/scrape/... for job and batch submission.
//   - GET /api/v1/jobs/... for status, export, and cancellation.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/batch"
	"github.com/placegrid/places-scraper/internal/config"
	"github.com/placegrid/places-scraper/internal/proxy"
	"github.com/placegrid/places-scraper/internal/ratelimit"
	"github.com/placegrid/places-scraper/internal/scrape"
	"github.com/placegrid/places-scraper/internal/telemetry"
)

// Server wires HTTP handlers to the coordinator and stores.
type Server struct {
	router      chi.Router
	store       scrape.JobStore
	coordinator *batch.Coordinator
	limiter     *ratelimit.Limiter
	proxies     *proxy.Pool
	cfg         config.Config
	logger      *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg config.Config,
	store scrape.JobStore,
	coordinator *batch.Coordinator,
	limiter *ratelimit.Limiter,
	proxies *proxy.Pool,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:       store,
		coordinator: coordinator,
		limiter:     limiter,
		proxies:     proxies,
		cfg:         cfg,
		logger:      logger.Named("api"),
		now:         func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/scrape/async", s.createJob)
		r.Post("/scrape/batch", s.createBatch)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/export", s.exportJob)
			r.Post("/cancel", s.cancelJob)
		})
		r.Get("/batches/{batch_id}", s.getBatch)
		r.Get("/proxies/stats", s.proxyStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports not-ready when every proxy is out, since no job could
// be dispatched. An empty pool means direct connections and stays ready.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.proxies != nil && s.proxies.Size() > 0 && s.proxies.HealthyCount() == 0 {
		writeError(w, http.StatusServiceUnavailable, "no healthy proxies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
