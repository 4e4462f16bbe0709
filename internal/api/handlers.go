package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/batch"
	"github.com/placegrid/places-scraper/internal/export"
	"github.com/placegrid/places-scraper/internal/scrape"
	"github.com/placegrid/places-scraper/internal/telemetry"
)

const maxQueryLength = 200

type scrapeRequest struct {
	Query      string `json:"query"`
	MaxPlaces  *int   `json:"max_places"`
	Lang       string `json:"lang"`
	WebhookURL string `json:"webhook_url"`
}

type batchScrapeRequest struct {
	Queries    []string `json:"queries"`
	MaxPlaces  *int     `json:"max_places"`
	Lang       string   `json:"lang"`
	WebhookURL string   `json:"webhook_url"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	credential := credentialFrom(r)
	if !s.admit(w, credential) {
		return
	}

	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParameters(req.Query, req.MaxPlaces, req.Lang, req.WebhookURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.coordinator.CreateJob(r.Context(), credential, params)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"status":  string(job.Status),
		"query":   job.Params.Query,
		"message": "Job created successfully. Use GET /api/v1/jobs/{job_id} to check status.",
	})
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	credential := credentialFrom(r)
	if !s.admit(w, credential) {
		return
	}

	var req batchScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	for _, q := range req.Queries {
		if err := validateQuery(q); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("query %q: %v", q, err))
			return
		}
	}
	base, err := s.toJobParameters("-", req.MaxPlaces, req.Lang, req.WebhookURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	base.Query = ""

	created, jobs, err := s.coordinator.CreateBatch(r.Context(), credential, req.Queries, base)
	if err != nil {
		if errors.Is(err, batch.ErrNoQueries) || errors.Is(err, batch.ErrTooManyQueries) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":   created.ID,
		"job_ids":    created.JobIDs,
		"status":     string(scrape.JobStatusPending),
		"total_jobs": len(jobs),
		"message":    fmt.Sprintf("Batch created with %d jobs. Use GET /api/v1/batches/{batch_id} to check status.", len(jobs)),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeRateHeaders(w, s.limiter.Peek(credentialFrom(r)))

	body := map[string]any{
		"job_id":        job.ID,
		"status":        string(job.Status),
		"query":         job.Params.Query,
		"progress":      job.Progress,
		"places_found":  job.PlacesFound,
		"attempts":      job.Attempts,
		"created_at":    job.CreatedAt,
		"started_at":    job.StartedAt,
		"completed_at":  job.CompletedAt,
		"results_count": len(job.Results),
	}
	if job.BatchID != "" {
		body["batch_id"] = job.BatchID
	}
	if job.ErrorText != "" {
		body["error"] = job.ErrorText
	}
	if job.Webhook != "" {
		body["webhook_status"] = string(job.Webhook)
	}
	if eta := job.EstimatedCompletion(s.now()); eta != nil {
		body["estimated_completion"] = eta
	}
	if job.Status == scrape.JobStatusCompleted && len(job.Results) > 0 {
		body["results"] = job.Results
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) exportJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := export.Render(job, format)
	switch {
	case errors.Is(err, scrape.ErrNotReady):
		writeError(w, http.StatusConflict, fmt.Sprintf("job is not completed yet, current status: %s", job.Status))
		return
	case errors.Is(err, scrape.ErrNoResults):
		writeError(w, http.StatusNotFound, "no results available for this job")
		return
	case err != nil:
		s.logger.Error("render export failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate export")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=job_%s.%s", job.ID, format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write export failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("job already finished with status %s", job.Status))
		return
	}
	err := s.store.Transition(r.Context(), job.ID, job.Status, scrape.JobStatusCancelled, "cancelled via API")
	if errors.Is(err, scrape.ErrInvalidTransition) {
		// The job moved under us; report its current state.
		writeError(w, http.StatusConflict, "job state changed, retry cancel")
		return
	}
	if err != nil {
		s.logger.Error("cancel job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	telemetry.ObserveJob(string(scrape.JobStatusCancelled))
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"status": string(scrape.JobStatusCancelled),
	})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	status, err := s.coordinator.Status(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("batch %s not found", batchID))
			return
		}
		s.logger.Error("batch status failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.proxies.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   s.proxies.Size(),
		"healthy": s.proxies.HealthyCount(),
		"proxies": stats,
	})
}

// admit gates creation endpoints. Admission consumes one unit per
// window; the dispatcher reuses that charge while the windows hold.
func (s *Server) admit(w http.ResponseWriter, credential string) bool {
	decision := s.limiter.Allow(credential)
	writeRateHeaders(w, decision)
	if decision.Allowed {
		return true
	}
	telemetry.ObserveAdmissionDenied(string(decision.DeniedWindow))
	retryAfter := int(decision.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"detail":      fmt.Sprintf("Rate limit exceeded for the %s window. Please retry after %d seconds.", decision.DeniedWindow, retryAfter),
		"retry_after": retryAfter,
	})
	return false
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (scrape.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
			return scrape.Job{}, false
		}
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return scrape.Job{}, false
	}
	return job, true
}

func (s *Server) toJobParameters(query string, maxPlaces *int, lang, webhookURL string) (scrape.JobParameters, error) {
	if err := validateQuery(query); err != nil {
		return scrape.JobParameters{}, err
	}
	places := s.cfg.Jobs.DefaultMaxPlaces
	if maxPlaces != nil {
		places = *maxPlaces
	}
	if places < 1 || places > s.cfg.Jobs.MaxPlacesCeiling {
		return scrape.JobParameters{}, fmt.Errorf("max_places must be in 1..%d", s.cfg.Jobs.MaxPlacesCeiling)
	}
	if lang == "" {
		lang = s.cfg.Jobs.DefaultLanguage
	}
	if webhookURL != "" {
		u, err := url.Parse(webhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return scrape.JobParameters{}, errors.New("webhook_url must be a valid http(s) URL")
		}
	}
	return scrape.JobParameters{
		Query:      strings.TrimSpace(query),
		MaxPlaces:  places,
		Language:   lang,
		WebhookURL: webhookURL,
	}, nil
}

func validateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return errors.New("query is required")
	}
	if len(trimmed) > maxQueryLength {
		return fmt.Errorf("query must be at most %d characters", maxQueryLength)
	}
	for _, r := range trimmed {
		if unicode.IsControl(r) {
			return errors.New("query must not contain control characters")
		}
	}
	return nil
}
