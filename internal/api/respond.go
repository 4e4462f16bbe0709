package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/placegrid/places-scraper/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode failures at this point can only be surfaced to the client
	// as a broken body; the connection handles that.
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeRateHeaders(w http.ResponseWriter, decision ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining[ratelimit.WindowMinute], 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
}
