// Package executor contains the scraping backends behind the Executor
// boundary and helpers shared between them.
package executor

import (
	"net/url"
	"strings"

	"github.com/placegrid/places-scraper/internal/scrape"
)

const searchBaseURL = "https://www.google.com/maps/search/"

// SearchURL builds the place search URL for a query and language.
func SearchURL(query, lang string) string {
	u := searchBaseURL + url.PathEscape(query)
	if lang != "" {
		u += "?hl=" + url.QueryEscape(lang)
	}
	return u
}

// Collect deduplicates places by name and caps the result count.
// Listings repeat entries as the result feed re-renders.
func Collect(places []scrape.Place, maxPlaces int) []scrape.Place {
	seen := make(map[string]struct{}, len(places))
	out := make([]scrape.Place, 0, len(places))
	for _, p := range places {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		p.Name = name
		out = append(out, p)
		if maxPlaces > 0 && len(out) >= maxPlaces {
			break
		}
	}
	return out
}
