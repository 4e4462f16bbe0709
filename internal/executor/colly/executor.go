// Package colly implements the HTTP scraping backend using gocolly.
// It works off the server-rendered listing page, which carries less
// detail than the scripted view but needs no browser.
package colly

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/placegrid/places-scraper/internal/executor"
	"github.com/placegrid/places-scraper/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Executor implements scrape.Executor using the Colly collector.
type Executor struct {
	cfg           Config
	baseCollector *colly.Collector

	// searchURL is swappable in tests.
	searchURL func(query, lang string) string
}

// coordsRE pulls the pinned latitude/longitude out of a place href.
var coordsRE = regexp.MustCompile(`!3d(-?\d+\.\d+)!4d(-?\d+\.\d+)`)

// ratingRE matches listing rating labels like "4.6 stars 1,204 reviews".
var ratingRE = regexp.MustCompile(`^(\d(?:\.\d)?) stars? ([\d,]+) [Rr]eviews?`)

// New builds an Executor.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Executor{
		cfg:           cfg,
		baseCollector: c,
		searchURL:     executor.SearchURL,
	}
}

// Execute fetches the listing page for the query and extracts places.
func (e *Executor) Execute(ctx context.Context, req scrape.ExecuteRequest) ([]scrape.Place, error) {
	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	collector.SetRequestTimeout(e.cfg.Timeout)
	if req.ProxyURL != "" {
		if err := collector.SetProxy(req.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	var (
		places   []scrape.Place
		fetchErr error
	)
	collector.OnHTML(`a[href*="/maps/place/"]`, func(el *colly.HTMLElement) {
		place := scrape.Place{Name: el.Attr("aria-label")}
		if m := coordsRE.FindStringSubmatch(el.Attr("href")); m != nil {
			place.Latitude, _ = strconv.ParseFloat(m[1], 64)
			place.Longitude, _ = strconv.ParseFloat(m[2], 64)
		}
		el.DOM.Parent().Find(`span[role="img"]`).Each(func(_ int, sel *goquery.Selection) {
			if m := ratingRE.FindStringSubmatch(sel.AttrOr("aria-label", "")); m != nil {
				place.Rating, _ = strconv.ParseFloat(m[1], 64)
				place.ReviewCount, _ = strconv.Atoi(strings.ReplaceAll(m[2], ",", ""))
			}
		})
		places = append(places, place)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := e.runCollector(ctx, collector, e.searchURL(req.Query, req.Language), &fetchErr); err != nil {
		return nil, err
	}
	return executor.Collect(places, req.MaxPlaces), nil
}

func (e *Executor) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("listing fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit listing: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("listing response: %w", *fetchErr)
		}
		return nil
	}
}
