// Package chromedp implements the headless scraping backend. The
// scripted listing view exposes richer place detail than the static
// page, at the cost of running Chrome.
package chromedp

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/placegrid/places-scraper/internal/executor"
	"github.com/placegrid/places-scraper/internal/scrape"
)

// Config controls the behavior of the headless executor.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ScrollRounds is how many times the result feed is scrolled to
	// load more entries before extraction.
	ScrollRounds int
}

// Executor implements scrape.Executor using chromedp and headless
// Chrome. Each execution gets its own allocator so the proxy can differ
// per request.
type Executor struct {
	cfg     Config
	limiter chan struct{}
}

// New creates a headless executor.
func New(cfg Config) (*Executor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ScrollRounds <= 0 {
		cfg.ScrollRounds = 5
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Executor{cfg: cfg, limiter: limiter}, nil
}

// extractJS pulls place fields out of the rendered result feed.
const extractJS = `
Array.from(document.querySelectorAll('div[role="feed"] div[role="article"]')).map((card) => {
  const link = card.querySelector('a[href*="/maps/place/"]');
  const rating = card.querySelector('span[role="img"]');
  const ratingMatch = rating ? (rating.getAttribute('aria-label') || '').match(/^([0-9.]+) stars? ([0-9,]+)/i) : null;
  const lines = Array.from(card.querySelectorAll('.fontBodyMedium > div')).map((d) => d.textContent || '');
  const coords = link ? (link.getAttribute('href') || '').match(/!3d(-?[0-9.]+)!4d(-?[0-9.]+)/) : null;
  return {
    name: link ? (link.getAttribute('aria-label') || '') : '',
    address: lines.length > 1 ? lines[1].split('·').pop().trim() : '',
    category: lines.length > 1 ? lines[1].split('·')[0].trim() : '',
    phone: lines.length > 2 ? (lines[2].match(/[+0-9][0-9 ()-]{6,}/) || [''])[0] : '',
    rating: ratingMatch ? parseFloat(ratingMatch[1]) : 0,
    review_count: ratingMatch ? parseInt(ratingMatch[2].replace(/,/g, ''), 10) : 0,
    latitude: coords ? parseFloat(coords[1]) : 0,
    longitude: coords ? parseFloat(coords[2]) : 0,
  };
})
`

// scrollJS advances the result feed so later entries render.
const scrollJS = `
(() => {
  const feed = document.querySelector('div[role="feed"]');
  if (feed) { feed.scrollTop = feed.scrollHeight; }
})()
`

// Execute renders the listing for the query and extracts places.
func (e *Executor) Execute(ctx context.Context, req scrape.ExecuteRequest) ([]scrape.Place, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if req.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(req.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.NavigationTimeout)
	defer cancel()

	var places []scrape.Place
	actions := []chromedp.Action{
		e.userAgentAction(),
		chromedp.Navigate(executor.SearchURL(req.Query, req.Language)),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	for i := 0; i < e.cfg.ScrollRounds; i++ {
		actions = append(actions,
			chromedp.Evaluate(scrollJS, nil),
			chromedp.Sleep(700*time.Millisecond),
		)
	}
	actions = append(actions, chromedp.Evaluate(extractJS, &places))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, fmt.Errorf("render listing: %w", err)
	}
	return executor.Collect(places, req.MaxPlaces), nil
}

func (e *Executor) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if e.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (e *Executor) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (e *Executor) release() {
	if e.limiter != nil {
		<-e.limiter
	}
}
