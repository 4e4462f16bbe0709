package proxy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placegrid/places-scraper/internal/scrape"
)

// Strategy selects how the pool rotates across healthy endpoints.
type Strategy string

// Rotation strategies.
const (
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyRandom      Strategy = "random"
	StrategyLeastUsed   Strategy = "least_used"
	StrategyPerformance Strategy = "performance"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyPerformance:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown proxy strategy %q", s)
	}
}

// Config controls pool behavior.
type Config struct {
	Strategy Strategy
	// MaxConsecutiveFailures flips an endpoint unhealthy.
	MaxConsecutiveFailures int
	ProbeInterval          time.Duration
	ProbeTimeout           time.Duration
	ProbeURL               string
}

// Pool owns the endpoint set and hands out proxies per the configured
// strategy. Selection excludes unhealthy endpoints; when the healthy
// set is empty Acquire fails with scrape.ErrNoHealthyProxy and the
// caller defers the work.
type Pool struct {
	cfg    Config
	logger *zap.Logger
	prober Prober

	mu        sync.Mutex
	endpoints []*Endpoint
	cursor    int
	rng       *rand.Rand
}

// NewPool creates an empty pool.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		prober: &httpProber{timeout: cfg.ProbeTimeout, target: cfg.ProbeURL},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add parses and registers a proxy URL.
func (p *Pool) Add(rawURL string) error {
	e, err := ParseEndpoint(rawURL)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = append(p.endpoints, e)
	return nil
}

// Size returns the total endpoint count, healthy or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Acquire selects an endpoint per the strategy and increments its
// in-flight count. Callers must pair every Acquire with Release.
func (p *Pool) Acquire() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.selectable() {
			healthy = append(healthy, e)
		}
	}
	if len(healthy) == 0 {
		return nil, scrape.ErrNoHealthyProxy
	}

	var chosen *Endpoint
	switch p.cfg.Strategy {
	case StrategyRandom:
		chosen = healthy[p.rng.Intn(len(healthy))]
	case StrategyLeastUsed:
		chosen = leastUsed(healthy)
	case StrategyPerformance:
		chosen = bestPerforming(healthy)
	default: // round robin
		chosen = healthy[p.cursor%len(healthy)]
		p.cursor++
	}

	chosen.mu.Lock()
	chosen.inFlight++
	chosen.lastUsed = time.Now().UTC()
	chosen.mu.Unlock()
	return chosen, nil
}

// Release returns an endpoint after its execution finished.
func (p *Pool) Release(e *Endpoint) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight > 0 {
		e.inFlight--
	}
}

// Report records an execution outcome against the endpoint. Enough
// consecutive failures flip it unhealthy until a probe readmits it.
func (p *Pool) Report(e *Endpoint, ok bool) {
	if e == nil {
		return
	}
	e.recordOutcome(ok, p.cfg.MaxConsecutiveFailures)
	if !ok && e.Health() == HealthUnhealthy {
		p.logger.Warn("proxy marked unhealthy", zap.String("proxy", e.Address()))
	}
}

// Stats snapshots every endpoint for the operator surface.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e.stats())
	}
	return out
}

// HealthyCount returns the number of currently selectable endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.endpoints {
		if e.selectable() {
			n++
		}
	}
	return n
}

func leastUsed(endpoints []*Endpoint) *Endpoint {
	chosen := endpoints[0]
	chosen.mu.Lock()
	bestInFlight, bestLastUsed := chosen.inFlight, chosen.lastUsed
	chosen.mu.Unlock()
	for _, e := range endpoints[1:] {
		e.mu.Lock()
		inFlight, lastUsed := e.inFlight, e.lastUsed
		e.mu.Unlock()
		if inFlight < bestInFlight ||
			(inFlight == bestInFlight && lastUsed.Before(bestLastUsed)) {
			chosen, bestInFlight, bestLastUsed = e, inFlight, lastUsed
		}
	}
	return chosen
}

func bestPerforming(endpoints []*Endpoint) *Endpoint {
	chosen := endpoints[0]
	chosen.mu.Lock()
	bestRatio := chosen.successRatio()
	chosen.mu.Unlock()
	ties := []*Endpoint{chosen}
	for _, e := range endpoints[1:] {
		e.mu.Lock()
		ratio := e.successRatio()
		e.mu.Unlock()
		switch {
		case ratio > bestRatio:
			chosen, bestRatio = e, ratio
			ties = ties[:0]
			ties = append(ties, e)
		case ratio == bestRatio:
			ties = append(ties, e)
		}
	}
	if len(ties) > 1 {
		return leastUsed(ties)
	}
	return chosen
}
