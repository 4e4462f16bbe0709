package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const defaultProbeURL = "https://www.google.com/generate_204"

// Prober checks whether a single endpoint can carry traffic.
type Prober interface {
	Probe(ctx context.Context, e *Endpoint) error
}

// httpProber issues a GET through the endpoint and accepts any response
// below 500 as proof of life.
type httpProber struct {
	timeout time.Duration
	target  string
}

func (p *httpProber) Probe(ctx context.Context, e *Endpoint) error {
	target := p.target
	if target == "" {
		target = defaultProbeURL
	}
	proxyURL, err := url.Parse(e.URL())
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", e.Address(), err)
	}
	defer resp.Body.Close() //nolint:errcheck // probe response body is unused
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe via %s: status %d", e.Address(), resp.StatusCode)
	}
	return nil
}

// SetProber overrides the prober, for tests.
func (p *Pool) SetProber(prober Prober) {
	p.prober = prober
}

// RunHealthChecks periodically probes non-healthy endpoints and
// restores the ones that respond. It blocks until ctx finishes.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeUnhealthy(ctx)
		}
	}
}

func (p *Pool) probeUnhealthy(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.Health() == HealthUnhealthy {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	for _, e := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := p.prober.Probe(probeCtx, e)
		cancel()
		now := time.Now().UTC()
		if err != nil {
			e.markProbe(false, now)
			p.logger.Debug("proxy probe failed",
				zap.String("proxy", e.Address()), zap.Error(err))
			continue
		}
		e.markProbe(true, now)
		p.logger.Info("proxy restored", zap.String("proxy", e.Address()))
	}
}
