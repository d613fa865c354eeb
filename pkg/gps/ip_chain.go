package gps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markus-lassfolk/fieldclock/pkg"
	"github.com/markus-lassfolk/fieldclock/pkg/logx"
	"github.com/markus-lassfolk/fieldclock/pkg/metrics"
)

const (
	// DefaultIPProviderTimeout bounds each provider call
	DefaultIPProviderTimeout = 5 * time.Second

	// IPAccuracyM is the accuracy radius assigned to every IP-derived fix
	IPAccuracyM = 1000.0

	// MinIPProviders is the shortest configurable provider chain
	MinIPProviders = 3

	maxProviderBodyBytes = 64 << 10
)

// IPLocation is a validated coarse position resolved from the public IP
type IPLocation struct {
	Position  pkg.Position `json:"position"`
	IPAddress string       `json:"ip_address"`
	Provider  string       `json:"provider"`
	City      string       `json:"city,omitempty"`
	Region    string       `json:"region,omitempty"`
	Country   string       `json:"country,omitempty"`
}

// Label renders "City, Region, Country" from whatever parts are known
func (l *IPLocation) Label() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.City, l.Region, l.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// IPResolver resolves a coarse position from the client's public IP
type IPResolver interface {
	ResolveByIP(ctx context.Context) (*IPLocation, error)
}

// IPChainConfig configures the fallback chain
type IPChainConfig struct {
	ProviderTimeout time.Duration `json:"provider_timeout"`
	UserAgent       string        `json:"user_agent"`
}

// DefaultIPChainConfig returns the stock chain configuration
func DefaultIPChainConfig() *IPChainConfig {
	return &IPChainConfig{
		ProviderTimeout: DefaultIPProviderTimeout,
		UserAgent:       "fieldclock/1.0",
	}
}

// IPFallbackChain queries providers in fixed priority order and returns the
// first valid answer. Individual provider failures are logged and skipped.
type IPFallbackChain struct {
	config    *IPChainConfig
	providers []IPProvider
	client    *http.Client
	logger    *logx.Logger
	metrics   *metrics.Collectors
	perf      *logx.PerformanceLogger
	now       func() time.Time
}

// NewIPFallbackChain creates a chain over providers. A nil client uses a
// fresh http.Client; per-provider timeouts come from the request context.
func NewIPFallbackChain(config *IPChainConfig, providers []IPProvider, client *http.Client, logger *logx.Logger) *IPFallbackChain {
	if config == nil {
		config = DefaultIPChainConfig()
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultIPProviderTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	return &IPFallbackChain{
		config:    config,
		providers: providers,
		client:    client,
		logger:    logger,
		now:       time.Now,
	}
}

// SetMetrics attaches Prometheus collectors
func (c *IPFallbackChain) SetMetrics(m *metrics.Collectors) { c.metrics = m }

// SetPerformanceLogger attaches a per-provider timing tracker
func (c *IPFallbackChain) SetPerformanceLogger(pl *logx.PerformanceLogger) { c.perf = pl }

// Providers returns the provider names in priority order
func (c *IPFallbackChain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// ResolveByIP walks the providers in order. It fails with
// ErrAllProvidersFailed once every provider has been exhausted; callers must
// not re-run the chain within the same logical operation.
func (c *IPFallbackChain) ResolveByIP(ctx context.Context) (*IPLocation, error) {
	for i, provider := range c.providers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllProvidersFailed, err)
		}

		op := c.perf.StartOperation("ip_provider." + provider.Name())
		location, outcome, err := c.queryProvider(ctx, provider)
		op.Complete(err)
		c.metrics.ProviderRequest(provider.Name(), outcome)

		if err != nil {
			c.logger.Warn("ip provider failed",
				"provider", provider.Name(),
				"priority", i+1,
				"outcome", outcome,
				"error", err)
			continue
		}

		c.logger.Info("ip location resolved",
			"provider", provider.Name(),
			"priority", i+1,
			"latitude", location.Position.Latitude,
			"longitude", location.Position.Longitude,
			"ip", location.IPAddress)
		return location, nil
	}

	c.logger.Warn("ip fallback chain exhausted", "providers", len(c.providers))
	return nil, ErrAllProvidersFailed
}

func (c *IPFallbackChain) queryProvider(ctx context.Context, provider IPProvider) (*IPLocation, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.ProviderTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, provider.URL(), nil)
	if err != nil {
		return nil, "request_error", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "transport_error", fmt.Errorf("request %s: %w", provider.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "http_error", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBodyBytes))
	if err != nil {
		return nil, "transport_error", fmt.Errorf("read body: %w", err)
	}

	candidate, err := provider.Parse(body)
	if err != nil {
		return nil, "parse_error", err
	}

	if err := validateCandidate(candidate); err != nil {
		return nil, "invalid", err
	}

	return &IPLocation{
		Position:  pkg.NewPosition(*candidate.Latitude, *candidate.Longitude, IPAccuracyM, pkg.SourceIP, c.now()),
		IPAddress: candidate.IPAddress,
		Provider:  provider.Name(),
		City:      candidate.City,
		Region:    candidate.Region,
		Country:   candidate.Country,
	}, "success", nil
}

// validateCandidate requires both coordinates, rejects the 0,0 default that
// providers emit on lookup failure, and checks ranges.
func validateCandidate(c *IPCandidate) error {
	if c == nil {
		return fmt.Errorf("empty candidate")
	}
	if c.Latitude == nil || c.Longitude == nil {
		return fmt.Errorf("missing coordinates")
	}
	if *c.Latitude == 0 && *c.Longitude == 0 {
		return fmt.Errorf("default coordinates 0,0")
	}
	candidate := pkg.Position{Latitude: *c.Latitude, Longitude: *c.Longitude}
	return candidate.Validate()
}
