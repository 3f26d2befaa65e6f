package connectivity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultProbeURL is a small public resource used for round-trip checks.
	DefaultProbeURL     = "https://jsonplaceholder.typicode.com/posts/1"
	defaultProbeTimeout = 3 * time.Second
	maxDrainBytes       = 4 << 10
)

var (
	errMissingProbeURL = errors.New("connectivity: probe url required")
	// ErrInvalidProbeConfig indicates that the probe could not be constructed.
	ErrInvalidProbeConfig = errors.New("connectivity: invalid probe config")
)

// ProbeConfig describes the endpoint and bounds of a reachability check.
type ProbeConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Probe performs a real network round trip to decide reachability.
// Link-layer state is never consulted.
type Probe struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProbe validates configuration and returns a Probe.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProbeConfig, errMissingProbeURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		url:        url,
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CheckReachable reports whether the endpoint answered with a 2xx status
// within the timeout. Every failure mode yields false.
func (p *Probe) CheckReachable(ctx context.Context) bool {
	if p == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		p.logger.Warn("connectivity probe request invalid", zap.Error(err))
		return false
	}
	request.Header.Set("Cache-Control", "no-cache, no-store")
	request.Header.Set("Pragma", "no-cache")

	response, err := p.httpClient.Do(request)
	if err != nil {
		p.logger.Debug("connectivity probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxDrainBytes))

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		p.logger.Debug("connectivity probe rejected",
			zap.String("url", p.url),
			zap.Int("status", response.StatusCode))
		return false
	}
	return true
}
