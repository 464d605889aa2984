// Package netcheck probes connectivity to the backend before mutations.
// The read path serves cached data offline; mutations are rejected
// outright when the probe fails, never queued.
package netcheck

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// probeTimeout bounds the connectivity probe. A mutation should not
// stall behind a slow probe; a probe this slow means offline anyway.
const probeTimeout = 3 * time.Second

// Checker reports whether the backend is reachable.
type Checker interface {
	Online(ctx context.Context) bool
}

// HTTPChecker probes the auth service health endpoint.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// New creates a checker for the given backend base URL.
func New(baseURL string, httpClient *http.Client) *HTTPChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}

	return &HTTPChecker{
		url:    strings.TrimSuffix(baseURL, "/") + "/auth/v1/health",
		client: httpClient,
	}
}

// Online sends a HEAD request to the health endpoint. Any response,
// even an error status, proves reachability; only transport failure
// counts as offline.
func (c *HTTPChecker) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}

	resp.Body.Close()

	return true
}
