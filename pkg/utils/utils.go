package utils

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRequestID returns a unique identifier used to correlate a proxied request
// with its upstream call in the logs.
//
// The format is a compact timestamp followed by the first 8 hex digits of a
// random UUID, e.g. "20250412T101512.042Z-1f0c9a2b".
func NewRequestID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405.000Z"), uuid.New().String()[:8])
}

// NewHTTPClient builds the client used for upstream calls. When proxyURL is
// non-empty every request is routed through that forward proxy.
//
// The client has no overall timeout: streamed completions can legitimately run
// for minutes and are bounded by the request context instead.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL = strings.TrimSpace(proxyURL); proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

// TrimBaseURL trims whitespace and a trailing slash from a base URL.
func TrimBaseURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}
