package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPChecker issues a GET against URL and is healthy when the status code
// falls within [StatusMin, StatusMax]
type HTTPChecker struct {
	URL       string
	StatusMin int
	StatusMax int

	client *http.Client
}

// NewHTTPChecker accepts any 2xx or 3xx answer
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		StatusMin: http.StatusOK,
		StatusMax: 399,
		// Redirects are reported, not followed
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

// NewHTTPProbe creates a checker for path on a published host port that only
// accepts 200 OK
func NewHTTPProbe(host string, port int, path string) *HTTPChecker {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	checker := NewHTTPChecker("http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path)
	checker.StatusMax = http.StatusOK
	return checker
}

// Check performs one request. The request is bounded by ctx.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := func(healthy bool, format string, args ...any) Result {
		return Result{
			Healthy:   healthy,
			Message:   fmt.Sprintf(format, args...),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(false, "failed to create request: %v", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return result(false, "request failed: %v", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused by the next attempt
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < h.StatusMin || resp.StatusCode > h.StatusMax {
		if h.StatusMin == h.StatusMax {
			return result(false, "HTTP %d %s (expected %d)", resp.StatusCode, http.StatusText(resp.StatusCode), h.StatusMin)
		}
		return result(false, "HTTP %d %s (expected %d-%d)", resp.StatusCode, http.StatusText(resp.StatusCode), h.StatusMin, h.StatusMax)
	}
	return result(true, "HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
