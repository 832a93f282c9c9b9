// Package transport provides HTTP round trippers shared by the assistant's API clients.
package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxWait bounds how long a single Retry-After is honoured
const DefaultMaxWait = 2 * time.Minute

// RateLimitedTransport retries requests rejected with 429 after waiting for the duration named by the Retry-After
// header. Waits longer than the configured maximum are not honoured; the 429 response is returned to the caller
// instead
type RateLimitedTransport struct {
	base    http.RoundTripper
	maxWait time.Duration
	logger  *zap.Logger
}

type Option func(*RateLimitedTransport)

// WithMaxWait overrides DefaultMaxWait
func WithMaxWait(d time.Duration) Option {
	return func(t *RateLimitedTransport) { t.maxWait = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *RateLimitedTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithRateLimiting(base http.RoundTripper, opts ...Option) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &RateLimitedTransport{
		base:    base,
		maxWait: DefaultMaxWait,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Preserve the original request body for retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		err = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close request body: %w", err)
		}
	}

	for {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return resp, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		waitDuration := RetryAfter(resp.Header, time.Now())
		if waitDuration <= 0 || waitDuration > t.maxWait {
			return resp, nil
		}

		err = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to close response body: %w", err)
		}

		t.logger.Info("Rate limited, waiting",
			zap.String("host", req.URL.Host),
			zap.Duration("wait", waitDuration),
		)
		timer := time.NewTimer(waitDuration)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

// RetryAfter parses a Retry-After header given either as delay seconds or as an HTTP date. It returns zero when the
// header is absent or unparseable
func RetryAfter(h http.Header, now time.Time) time.Duration {
	retryAfterStr := h.Get("Retry-After")
	if retryAfterStr == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfterStr); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if retryTime, err := http.ParseTime(retryAfterStr); err == nil {
		return retryTime.Sub(now)
	}
	return 0
}
