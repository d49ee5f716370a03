package tool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryPolicy bounds how transient CRM failures are retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	// Exponential backoff with jitter.
	base := time.Duration(attempt*attempt) * p.BaseDelay
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// retryable reports whether a response status may be retried for method.
// Writes are only retried when the server refused them outright, so a
// message is never delivered twice.
func retryable(method string, status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return method == http.MethodGet && status >= 500
}

// doWithRetry executes an HTTP request, retrying transient failures. The
// final non-retryable response is returned as-is for the caller to classify.
func doWithRetry(ctx context.Context, client *http.Client, policy RetryPolicy, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.backoff(attempt)
			logger.Warn("retrying CRM request", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if req.Method == http.MethodGet && attempt < policy.MaxRetries {
				logger.Warn("CRM request failed, will retry", "err", err)
				continue
			}
			return nil, err
		}

		if retryable(req.Method, resp.StatusCode) && attempt < policy.MaxRetries {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			logger.Warn("CRM server error, will retry", "status", resp.StatusCode, "method", req.Method)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
