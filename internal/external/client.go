// Package external is the boundary between the sync engine and the
// marketplace's HTTP surface: the identity endpoint that refreshes OAuth
// tokens and the per-category list endpoints the workers page through. Both
// go through a BaseClient for circuit breaking and error mapping, and both
// travel over a transport that refuses to send a ciphertext envelope. Token
// grants retry transport errors, 429 and 5xx with backoff; page fetches do
// not retry.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"marketsync/internal/security"
	"marketsync/internal/types"

	"github.com/sony/gobreaker/v2"
)

// UserAgent is sent on every outbound request.
const UserAgent = "marketsync/1.0"

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// NoRetryPolicy is used for page fetches: a failed page fails the run and the
// next run re-covers the window, so retrying inside the run only burns the
// page timeout.
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 0, MinWait: 0, MaxWait: 0}
}

// IdentityRetryPolicy bounds retries of the refresh grant. A transient
// identity failure otherwise costs the account a whole run.
func IdentityRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseClient wraps an *http.Client and a circuit breaker so every marketplace
// call gets the same resilience behavior.
type BaseClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     SleepFunc
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn SleepFunc) BaseClientOption {
	return func(c *BaseClient) {
		c.sleepFn = fn
	}
}

// NewBaseClient creates a BaseClient with its own named circuit breaker.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	retryPolicy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: breakerSuccess,
		}),
		retryPolicy: retryPolicy,
		userAgent:   userAgent,
		sleepFn:     sleepCtx,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// breakerSuccess keeps local refusals and caller cancellations from counting
// against the upstream.
func breakerSuccess(err error) bool {
	return err == nil ||
		errors.Is(err, security.ErrCiphertextOutbound) ||
		errors.Is(err, context.Canceled)
}

// Do executes req with:
//  1. X-Request-ID propagation from the context
//  2. User-Agent injection
//  3. circuit breaking
//  4. retry on 429/5xx and transport errors, honoring Retry-After
//  5. mapping of terminal failures to types.AppError
//
// Responses other than 429/5xx are returned as-is and the caller closes the
// body.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.execute(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, c.mapError(resp, err)
	}
	return resp, nil
}

// RoundTrip lets the BaseClient sit under another HTTP client, such as the
// one oauth2 uses for the refresh grant. When retries run out on a 429 or 5xx
// the last response is returned unmapped so the caller can still read the
// status and body.
func (c *BaseClient) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.execute(req.Clone(req.Context()))
	if err != nil {
		if resp != nil {
			return resp, nil
		}
		return nil, c.mapError(nil, err)
	}
	return resp, nil
}

// execute runs the retry loop. On failure it returns the final 429/5xx
// response, if any, alongside the error.
func (c *BaseClient) execute(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if requestID := types.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var bodyBytes []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body for retry support", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(bodyBytes)), nil
		}
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastErr = err
		lastResp = resp

		if !retryable(err) || attempt == maxAttempts-1 {
			break
		}
		if sleepErr := c.sleepFn(ctx, c.computeBackoff(attempt, resp)); sleepErr != nil {
			if lastResp != nil {
				lastResp.Body.Close()
				lastResp = nil
			}
			lastErr = sleepErr
			break
		}
	}

	return lastResp, lastErr
}

// retryable is false for failures another attempt cannot fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, security.ErrCiphertextOutbound):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// computeBackoff determines the wait before the next attempt. Retry-After
// wins when present; otherwise exponential backoff with jitter clamped to
// [MinWait, MaxWait].
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, c.retryPolicy.MaxWait)
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				return min(wait, c.retryPolicy.MaxWait)
			}
		}
	}

	base := math.Min(
		float64(c.retryPolicy.MinWait)*math.Pow(2, float64(attempt)),
		float64(c.retryPolicy.MaxWait),
	)
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

// mapError translates terminal transport failures into AppErrors.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, security.ErrCiphertextOutbound):
		return types.NewAppError(types.ErrCodeCredentialDecryptFailed, "refused to send an encrypted token upstream", err)
	case errors.Is(err, context.Canceled):
		return types.NewAppError(types.ErrCodeSyncCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamFetchFailed, "upstream request timed out", err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "circuit breaker is open; upstream service unavailable", err)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(
				types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode),
				err,
			)
		}
	}

	return types.NewAppError(types.ErrCodeUpstreamFetchFailed, "upstream request failed", err)
}
