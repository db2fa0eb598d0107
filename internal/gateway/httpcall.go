package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrOutcomeUnknown means the request may have reached the provider but no usable answer came back
// (timeout, connection reset after send). The attempt must stay pending until a callback or poll.
var ErrOutcomeUnknown = errors.New("gateway: outcome unknown")

// ErrNotDelivered means every attempt failed before the request reached the provider.
var ErrNotDelivered = errors.New("gateway: request not delivered")

const (
	maxErrorBody   = 512
	defaultTimeout = 10 * time.Second
)

// caller performs provider HTTP calls with a per-attempt timeout and a bounded retry.
// Dial errors, 429 and 5xx are retried. Once any attempt got an HTTP response the provider may have
// processed the request, so every later failure is reported as an unknown outcome.
type caller struct {
	client   *http.Client
	timeout  time.Duration
	attempts int
	delay    time.Duration
}

func newCaller(client *http.Client, timeout time.Duration, attempts int, delay time.Duration) *caller {
	if client == nil {
		client = &http.Client{}
	}
	if attempts < 1 {
		attempts = 1
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &caller{client: client, timeout: timeout, attempts: attempts, delay: delay}
}

type response struct {
	status int
	body   []byte
}

func (c *caller) do(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (response, error) {
	var lastErr error
	reached := false

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return response{}, fmt.Errorf("%w: %v after %d attempts: %v", failure(reached), ctx.Err(), attempt-1, lastErr)
			case <-time.After(c.delay):
			}
		}

		resp, err := c.once(ctx, newRequest)
		if err != nil {
			if errors.Is(err, ErrNotDelivered) {
				if reached {
					return response{}, fmt.Errorf("%w: attempt %d: %v", ErrOutcomeUnknown, attempt, err)
				}
				return response{}, err
			}
			if !isDialError(err) {
				return response{}, fmt.Errorf("%w: attempt %d: %v", ErrOutcomeUnknown, attempt, err)
			}
			lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
			continue
		}
		reached = true
		if resp.status == http.StatusTooManyRequests || resp.status >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("attempt %d: HTTP %d: %s", attempt, resp.status, truncate(resp.body))
			continue
		}
		return resp, nil
	}
	return response{}, fmt.Errorf("%w: no usable answer after %d attempts: %v", failure(reached), c.attempts, lastErr)
}

// failure is the sentinel for a call that ended without a usable answer.
func failure(reached bool) error {
	if reached {
		return ErrOutcomeUnknown
	}
	return ErrNotDelivered
}

func (c *caller) once(ctx context.Context, newRequest func(ctx context.Context) (*http.Request, error)) (response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := newRequest(attemptCtx)
	if err != nil {
		return response{}, fmt.Errorf("%w: failed to build request: %v", ErrNotDelivered, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	return response{status: resp.StatusCode, body: body}, nil
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
