// Package httpclient provides basic http functions
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
	defaultUserAgent   = "irail-dashboard/1.0"
)

var (
	// ErrUpstreamUnavailable is returned once every attempt allowed by the retry policy failed
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamRejected is returned without retrying when the upstream refuses the request itself
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrMalformedResponse is returned when a successful response cannot be decoded
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// StatusError records an unexpected http status returned by the upstream
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// retryable reports whether the status is worth another attempt
func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client performs GET requests against a rate limited upstream. Each attempt gets its own Timeout,
// 429, 5xx, timeouts and transport errors are retried with exponential backoff starting at BaseDelay
// and doubling until MaxAttempts attempts have been made.
type Client struct {
	HTTP        *http.Client
	UserAgent   string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry is called before sleeping ahead of the attempt following failed attempt number attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// GetJSON requests rawURL with query and decodes the json response body into dst
func (c *Client) GetJSON(ctx context.Context, rawURL string, query url.Values, dst interface{}) error {
	body, err := c.Get(ctx, rawURL, query)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrMalformedResponse, rawURL, err)
	}
	return nil
}

// Get requests rawURL with query and returns the response body of the first successful attempt
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	target := rawURL
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		return c.attempt(ctx, target)
	}
	notify := func(err error, delay time.Duration) {
		if c.OnRetry != nil {
			c.OnRetry(attempt, delay, err)
		}
	}

	body, err := backoff.RetryNotifyWithData(operation, c.policy(ctx), notify)
	if err == nil {
		return body, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrUpstreamRejected) {
		return nil, err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUpstreamUnavailable, attempt, err)
}

// policy builds the backoff for one Get: no jitter, so the delays are BaseDelay, 2*BaseDelay, 4*BaseDelay...
func (c *Client) policy(ctx context.Context) backoff.BackOff {
	maxAttempts := c.maxAttempts()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.baseDelay() << uint(maxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

// attempt performs a single request, marking failures that must not be retried as permanent
func (c *Client) attempt(ctx context.Context, target string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrUpstreamRejected, err))
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{URL: target, StatusCode: resp.StatusCode}
		if statusErr.retryable() {
			return nil, statusErr
		}
		return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrUpstreamRejected, statusErr))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", target, err)
	}
	return body, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return defaultUserAgent
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Client) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return defaultBaseDelay
}

func (c *Client) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}
