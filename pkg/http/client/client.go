package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type Interface interface {
	GetJSON(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error)
}

// Client performs HTTP GETs against the SHOM API with bounded
// exponential-backoff retry. Request timeouts, HTTP error statuses,
// transport errors and payload decode errors are all treated as retryable;
// after the retry budget is exhausted the last error is returned.
type Client struct {
	httpClient *http.Client
	headers    map[string]string
	maxRetries int
	preDelay   time.Duration
	backoff    time.Duration
	// GetJSONFunc overrides GetJSON when set. Test seam.
	GetJSONFunc func(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error)
}

type Options struct {
	Headers    map[string]string
	MaxRetries int           // total attempts, default 5
	PreDelay   time.Duration // fixed courtesy delay before the first attempt, default 1s
	Backoff    time.Duration // base retry delay, doubled each attempt, default 5s
}

func New(opts Options) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.PreDelay == 0 {
		opts.PreDelay = time.Second
	}
	if opts.Backoff == 0 {
		opts.Backoff = 5 * time.Second
	}

	return &Client{
		httpClient: &http.Client{},
		headers:    opts.Headers,
		maxRetries: opts.MaxRetries,
		preDelay:   opts.PreDelay,
		backoff:    opts.Backoff,
	}
}

// GetJSON fetches url and returns the decoded JSON payload. The timeout
// applies per attempt, not to the whole retry loop.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error) {
	if c.GetJSONFunc != nil {
		return c.GetJSONFunc(ctx, url, timeout)
	}

	if err := sleep(ctx, c.preDelay); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		data, err := c.attempt(ctx, url, timeout)
		if err == nil {
			log.Debug().
				Str("url", url).
				Int("attempt", attempt+1).
				Int("max_attempts", c.maxRetries).
				Msg("Fetch succeeded")
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		delay := c.backoff * (1 << attempt)
		log.Warn().
			Err(err).
			Str("url", url).
			Int("attempt", attempt+1).
			Int("max_attempts", c.maxRetries).
			Dur("retry_in", delay).
			Msg("Fetch attempt failed")

		// No delay after the final failed attempt.
		if attempt < c.maxRetries-1 {
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	log.Error().
		Str("url", url).
		Int("attempts", c.maxRetries).
		Msg("Fetch failed after all attempts")
	return nil, fmt.Errorf("fetching %s after %d attempts: %w", url, c.maxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, url string, timeout time.Duration) (json.RawMessage, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		if closeErr := body.Close(); closeErr != nil {
			log.Debug().Err(closeErr).Msg("Error closing response body")
		}
	}(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var data json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return data, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
