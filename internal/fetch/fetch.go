package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
)

// FetchError is returned after every retry attempt has been exhausted. It
// carries the last underlying cause so callers can log why the page never
// came back.
type FetchError struct {
	URL        string
	Attempts   int
	LastStatus int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed after %d attempts: %s: %v", e.Attempts, e.URL, e.Err)
	}
	return fmt.Sprintf("fetch failed after %d attempts: %s: status %d", e.Attempts, e.URL, e.LastStatus)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// retryableStatuses are rate-limit and upstream gateway failures that are
// worth waiting out. 403 is handled separately: it gets retried too, but
// never sleeps past the final attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	520:                           true,
	522:                           true,
	524:                           true,
}

// Client issues outbound page requests with rotating browser headers,
// optional proxy-provider indirection and linear retry backoff. Politeness
// delays between independent requests are the caller's job, not the
// Client's.
type Client struct {
	httpClient *http.Client
	cfg        config.ScraperConfig
	logger     *slog.Logger
}

func New(cfg config.ScraperConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger.With("component", "fetcher"),
	}
}

// Fetch retrieves a page, retrying up to the configured attempt count with a
// linear backoff of BackoffBase times the attempt number. It returns the
// body and status of the first 2xx response, or a *FetchError once all
// attempts are spent.
func (c *Client) Fetch(ctx context.Context, target string) (string, int, error) {
	var lastErr error
	lastStatus := 0

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		body, status, err := c.doRequest(ctx, target)
		if err == nil && status >= 200 && status < 300 {
			return body, status, nil
		}

		if err != nil {
			lastErr = err
			c.logger.Warn("request failed", "url", target, "attempt", attempt, "error", err)
		} else {
			lastStatus = status
			lastErr = fmt.Errorf("unexpected status %d", status)
			c.logger.Warn("request rejected", "url", target, "attempt", attempt, "status", status)
		}

		if ctx.Err() != nil {
			return "", lastStatus, ctx.Err()
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		// Linear schedule: base * attempt. The rotating headers are the
		// only jitter; 403 and transport errors share the same path as
		// the retryable statuses.
		if err := c.backoff(ctx, attempt); err != nil {
			return "", lastStatus, err
		}
	}

	return "", lastStatus, &FetchError{
		URL:        target,
		Attempts:   c.cfg.MaxRetries,
		LastStatus: lastStatus,
		Err:        lastErr,
	}
}

func (c *Client) doRequest(ctx context.Context, target string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.wrapWithProvider(target), nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to build request: %w", err)
	}

	for k, v := range c.requestHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}

	return string(body), resp.StatusCode, nil
}

// requestHeaders builds a fresh header set per attempt with a User-Agent
// drawn uniformly at random from the configured pool.
func (c *Client) requestHeaders() map[string]string {
	ua := c.cfg.UserAgents[rand.Intn(len(c.cfg.UserAgents))]
	return map[string]string{
		"User-Agent":                ua,
		"Accept-Language":           "en-GB,en;q=0.9",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Upgrade-Insecure-Requests": "1",
		"DNT":                       "1",
	}
}

// wrapWithProvider rewrites the target URL into a proxy provider's
// indirection format when a key is configured. ScraperAPI takes precedence
// when both keys are present. Retry behaviour is identical either way.
func (c *Client) wrapWithProvider(target string) string {
	if c.cfg.ScraperAPIKey != "" {
		params := url.Values{}
		params.Set("api_key", c.cfg.ScraperAPIKey)
		params.Set("country_code", "uk")
		params.Set("keep_headers", "true")
		params.Set("url", target)
		return "http://api.scraperapi.com?" + params.Encode()
	}
	if c.cfg.ZenRowsKey != "" {
		params := url.Values{}
		params.Set("apikey", c.cfg.ZenRowsKey)
		params.Set("url", target)
		params.Set("premium_proxy", "true")
		params.Set("js_render", "false")
		return "https://api.zenrows.com/v1/?" + params.Encode()
	}
	return target
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * c.cfg.BackoffBase
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Retryable reports whether a status code is on the wait-and-retry list.
// Exported for the adaptive limiter, which stretches its delays when these
// keep showing up.
func Retryable(status int) bool {
	return retryableStatuses[status] || status == http.StatusForbidden
}
