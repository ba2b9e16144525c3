package acled

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultPageLimit   = 5000
	defaultHTTPTimeout = 60 * time.Second
	maxPageRetryWait   = 30 * time.Second
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client reads the ACLED HTTP API: authenticated, JSON, paged.
type Client struct {
	BaseURL    string
	APIKey     string
	Email      string
	PageLimit  int
	HTTPClient HTTPClient

	log *slog.Logger
}

func NewClient(log *slog.Logger, baseURL, apiKey, email string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Email:      email,
		PageLimit:  defaultPageLimit,
		HTTPClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        log,
	}
}

type apiResponse struct {
	Status  int   `json:"status"`
	Success bool  `json:"success"`
	Count   int   `json:"count"`
	Data    []Row `json:"data"`
	Error   any   `json:"error"`
}

// FetchWindow streams all pages for [start, end] to fn in page order.
// Transient failures (network errors, 5xx) retry per page with exponential
// backoff bounded by the context.
func (c *Client) FetchWindow(ctx context.Context, start, end time.Time, fn func([]Row) error) error {
	limit := c.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	for page := 1; ; page++ {
		rows, err := c.fetchPageWithRetry(ctx, start, end, page, limit)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := fn(rows); err != nil {
				return err
			}
		}
		c.log.Debug("fetched page",
			slog.Int("page", page),
			slog.Int("rows", len(rows)))
		if len(rows) < limit {
			return nil
		}
	}
}

func (c *Client) fetchPageWithRetry(ctx context.Context, start, end time.Time, page, limit int) ([]Row, error) {
	var rows []Row
	op := func() error {
		var err error
		rows, err = c.fetchPage(ctx, start, end, page, limit)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(maxPageRetryWait),
		backoff.WithMaxElapsedTime(5*time.Minute),
	), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
	}
	return rows, nil
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, page, limit int) ([]Row, error) {
	q := url.Values{}
	q.Set("key", c.APIKey)
	q.Set("email", c.Email)
	q.Set("event_date", fmt.Sprintf("%s|%s", start.Format(dateLayout), end.Format(dateLayout)))
	q.Set("event_date_where", "BETWEEN")
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sofia-pulse/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(fmt.Errorf("authentication rejected (status %d): check ACLED_API_KEY and ACLED_EMAIL", resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if !parsed.Success && parsed.Status != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("api error: status=%d error=%v", parsed.Status, parsed.Error))
	}
	return parsed.Data, nil
}
