package gdelt

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jszwec/csvutil"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	maxFetchRetryWait  = 30 * time.Second
)

// ErrMissingHour marks an export file GDELT has not (or not yet) published.
// Missing hours are expected and are skipped, not failed.
var ErrMissingHour = errors.New("gdelt export file not published")

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches hourly export archives from the public GDELT URL pattern
// <base>/<YYYYMMDDHHMMSS>.export.CSV.zip.
type Client struct {
	BaseURL    string
	HTTPClient HTTPClient

	log *slog.Logger
}

func NewClient(log *slog.Logger, baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        log,
	}
}

// FetchHour downloads and decodes the export file for the given hour.
// Returns ErrMissingHour for 404s; transient failures retry with backoff.
func (c *Client) FetchHour(ctx context.Context, hour time.Time) ([]Row, error) {
	stamp := hour.UTC().Truncate(time.Hour).Format("20060102150405")
	url := fmt.Sprintf("%s/%s.export.CSV.zip", c.BaseURL, stamp)

	var body []byte
	op := func() error {
		var err error
		body, err = c.download(ctx, url)
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxInterval(maxFetchRetryWait),
		backoff.WithMaxElapsedTime(5*time.Minute),
	), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, ErrMissingHour) {
			return nil, ErrMissingHour
		}
		return nil, fmt.Errorf("failed to fetch gdelt export %s: %w", stamp, err)
	}

	rows, err := decodeExportZip(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gdelt export %s: %w", stamp, err)
	}
	c.log.Debug("fetched gdelt export",
		slog.String("hour", stamp),
		slog.Int("rows", len(rows)))
	return rows, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("User-Agent", "sofia-pulse/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrMissingHour)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

// decodeExportZip unpacks the single CSV member and decodes its tab-separated
// headerless records against the fixed 61-column export header.
func decodeExportZip(data []byte) ([]Row, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	if len(zr.File) == 0 {
		return nil, errors.New("zip archive is empty")
	}

	member, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open zip member: %w", err)
	}
	defer member.Close()

	return DecodeExport(member)
}

// DecodeExport decodes raw export records (tab-separated, no header).
func DecodeExport(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	dec, err := csvutil.NewDecoder(cr, exportHeader...)
	if err != nil {
		return nil, fmt.Errorf("failed to create export decoder: %w", err)
	}

	var rows []Row
	for {
		var row Row
		err := dec.Decode(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed lines happen in GDELT; skip them rather than abort
			// the hour, but give up on reader-level failures.
			var parseErr *csv.ParseError
			var typeErr *csvutil.UnmarshalTypeError
			if errors.As(err, &parseErr) || errors.As(err, &typeErr) || errors.Is(err, csvutil.ErrFieldCount) {
				continue
			}
			return nil, fmt.Errorf("failed to decode export record: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
