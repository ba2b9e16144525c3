package acled

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func testClient(t *testing.T, httpClient HTTPClient) *Client {
	t.Helper()
	c := NewClient(logger.With("test", t.Name()), "https://api.example.test/read", "key", "ops@example.test")
	c.HTTPClient = httpClient
	return c
}

func TestACLED_Client_FetchWindow(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 5, 7, 0, 0, 0, 0, time.UTC)

	t.Run("pages until a short page", func(t *testing.T) {
		t.Parallel()

		pageBody := func(n int) string {
			rows := make([]string, n)
			for i := range rows {
				rows[i] = fmt.Sprintf(`{"event_id_cnty":"KEN%d","event_date":"2025-05-01","country":"Kenya"}`, i)
			}
			return fmt.Sprintf(`{"status":200,"success":true,"count":%d,"data":[%s]}`, n, strings.Join(rows, ","))
		}

		var pagesServed atomic.Int64
		client := testClient(t, &mockHTTPClient{
			DoFunc: func(req *http.Request) (*http.Response, error) {
				q := req.URL.Query()
				require.Equal(t, "key", q.Get("key"))
				require.Equal(t, "ops@example.test", q.Get("email"))
				require.Equal(t, "2025-05-01|2025-05-07", q.Get("event_date"))
				require.Equal(t, "BETWEEN", q.Get("event_date_where"))

				pagesServed.Add(1)
				if q.Get("page") == "1" {
					return jsonResponse(200, pageBody(3)), nil
				}
				return jsonResponse(200, pageBody(1)), nil
			},
		})
		client.PageLimit = 3

		var got []Row
		err := client.FetchWindow(context.Background(), start, end, func(rows []Row) error {
			got = append(got, rows...)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, got, 4)
		require.Equal(t, int64(2), pagesServed.Load())
	})

	t.Run("retries server errors then succeeds", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		client := testClient(t, &mockHTTPClient{
			DoFunc: func(req *http.Request) (*http.Response, error) {
				if calls.Add(1) == 1 {
					return jsonResponse(503, `{}`), nil
				}
				return jsonResponse(200, `{"status":200,"success":true,"count":0,"data":[]}`), nil
			},
		})
		client.PageLimit = 100

		err := client.FetchWindow(context.Background(), start, end, func([]Row) error { return nil })
		require.NoError(t, err)
		require.GreaterOrEqual(t, calls.Load(), int64(2))
	})

	t.Run("authentication failure does not retry", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		client := testClient(t, &mockHTTPClient{
			DoFunc: func(req *http.Request) (*http.Response, error) {
				calls.Add(1)
				return jsonResponse(401, `{}`), nil
			},
		})

		err := client.FetchWindow(context.Background(), start, end, func([]Row) error { return nil })
		require.Error(t, err)
		require.Contains(t, err.Error(), "authentication rejected")
		require.Equal(t, int64(1), calls.Load())
	})

	t.Run("cancellation stops the fetch", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		client := testClient(t, &mockHTTPClient{
			DoFunc: func(req *http.Request) (*http.Response, error) {
				cancel()
				return jsonResponse(503, `{}`), nil
			},
		})

		err := client.FetchWindow(ctx, start, end, func([]Row) error { return nil })
		require.Error(t, err)
	})

	t.Run("empty window is not an error", func(t *testing.T) {
		t.Parallel()

		client := testClient(t, &mockHTTPClient{
			DoFunc: func(req *http.Request) (*http.Response, error) {
				return jsonResponse(200, `{"status":200,"success":true,"count":0,"data":[]}`), nil
			},
		})

		called := false
		err := client.FetchWindow(context.Background(), start, end, func([]Row) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		require.False(t, called, "no pages delivered for an empty window")
	})
}
