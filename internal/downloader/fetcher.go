package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Payload is an open stream of a record's bytes.
type Payload struct {
	Body io.ReadCloser
	// Size is the announced length, or -1 when the source did not say.
	Size int64
}

// Fetcher opens the byte stream behind a content URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Payload, error)
}

// HTTPFetcher fetches payloads over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher whose requests are traced. The client carries no
// overall timeout; transfers are bounded by their context instead.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()

		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	return &Payload{Body: resp.Body, Size: resp.ContentLength}, nil
}
