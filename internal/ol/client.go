package ol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultBaseURL is the public Open Library host. Services override it via
// OPENLIBRARY_BASE_URL to point at a test server.
const DefaultBaseURL = "https://openlibrary.org"

// maxResponseBytes caps how much of a response body we read. Search payloads
// run a few hundred KB; anything larger is a broken upstream.
const maxResponseBytes = 8 << 20

// SearchURL returns the Search API URL for a free-text query.
func SearchURL(query string) string {
	return DefaultBaseURL + "/search.json?q=" + url.QueryEscape(query)
}

// FetchJSON fetches an Open Library URL with http.DefaultClient.
func FetchJSON(ctx context.Context, url string) ([]byte, error) {
	return FetchJSONWithClient(ctx, http.DefaultClient, url)
}

// FetchJSONWithClient fetches an Open Library URL with the given client, which
// may carry a proxy or custom timeouts. The User-Agent identifies this service
// per the Open Library API guidelines. Non-2xx responses are returned as errors
// carrying the status code.
func FetchJSONWithClient(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}
