// Package roads fetches the active road list from the detection backend.
package roads

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type listing struct {
	RoadNames []string `json:"road_names"`
}

// Client calls GET <roads-listing-endpoint>.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client with the given request timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

// Fetch returns the road names. Any transport error, non-2xx status or
// undecodable body is returned as an error.
func (c *Client) Fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build roads request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roads: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("roads listing returned status %d", resp.StatusCode)
	}
	var body listing
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode roads listing: %w", err)
	}
	if body.RoadNames == nil {
		return []string{}, nil
	}
	return body.RoadNames, nil
}
