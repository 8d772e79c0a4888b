// Package egress implements the outgoing HTTP POST side of the send loop.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nodemesh/meshnode/internal/event"
)

// Client POSTs events to their destination endpoint with a bounded
// per-attempt timeout.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a Client whose every POST is bounded by timeout,
// measured end to end (not per-read).
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// Post sends e to its destination's endpoint and reports an error for any
// non-200 response, timeout, or transport failure — the send loop treats
// all three identically for retry purposes.
func (c *Client) Post(ctx context.Context, e *event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("egress: marshal event: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d%s", e.DestinationAddress, e.DestinationPort, e.DestinationEndpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("egress: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("egress: post to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("egress: %s returned %d", url, resp.StatusCode)
	}
	return nil
}
