package workflowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nbflow/engine_go/internal/utils"
)

// DefaultRequestTimeout bounds each planning/generating HTTP call.
const DefaultRequestTimeout = 300 * time.Second

// Client talks to the remote planner and generator endpoints. Planning
// calls are retried once on transport failure; generating calls are never
// retried because replayed actions would be duplicated.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     utils.ExtendedLogger
}

// Option configures the client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a workflow API client for the given base URL.
func NewClient(baseURL string, logger utils.ExtendedLogger, opts ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		logger:     utils.OrNoop(logger),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Planning sends an observation payload to the planning endpoint. One
// internal retry is performed on transport failure since planner feedback
// is idempotent.
func (c *Client) Planning(ctx context.Context, payload interface{}) (*PlannerResponse, error) {
	body, err := c.post(ctx, "/planning", payload)
	if err != nil {
		apiErr, ok := err.(*APIError)
		if !ok || !apiErr.Recoverable() {
			return nil, err
		}
		c.logger.Warnf("planning call failed (%v), retrying once", err)
		body, err = c.post(ctx, "/planning", payload)
		if err != nil {
			return nil, err
		}
	}

	var response PlannerResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, contractError("/planning", fmt.Errorf("failed to decode planner response: %w", err))
	}
	return &response, nil
}

// Generating sends an observation payload to the generating endpoint and
// collects the streamed actions into an ordered slice. The stream is
// drained to completion before returning so action indices stay stable.
func (c *Client) Generating(ctx context.Context, payload interface{}) ([]Action, error) {
	stream, err := c.GeneratingStream(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	actions := make([]Action, 0)
	for {
		action, ok, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// GeneratingStream opens the generating call and returns a lazy action
// stream. The caller must Close it.
func (c *Client) GeneratingStream(ctx context.Context, payload interface{}) (*ActionStream, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, contractError("/generating", fmt.Errorf("failed to encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generating", bytes.NewReader(raw))
	if err != nil {
		return nil, contractError("/generating", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("/generating", 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			return nil, transportError("/generating", resp.StatusCode, fmt.Errorf("server error: %s", snippet))
		}
		return nil, contractError("/generating", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet))
	}

	return newActionStream(resp.Body, c.logger), nil
}

// post performs one JSON POST and returns the response body.
func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, contractError(path, fmt.Errorf("failed to encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, contractError(path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(path, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(path, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, transportError(path, resp.StatusCode, fmt.Errorf("server error: %s", truncate(body, 512)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, contractError(path, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 512)))
	}

	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
