package executor

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
	"nbflow/engine_go/pkg/notebook"
)

// DefaultRequestTimeout bounds each kernel execution call.
const DefaultRequestTimeout = 300 * time.Second

// emptyOutputRetryDelay compensates for a kernel initialization race: the
// very first execution on a fresh kernel may return ok with no outputs.
const emptyOutputRetryDelay = 100 * time.Millisecond

// Client executes code on a remote Jupyter kernel over HTTP. Failures are
// captured as error outputs rather than raised so the effect log reflects
// them and the workflow keeps moving.
type Client struct {
	baseURL    string
	notebookID string
	httpClient *http.Client
	logger     utils.ExtendedLogger
	retryDelay time.Duration
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

// WithRetryDelay overrides the empty-output retry delay. Tests use this to
// avoid real sleeps.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// NewClient creates a kernel client. The notebookID is the kernel session
// identifier acquired out of band and passed in via configuration.
func NewClient(baseURL, notebookID string, logger utils.ExtendedLogger, opts ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		notebookID: notebookID,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		logger:     utils.OrNoop(logger),
		retryDelay: emptyOutputRetryDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type executeRequest struct {
	Code       string `json:"code"`
	NotebookID string `json:"notebook_id"`
}

type executeResponse struct {
	Status  string            `json:"status"`
	Outputs []notebook.Output `json:"outputs"`
}

// Execute runs code on the kernel and returns the parsed outputs.
//
// When the kernel answers ok with zero outputs the call is retried exactly
// once after a short delay; later empty responses are taken at face value.
// A non-ok status or transport failure comes back as a single error output.
func (c *Client) Execute(ctx context.Context, code string) []notebook.Output {
	outputs, retryable := c.executeOnce(ctx, code)
	if retryable && len(outputs) == 0 {
		c.logger.Debugf("kernel returned ok with no outputs, retrying once in %s", c.retryDelay)
		time.Sleep(c.retryDelay)
		outputs, _ = c.executeOnce(ctx, code)
	}
	return outputs
}

// executeOnce performs a single kernel call. The bool reports whether an
// empty result is eligible for the first-execution retry.
func (c *Client) executeOnce(ctx context.Context, code string) ([]notebook.Output, bool) {
	raw, err := json.Marshal(executeRequest{Code: code, NotebookID: c.notebookID})
	if err != nil {
		return errorOutputs(fmt.Sprintf("failed to encode execute request: %v", err)), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(raw))
	if err != nil {
		return errorOutputs(fmt.Sprintf("failed to build execute request: %v", err)), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warnf("kernel call failed: %v", err)
		return errorOutputs(fmt.Sprintf("kernel unreachable: %v", err)), false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorOutputs(fmt.Sprintf("failed to read kernel response: %v", err)), false
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warnf("kernel returned status %d", resp.StatusCode)
		return errorOutputs(fmt.Sprintf("kernel returned status %d: %.200s", resp.StatusCode, body)), false
	}

	var decoded executeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return errorOutputs(fmt.Sprintf("unparseable kernel response: %v", err)), false
	}

	if decoded.Status != "ok" {
		c.logger.Warnf("kernel execution failed with status %q", decoded.Status)
		return errorOutputs(fmt.Sprintf("execution failed with status %q", decoded.Status)), false
	}

	return decoded.Outputs, true
}

func errorOutputs(message string) []notebook.Output {
	return []notebook.Output{{
		Type:    notebook.OutputTypeError,
		Content: message,
	}}
}
