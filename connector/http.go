package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxHTTPBody caps how much of a response body is read.
const maxHTTPBody = 4 << 20

// HTTPConnectorOptions configures an HTTPConnector.
type HTTPConnectorOptions struct {
	Method      string
	Headers     map[string]string
	ContentType string
	Client      *http.Client
}

// HTTPConnector sends the payload as the request body to a fixed URL.
//
// The operation selects the method when it names one (GET, POST, ...), or is
// appended to the URL when it starts with "/".
type HTTPConnector struct {
	name        string
	url         string
	method      string
	headers     map[string]string
	contentType string
	client      *http.Client
}

// NewHTTPConnector creates an HTTP connector. The default method is POST.
func NewHTTPConnector(name, url string, optFns ...func(o *HTTPConnectorOptions)) *HTTPConnector {
	opts := HTTPConnectorOptions{
		Method:      http.MethodPost,
		ContentType: "application/json",
		Client:      http.DefaultClient,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &HTTPConnector{
		name:        name,
		url:         strings.TrimRight(url, "/"),
		method:      opts.Method,
		headers:     opts.Headers,
		contentType: opts.ContentType,
		client:      opts.Client,
	}
}

// Name implements Connector.
func (c *HTTPConnector) Name() string { return c.name }

// Type implements Connector.
func (c *HTTPConnector) Type() string { return "http" }

// Execute implements Connector. Non-2xx statuses are reported as failures.
func (c *HTTPConnector) Execute(ctx context.Context, req Request) (Response, error) {
	method, url := c.method, c.url

	switch op := strings.TrimSpace(req.Operation); {
	case isHTTPMethod(op):
		method = strings.ToUpper(op)
	case strings.HasPrefix(op, "/"):
		url += op
	}

	var body io.Reader
	if req.Payload != "" && method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewBufferString(req.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Response{}, fmt.Errorf("connector: create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", c.contentType)
	}

	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	if req.RunID != "" {
		httpReq.Header.Set("X-Makermesh-Run", req.RunID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("connector: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return Response{}, fmt.Errorf("connector: read response: %w", err)
	}

	out := Response{
		Success:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		Output:   string(data),
		Metadata: map[string]string{"http.status": strconv.Itoa(resp.StatusCode)},
	}

	if !out.Success {
		out.Error = fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return out, nil
}

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func isHTTPMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return true
	default:
		return false
	}
}
