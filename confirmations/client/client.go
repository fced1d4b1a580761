// Package client is the network boundary of the confirmations protocol.
// The orchestrator only depends on the Client interface so tests can
// substitute canned responses.
package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

type Request struct {
	Method      string
	URL         string
	Headers     http.Header
	Body        []byte
	ContentType string
}

type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Do issues the request and returns whatever status the server replied
// with. Only transport failures are returned as errors.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Headers {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	c.logger.Debug("sending request", slog.String("method", req.Method), slog.String("url", req.URL))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("received response", slog.String("url", req.URL), slog.Int("status_code", resp.StatusCode))

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}, nil
}
