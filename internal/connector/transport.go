package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultCallTimeout = 30 * time.Second

// HTTPTransport is the production Transport: one base URL, one shared client.
// It converts transport-level failures into typed connector errors so callers
// can classify them without inspecting net internals.
type HTTPTransport struct {
	connectorName string
	baseURL       string
	client        *http.Client
}

func NewHTTPTransport(connectorName, baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &HTTPTransport{
		connectorName: connectorName,
		baseURL:       baseURL,
		client:        &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, InvalidRequestError(t.connectorName, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, TimeoutError(t.connectorName, err)
		}
		return nil, NetworkError(t.connectorName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError(t.connectorName, fmt.Errorf("read response: %w", err))
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
