package providers

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/makaronz/animatize/core"
)

// maxResponseBytes caps provider response bodies. Generation responses
// carry URLs, not artifacts, so anything past this is a misbehaving
// endpoint.
const maxResponseBytes = 4 << 20

// HTTPTransport is the production transport: a shared http.Client with
// OpenTelemetry instrumentation on every round trip.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the instrumented transport. A zero timeout
// leaves deadline control entirely to the request context.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Do issues the native request and returns the status, headers, and the
// size-capped body. Transport-level failures return err; HTTP error
// statuses do not, classification is the adapter's job.
func (t *HTTPTransport) Do(ctx context.Context, req *core.NativeRequest) (int, map[string]string, []byte, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, nil, err
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return resp.StatusCode, headers, raw, nil
}
