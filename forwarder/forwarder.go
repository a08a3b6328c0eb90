// Package forwarder relays RPC request bodies to the upstream EVM node
// verbatim. It never interprets JSON-RPC; it only propagates bytes and status
// codes.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

// Response is the raw upstream reply the pipeline streams back to the client.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Forwarder relays a request body to a fixed upstream node URL.
type Forwarder struct {
	nodeURL string
	http    *http.Client
}

// New constructs a Forwarder with a bounded per-call timeout.
func New(nodeURL string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Forwarder{
		nodeURL: nodeURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Forward posts body to the upstream node and returns its response verbatim.
// A non-nil error here always means a transport-layer failure (connect
// refused, timeout, DNS failure, etc.) — never a non-2xx HTTP status, which
// is returned as a populated Response instead.
func (f *Forwarder) Forward(ctx context.Context, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.nodeURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("forwarder: build request: %w", err)
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarder: upstream unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("forwarder: read upstream response: %w", err)
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
