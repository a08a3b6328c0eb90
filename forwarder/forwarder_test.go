package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestForwardReturnsUpstreamStatusVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"error":"teapot"}`))
	}))
	defer upstream.Close()

	fwd := New(upstream.URL, time.Second)
	resp, err := fwd.Forward(context.Background(), []byte(`{}`), "application/json")
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected upstream status to pass through verbatim, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"error":"teapot"}` {
		t.Fatalf("unexpected body: %s", resp.Body)
	}
}

func TestForwardReturnsErrorOnTransportFailure(t *testing.T) {
	fwd := New("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := fwd.Forward(context.Background(), []byte(`{}`), "application/json")
	if err == nil {
		t.Fatalf("expected transport error when upstream is unreachable")
	}
}

func TestForwardDefaultsContentType(t *testing.T) {
	var gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(upstream.URL, time.Second)
	if _, err := fwd.Forward(context.Background(), []byte(`{}`), ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected default content type application/json, got %q", gotContentType)
	}
}
